package snp

import "fmt"

// MaxPageStateChangeEntries is the number of entries that fit in the
// shared buffer after the descriptor header.
const MaxPageStateChangeEntries = 253

// PageStateChangeDesc is the page state change request a guest places in
// the GHCB shared buffer. CurEntry is advanced by the host as entries
// complete and is the only progress indication the guest gets.
type PageStateChangeDesc struct {
	CurEntry uint16
	EndEntry uint16
	Reserved uint32
	Entries  [MaxPageStateChangeEntries]PageStateChangeEntry
}

// PageStateChangeEntry is one packed request:
//
//	bits  0-11  current page (must be zero)
//	bits 12-51  guest physical frame
//	bits 52-55  operation
//	bit  56     page size (0 = 4KiB, 1 = 2MiB)
type PageStateChangeEntry uint64

func (e PageStateChangeEntry) CurPage() uint64 { return uint64(e) & 0xfff }

func (e PageStateChangeEntry) GPA() uint64 { return uint64(e) & 0x000f_ffff_ffff_f000 }

func (e PageStateChangeEntry) Operation() PageOperation {
	return PageOperation((uint64(e) >> 52) & 0xf)
}

func (e PageStateChangeEntry) LargePage() bool { return (uint64(e)>>56)&1 != 0 }

// NewPageStateChangeEntry packs a 4KiB request for gpa.
func NewPageStateChangeEntry(gpa uint64, op PageOperation) PageStateChangeEntry {
	return PageStateChangeEntry(gpa&0x000f_ffff_ffff_f000 | uint64(op&0xf)<<52)
}

type PageOperation uint8

const (
	PageOperationPrivate PageOperation = 0x1
	PageOperationShared  PageOperation = 0x2
	PageOperationPsmash  PageOperation = 0x3
	PageOperationUnsmash PageOperation = 0x4
)

func (op PageOperation) String() string {
	switch op {
	case PageOperationPrivate:
		return "private"
	case PageOperationShared:
		return "shared"
	case PageOperationPsmash:
		return "psmash"
	case PageOperationUnsmash:
		return "unsmash"
	default:
		return fmt.Sprintf("PageOperation(%#x)", uint8(op))
	}
}

// Values written to SwExitInfo2 when a page state change stops early.
const (
	PageStateChangeInvalidHeader uint64 = 0x0000_0001_0000_0001
	PageStateChangeInvalidEntry  uint64 = 0x0000_0001_0000_0002
	PageStateChangeGenericError  uint64 = 0x0000_0100_0000_0000
)

// GHCB MSR protocol function codes (low 12 bits of the GHCB MSR).
const (
	MSRFunctionGHCBGPA         uint64 = 0x000
	MSRFunctionPageStateChange uint64 = 0x014
)

// MSRFunction returns the protocol function selected by a GHCB MSR value.
func MSRFunction(msr uint64) uint64 { return msr & 0xfff }

// MSRGHCBGPA returns the guest physical address of the GHCB page announced
// through the MSR.
func MSRGHCBGPA(msr uint64) uint64 { return msr &^ 0xfff }

// MSRPageStateChange decodes an MSR-protocol page state change request.
func MSRPageStateChange(msr uint64) (gpa uint64, op PageOperation) {
	return msr & 0x0007_ffff_ffff_f000, PageOperation((msr >> 52) & 0xf)
}

// NewMSRPageStateChange encodes an MSR-protocol page state change request.
func NewMSRPageStateChange(gpa uint64, op PageOperation) uint64 {
	return gpa&0x0007_ffff_ffff_f000 | uint64(op&0xf)<<52 | MSRFunctionPageStateChange
}
