// Package snp describes the SEV-SNP Guest/Host Communication Block and the
// page state change structures a guest places in it, as laid out by the AMD
// GHCB specification (revision 2). The types mirror the hardware layout byte
// for byte so they can be overlaid on guest memory.
package snp

import (
	"errors"
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/hostarch"
)

const (
	// GHCBSize is the size of the GHCB page.
	GHCBSize = 0x1000

	// SharedBufferOffset is the offset of the shared buffer inside the GHCB.
	SharedBufferOffset = 0x800
	SharedBufferSize   = 2032

	// MaxProtocolVersion is the newest GHCB protocol this host speaks.
	MaxProtocolVersion = 2
)

// SaveArea is the part of the GHCB that mirrors the VMSA. Only the software
// exit fields are interpreted by the host; the rest is kept opaque.
type SaveArea struct {
	Reserved0   [0x390]byte
	SwExitCode  uint64
	SwExitInfo1 uint64
	SwExitInfo2 uint64
	SwScratch   uint64
	Reserved1   [0x38]byte
	Xcr0        uint64
	ValidBitmap [16]byte
	X87StateGPA uint64
}

// GHCB is the 4KiB guest/host communication page.
type GHCB struct {
	SaveArea        SaveArea
	Reserved0       [SharedBufferOffset - unsafe.Sizeof(SaveArea{})]byte
	SharedBuffer    [SharedBufferSize]byte
	Reserved1       [10]byte
	ProtocolVersion uint16
	GHCBUsage       uint32
}

// Layout checks; these fail to compile if the structs drift from the
// hardware definition.
var (
	_ [GHCBSize - unsafe.Sizeof(GHCB{})]byte
	_ [unsafe.Sizeof(GHCB{}) - GHCBSize]byte
	_ [SharedBufferSize - unsafe.Sizeof(PageStateChangeDesc{})]byte
	_ [unsafe.Sizeof(PageStateChangeDesc{}) - SharedBufferSize]byte
)

// Exit codes carried in SaveArea.SwExitCode.
const (
	ExitPageStateChange uint64 = 0x8000_0010
)

var (
	ErrViewSize      = errors.New("snp: memory window too small")
	ErrViewAlignment = errors.New("snp: memory window not 8-byte aligned")
)

// ProtocolError reports a guest that broke the GHCB framing contract.
type ProtocolError struct {
	Field string
	Value uint64
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("snp: invalid GHCB %s %#x", e.Field, e.Value)
}

// ViewGHCB overlays a GHCB on mem without copying it. The guest may be
// polling the page, so all accesses must go through the returned pointer.
//
// The caller must hold exclusive host-side access to mem for as long as the
// view is used.
func ViewGHCB(mem []byte) (*GHCB, error) {
	if len(mem) < GHCBSize {
		return nil, fmt.Errorf("%w: %d < %d", ErrViewSize, len(mem), GHCBSize)
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrViewAlignment
	}

	// SAFETY: GHCB is GHCBSize bytes, contains only integers and byte
	// arrays (valid for every bit pattern), has no padding, and mem is long
	// enough and suitably aligned.
	return (*GHCB)(unsafe.Pointer(&mem[0])), nil
}

// Validate checks the framing fields the guest is required to set. Nothing
// else in the GHCB is read when validation fails.
func (g *GHCB) Validate() error {
	if g.GHCBUsage != 0 {
		return &ProtocolError{Field: "usage", Value: uint64(g.GHCBUsage)}
	}
	if g.ProtocolVersion > MaxProtocolVersion {
		return &ProtocolError{Field: "protocol version", Value: uint64(g.ProtocolVersion)}
	}
	return nil
}

// PageStateChangeDesc returns the shared buffer viewed as a page state
// change descriptor.
func (g *GHCB) PageStateChangeDesc() *PageStateChangeDesc {
	// SAFETY: PageStateChangeDesc is exactly SharedBufferSize bytes of
	// integers with no padding, and the shared buffer sits at an 8-byte
	// aligned offset of an aligned GHCB.
	return (*PageStateChangeDesc)(unsafe.Pointer(&g.SharedBuffer[0]))
}

// PageSize is the only page size the host maps into a guest.
const PageSize = hostarch.PageSize
