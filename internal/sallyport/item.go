// Package sallyport decodes the shared-memory mailbox blocks a keep guest
// uses to hand batches of system calls and host calls to the host.
//
// A block is an array of 64-bit words holding a sequence of items. Each item
// starts with a two-word header {size, kind}; size is the byte length of
// the payload and trailing data that follow the header. A header of kind
// KindEnd, or running out of words, terminates the sequence. Pointer
// arguments inside payloads are byte offsets into the item's data section.
package sallyport

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// TriggerPort is the I/O port a guest writes a 16-bit little-endian block
// index to when a block is ready for the host.
const TriggerPort uint16 = 0xff

// WordSize is the size in bytes of one block word.
const WordSize = 8

type Kind uint64

const (
	KindEnd       Kind = 0x00
	KindSyscall   Kind = 0x01
	KindGdbcall   Kind = 0x02
	KindEnarxcall Kind = 0x03
)

func (k Kind) String() string {
	switch k {
	case KindEnd:
		return "end"
	case KindSyscall:
		return "syscall"
	case KindGdbcall:
		return "gdbcall"
	case KindEnarxcall:
		return "enarxcall"
	default:
		return fmt.Sprintf("Kind(%d)", uint64(k))
	}
}

// Header precedes every item in a block.
type Header struct {
	Size uint64
	Kind Kind
}

// Syscall is the payload of a system call item.
type Syscall struct {
	Num  uint64
	Argv [6]uint64
	Ret  [2]uint64
}

type EnarxcallNumber uint64

const (
	EnarxcallBalloonMemory    EnarxcallNumber = 0x00
	EnarxcallCpuid            EnarxcallNumber = 0x01
	EnarxcallGetSgxQuote      EnarxcallNumber = 0x02
	EnarxcallGetSgxQuoteSize  EnarxcallNumber = 0x03
	EnarxcallGetSgxTargetInfo EnarxcallNumber = 0x04
	EnarxcallGetSnpVcek       EnarxcallNumber = 0x05
	EnarxcallMemInfo          EnarxcallNumber = 0x06
	EnarxcallMmapHost         EnarxcallNumber = 0x07
	EnarxcallMprotectHost     EnarxcallNumber = 0x08
	EnarxcallMunmapHost       EnarxcallNumber = 0x09
	EnarxcallSpawn            EnarxcallNumber = 0x0a
	EnarxcallTrapHost         EnarxcallNumber = 0x0b
)

var enarxcallNames = map[EnarxcallNumber]string{
	EnarxcallBalloonMemory:    "BalloonMemory",
	EnarxcallCpuid:            "Cpuid",
	EnarxcallGetSgxQuote:      "GetSgxQuote",
	EnarxcallGetSgxQuoteSize:  "GetSgxQuoteSize",
	EnarxcallGetSgxTargetInfo: "GetSgxTargetInfo",
	EnarxcallGetSnpVcek:       "GetSnpVcek",
	EnarxcallMemInfo:          "MemInfo",
	EnarxcallMmapHost:         "MmapHost",
	EnarxcallMprotectHost:     "MprotectHost",
	EnarxcallMunmapHost:       "MunmapHost",
	EnarxcallSpawn:            "Spawn",
	EnarxcallTrapHost:         "TrapHost",
}

func (n EnarxcallNumber) String() string {
	if name, ok := enarxcallNames[n]; ok {
		return name
	}
	return fmt.Sprintf("Enarxcall(%d)", uint64(n))
}

// Enarxcall is the payload of a host call item: an operation implemented by
// the keep host rather than forwarded to the host kernel.
type Enarxcall struct {
	Num  EnarxcallNumber
	Argv [4]uint64
	Ret  uint64
}

type GdbcallNumber uint64

const (
	GdbcallFlush     GdbcallNumber = 0x00
	GdbcallRead      GdbcallNumber = 0x01
	GdbcallOnSession GdbcallNumber = 0x02
	GdbcallPeek      GdbcallNumber = 0x03
	GdbcallWrite     GdbcallNumber = 0x04
)

// Gdbcall is the payload of a debug call item.
type Gdbcall struct {
	Num  GdbcallNumber
	Argv [4]uint64
	Ret  uint64
}

// Item is one decoded entry of a block. Payload pointers and Data alias the
// block memory, so results written through them are visible to the guest.
type Item interface {
	Kind() Kind
}

type SyscallItem struct {
	Call *Syscall
	Data []byte
}

func (SyscallItem) Kind() Kind { return KindSyscall }

type EnarxcallItem struct {
	Call *Enarxcall
	Data []byte
}

func (EnarxcallItem) Kind() Kind { return KindEnarxcall }

type GdbcallItem struct {
	Call *Gdbcall
	Data []byte
}

func (GdbcallItem) Kind() Kind { return KindGdbcall }

var (
	_ Item = SyscallItem{}
	_ Item = EnarxcallItem{}
	_ Item = GdbcallItem{}
)

// ErrnoReturn encodes errno as the negated return word the guest expects.
func ErrnoReturn(errno unix.Errno) uint64 {
	return uint64(-int64(errno))
}
