package hv

import (
	"errors"
	"fmt"
)

var ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")

type Register uint64

const (
	RegisterInvalid Register = iota

	// AMD64 Regular Registers
	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	// AMD64 Special Registers
	RegisterAMD64Cr0
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Efer
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cr0:    "cr0",
	RegisterAMD64Cr3:    "cr3",
	RegisterAMD64Cr4:    "cr4",
	RegisterAMD64Efer:   "efer",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// DiagnosticRegisters is the register set captured when an exit cannot be
// handled.
var DiagnosticRegisters = []Register{
	RegisterAMD64Rax, RegisterAMD64Rbx, RegisterAMD64Rcx, RegisterAMD64Rdx,
	RegisterAMD64Rsi, RegisterAMD64Rdi, RegisterAMD64Rsp, RegisterAMD64Rbp,
	RegisterAMD64R8, RegisterAMD64R9, RegisterAMD64R10, RegisterAMD64R11,
	RegisterAMD64R12, RegisterAMD64R13, RegisterAMD64R14, RegisterAMD64R15,
	RegisterAMD64Rip, RegisterAMD64Rflags,
	RegisterAMD64Cr0, RegisterAMD64Cr3, RegisterAMD64Cr4, RegisterAMD64Efer,
}

// Exit describes why a vCPU returned control to the host.
type Exit interface {
	isExit()
	String() string
}

// ExitIOOut is a guest write to an x86 I/O port.
type ExitIOOut struct {
	Port uint16
	Data []byte
}

func (ExitIOOut) isExit() {}
func (e ExitIOOut) String() string {
	return fmt.Sprintf("IoOut(port=0x%x, len=%d)", e.Port, len(e.Data))
}

// ExitVMGExit is an SEV-ES/SNP VMGEXIT carrying the value of the GHCB MSR.
type ExitVMGExit struct {
	GHCBMsr uint64
	Error   uint8
}

func (ExitVMGExit) isExit() {}
func (e ExitVMGExit) String() string {
	return fmt.Sprintf("Vmgexit(msr=0x%x, error=%d)", e.GHCBMsr, e.Error)
}

// ExitOther is any exit reason the execution core does not interpret.
type ExitOther struct {
	Reason string
}

func (ExitOther) isExit()          {}
func (e ExitOther) String() string { return e.Reason }

var (
	_ Exit = ExitIOOut{}
	_ Exit = ExitVMGExit{}
	_ Exit = ExitOther{}
)

type VirtualCPU interface {
	ID() int

	// Run executes guest code until the next host-visible exit. The
	// returned exit may reference memory owned by the vCPU and is only
	// valid until the next call to Run.
	Run() (Exit, error)

	GetRegisters(regs map[Register]uint64) error
}

// MemoryDevice is the VM-wide handle used to install guest memory and to
// change the confidentiality attribute of guest pages.
type MemoryDevice interface {
	MaxMemorySlots() (int, error)
	SetMemoryRegion(slot uint32, guestAddr uint64, mem []byte, private bool) error
	SetMemoryAttributes(guestAddr, size uint64, private bool) error
}
