//go:build linux

package kvm

import "fmt"

const (
	kvmApiVersion = 12

	kvmGetApiVersion        = 0xae00
	kvmCreateVm             = 0xae01
	kvmCheckExtension       = 0xae03
	kvmGetVcpuMmapSize      = 0xae04
	kvmGetSupportedCpuid    = 0xc008ae05
	kvmCreateVcpu           = 0xae41
	kvmSetUserMemoryRegion  = 0x4020ae46
	kvmSetUserMemoryRegion2 = 0x40a0ae49
	kvmRun                  = 0xae80
	kvmGetRegs              = 0x8090ae81
	kvmGetSregs             = 0x8138ae83
	kvmSetCpuid2            = 0x4008ae90
	kvmSetMemoryAttributes  = 0x4020aed2
	kvmCreateGuestMemfd     = 0xc040aed4

	kvmCapNrMemslots = 10
)

const (
	kvmMemGuestMemfd = 1 << 2

	kvmMemoryAttributePrivate = 1 << 3
)

// VM types accepted by KVM_CREATE_VM on x86.
const (
	VMTypeDefault = 0
	VMTypeSevSnp  = 4
)

const (
	kvmExitIoIn  = 0
	kvmExitIoOut = 1
)

type kvmExitReason uint32

func (kr kvmExitReason) String() string {
	switch kr {
	case kvmExitUnknown:
		return "KVM_EXIT_UNKNOWN"
	case kvmExitException:
		return "KVM_EXIT_EXCEPTION"
	case kvmExitIo:
		return "KVM_EXIT_IO"
	case kvmExitHypercall:
		return "KVM_EXIT_HYPERCALL"
	case kvmExitDebug:
		return "KVM_EXIT_DEBUG"
	case kvmExitHlt:
		return "KVM_EXIT_HLT"
	case kvmExitMmio:
		return "KVM_EXIT_MMIO"
	case kvmExitShutdown:
		return "KVM_EXIT_SHUTDOWN"
	case kvmExitFailEntry:
		return "KVM_EXIT_FAIL_ENTRY"
	case kvmExitIntr:
		return "KVM_EXIT_INTR"
	case kvmExitInternalError:
		return "KVM_EXIT_INTERNAL_ERROR"
	case kvmExitSystemEvent:
		return "KVM_EXIT_SYSTEM_EVENT"
	case kvmExitX86Rdmsr:
		return "KVM_EXIT_X86_RDMSR"
	case kvmExitX86Wrmsr:
		return "KVM_EXIT_X86_WRMSR"
	case kvmExitMemoryFault:
		return "KVM_EXIT_MEMORY_FAULT"
	case kvmExitVmgexit:
		return "KVM_EXIT_VMGEXIT"
	default:
		return fmt.Sprintf("KVM_EXIT_???(%d)", uint32(kr))
	}
}

const (
	kvmExitUnknown       kvmExitReason = 0
	kvmExitException     kvmExitReason = 1
	kvmExitIo            kvmExitReason = 2
	kvmExitHypercall     kvmExitReason = 3
	kvmExitDebug         kvmExitReason = 4
	kvmExitHlt           kvmExitReason = 5
	kvmExitMmio          kvmExitReason = 6
	kvmExitShutdown      kvmExitReason = 8
	kvmExitFailEntry     kvmExitReason = 9
	kvmExitIntr          kvmExitReason = 10
	kvmExitInternalError kvmExitReason = 17
	kvmExitSystemEvent   kvmExitReason = 24
	kvmExitX86Rdmsr      kvmExitReason = 29
	kvmExitX86Wrmsr      kvmExitReason = 30
	kvmExitMemoryFault   kvmExitReason = 39
	kvmExitVmgexit       kvmExitReason = 50
)
