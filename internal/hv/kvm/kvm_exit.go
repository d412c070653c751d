//go:build linux

package kvm

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/sevkeep/internal/hv"
)

// decodeExit interprets the exit recorded in a vCPU's kvm_run mapping.
// Port data is returned as a slice of run, not a copy.
func decodeExit(run []byte) (hv.Exit, error) {
	if len(run) < int(unsafe.Sizeof(kvmRunData{})) {
		return nil, fmt.Errorf("kvm: kvm_run mapping too small (%d bytes)", len(run))
	}

	data := (*kvmRunData)(unsafe.Pointer(&run[0]))
	reason := kvmExitReason(data.exit_reason)

	switch reason {
	case kvmExitIo:
		ioData := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
		if ioData.direction != kvmExitIoOut {
			return hv.ExitOther{Reason: fmt.Sprintf("%s(in, port=0x%x)", reason, ioData.port)}, nil
		}

		length := uint64(ioData.size) * uint64(ioData.count)
		if ioData.dataOffset > uint64(len(run)) || length > uint64(len(run))-ioData.dataOffset {
			return nil, fmt.Errorf("kvm: I/O exit data [0x%x+0x%x] outside kvm_run", ioData.dataOffset, length)
		}

		return hv.ExitIOOut{
			Port: ioData.port,
			Data: run[ioData.dataOffset : ioData.dataOffset+length],
		}, nil
	case kvmExitVmgexit:
		vmgexit := (*kvmExitVmgexitData)(unsafe.Pointer(&data.anon0[0]))

		return hv.ExitVMGExit{
			GHCBMsr: vmgexit.ghcbMsr,
			Error:   vmgexit.error,
		}, nil
	default:
		return hv.ExitOther{Reason: reason.String()}, nil
	}
}
