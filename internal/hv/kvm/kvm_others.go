//go:build linux && !amd64

package kvm

import (
	"fmt"

	"github.com/tinyrange/sevkeep/internal/hv"
)

func (v *virtualCPU) GetRegisters(regs map[hv.Register]uint64) error {
	return fmt.Errorf("kvm: GetRegisters: %w", hv.ErrHypervisorUnsupported)
}

func (v *virtualCPU) Run() (hv.Exit, error) {
	return nil, fmt.Errorf("kvm: Run: %w", hv.ErrHypervisorUnsupported)
}

func (h *Hypervisor) archVCPUInit(vm *VirtualMachine, vcpuFd int) error {
	return nil
}
