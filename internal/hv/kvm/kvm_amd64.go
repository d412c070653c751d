//go:build linux && amd64

package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/sevkeep/internal/hv"
	"golang.org/x/sys/unix"
)

func (v *virtualCPU) GetRegisters(regs map[hv.Register]uint64) error {
	hasRegularRegister := false
	hasSpecialRegisters := false

	for reg := range regs {
		switch reg {
		case hv.RegisterAMD64Cr0, hv.RegisterAMD64Cr3, hv.RegisterAMD64Cr4, hv.RegisterAMD64Efer:
			hasSpecialRegisters = true
		case hv.RegisterInvalid:
			return fmt.Errorf("kvm: unsupported register %v for architecture x86_64", reg)
		default:
			hasRegularRegister = true
		}
	}

	if hasRegularRegister {
		regularRegs, err := getRegisters(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Rax:
				regs[reg] = regularRegs.Rax
			case hv.RegisterAMD64Rbx:
				regs[reg] = regularRegs.Rbx
			case hv.RegisterAMD64Rcx:
				regs[reg] = regularRegs.Rcx
			case hv.RegisterAMD64Rdx:
				regs[reg] = regularRegs.Rdx
			case hv.RegisterAMD64Rsi:
				regs[reg] = regularRegs.Rsi
			case hv.RegisterAMD64Rdi:
				regs[reg] = regularRegs.Rdi
			case hv.RegisterAMD64Rsp:
				regs[reg] = regularRegs.Rsp
			case hv.RegisterAMD64Rbp:
				regs[reg] = regularRegs.Rbp
			case hv.RegisterAMD64R8:
				regs[reg] = regularRegs.R8
			case hv.RegisterAMD64R9:
				regs[reg] = regularRegs.R9
			case hv.RegisterAMD64R10:
				regs[reg] = regularRegs.R10
			case hv.RegisterAMD64R11:
				regs[reg] = regularRegs.R11
			case hv.RegisterAMD64R12:
				regs[reg] = regularRegs.R12
			case hv.RegisterAMD64R13:
				regs[reg] = regularRegs.R13
			case hv.RegisterAMD64R14:
				regs[reg] = regularRegs.R14
			case hv.RegisterAMD64R15:
				regs[reg] = regularRegs.R15
			case hv.RegisterAMD64Rip:
				regs[reg] = regularRegs.Rip
			case hv.RegisterAMD64Rflags:
				regs[reg] = regularRegs.Rflags
			}
		}
	}

	if hasSpecialRegisters {
		specialRegs, err := getSRegs(v.fd)
		if err != nil {
			return fmt.Errorf("kvm: get special registers: %w", err)
		}

		for reg := range regs {
			switch reg {
			case hv.RegisterAMD64Cr0:
				regs[reg] = specialRegs.Cr0
			case hv.RegisterAMD64Cr3:
				regs[reg] = specialRegs.Cr3
			case hv.RegisterAMD64Cr4:
				regs[reg] = specialRegs.Cr4
			case hv.RegisterAMD64Efer:
				regs[reg] = specialRegs.Efer
			}
		}
	}

	return nil
}

// Run blocks in KVM_RUN until the guest exits to the host.
func (v *virtualCPU) Run() (hv.Exit, error) {
	run := (*kvmRunData)(unsafe.Pointer(&v.run[0]))

	// clear immediate_exit in case it was set
	run.immediate_exit = 0

	for {
		_, err := ioctl(uintptr(v.fd), uint64(kvmRun), 0)
		if errors.Is(err, unix.EINTR) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("kvm: run vCPU %d: %w", v.id, err)
		}

		break
	}

	return decodeExit(v.run)
}

func (h *Hypervisor) archVCPUInit(vm *VirtualMachine, vcpuFd int) error {
	cpuId, err := getSupportedCpuId(h.fd)
	if err != nil {
		return fmt.Errorf("getting vCPU ID: %w", err)
	}

	if err := setVCPUID(vcpuFd, cpuId); err != nil {
		return fmt.Errorf("setting vCPU ID: %w", err)
	}

	return nil
}
