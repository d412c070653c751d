//go:build linux

package kvm

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/sevkeep/internal/hv"
	"golang.org/x/sys/unix"
)

type virtualCPU struct {
	vm  *VirtualMachine
	id  int
	fd  int
	run []byte
}

// implements hv.VirtualCPU.
func (v *virtualCPU) ID() int { return v.id }

var (
	_ hv.VirtualCPU = &virtualCPU{}
)

// VirtualMachine is a KVM VM file descriptor together with its vCPUs. It
// implements hv.MemoryDevice.
type VirtualMachine struct {
	hv    *Hypervisor
	vmFd  int
	vcpus []*virtualCPU

	memfdMu     sync.Mutex
	guestMemfds []int
}

// MaxMemorySlots implements hv.MemoryDevice.
func (v *VirtualMachine) MaxMemorySlots() (int, error) {
	n, err := checkExtension(v.hv.fd, kvmCapNrMemslots)
	if err != nil {
		return 0, fmt.Errorf("kvm: check KVM_CAP_NR_MEMSLOTS: %w", err)
	}

	return n, nil
}

// SetMemoryRegion implements hv.MemoryDevice. Private regions are backed by
// a guest_memfd and flagged private before the guest can touch them.
func (v *VirtualMachine) SetMemoryRegion(slot uint32, guestAddr uint64, mem []byte, private bool) error {
	if len(mem) == 0 {
		return unix.EINVAL
	}

	userspaceAddr := uint64(uintptr(unsafe.Pointer(&mem[0])))
	size := uint64(len(mem))

	if !private {
		return setUserMemoryRegion(v.vmFd, &kvmUserspaceMemoryRegion{
			Slot:          slot,
			GuestPhysAddr: guestAddr,
			MemorySize:    size,
			UserspaceAddr: userspaceAddr,
		})
	}

	memfd, err := createGuestMemfd(v.vmFd, size)
	if err != nil {
		return err
	}

	if err := setUserMemoryRegion2(v.vmFd, &kvmUserspaceMemoryRegion2{
		Slot:          slot,
		Flags:         kvmMemGuestMemfd,
		GuestPhysAddr: guestAddr,
		MemorySize:    size,
		UserspaceAddr: userspaceAddr,
		GuestMemfd:    uint32(memfd),
	}); err != nil {
		unix.Close(memfd)
		return err
	}

	v.memfdMu.Lock()
	v.guestMemfds = append(v.guestMemfds, memfd)
	v.memfdMu.Unlock()

	return v.SetMemoryAttributes(guestAddr, size, true)
}

// SetMemoryAttributes implements hv.MemoryDevice.
func (v *VirtualMachine) SetMemoryAttributes(guestAddr, size uint64, private bool) error {
	attrs := kvmMemoryAttributes{
		Address: guestAddr,
		Size:    size,
	}
	if private {
		attrs.Attributes = kvmMemoryAttributePrivate
	}

	return setMemoryAttributes(v.vmFd, &attrs)
}

// VirtualCPUs returns every vCPU created for the VM, in ID order.
func (v *VirtualMachine) VirtualCPUs() []hv.VirtualCPU {
	ret := make([]hv.VirtualCPU, 0, len(v.vcpus))
	for _, vcpu := range v.vcpus {
		ret = append(ret, vcpu)
	}
	return ret
}

func (v *VirtualMachine) Close() error {
	vcpus := v.vcpus
	v.vcpus = nil

	for _, vcpu := range vcpus {
		if err := unix.Munmap(vcpu.run); err != nil {
			slog.Error("kvm: munmap vcpu run", "error", err)
		}
		if err := unix.Close(vcpu.fd); err != nil {
			slog.Error("kvm: close vcpu fd", "error", err)
		}
	}

	v.memfdMu.Lock()
	memfds := v.guestMemfds
	v.guestMemfds = nil
	v.memfdMu.Unlock()

	for _, fd := range memfds {
		if err := unix.Close(fd); err != nil {
			slog.Error("kvm: close guest memfd", "error", err)
		}
	}

	if v.vmFd >= 0 {
		if err := unix.Close(v.vmFd); err != nil {
			return fmt.Errorf("kvm: close vm fd: %w", err)
		}
		v.vmFd = -1
	}

	return nil
}

var (
	_ hv.MemoryDevice = &VirtualMachine{}
)

// Config describes the VM to create.
type Config struct {
	// VMType is passed to KVM_CREATE_VM, e.g. VMTypeSevSnp.
	VMType  uint64
	NumCPUs int
}

type Hypervisor struct {
	fd int
}

func (h *Hypervisor) Close() error {
	if err := unix.Close(h.fd); err != nil {
		return fmt.Errorf("close kvm fd: %w", err)
	}

	return nil
}

// NewVirtualMachine creates a VM and its vCPUs. Guest memory is not
// installed here; callers add it through SetMemoryRegion.
func (h *Hypervisor) NewVirtualMachine(config Config) (*VirtualMachine, error) {
	if config.NumCPUs < 1 {
		return nil, fmt.Errorf("kvm: at least one vCPU required, got %d", config.NumCPUs)
	}

	vmFd, err := createVm(h.fd, config.VMType)
	if err != nil {
		return nil, fmt.Errorf("kvm: create VM: %w", err)
	}

	vm := &VirtualMachine{
		hv:   h,
		vmFd: vmFd,
	}

	mmapSize, err := getVcpuMmapSize(h.fd)
	if err != nil {
		vm.Close()
		return nil, fmt.Errorf("get kvm_run mmap size: %w", err)
	}

	for i := range config.NumCPUs {
		vcpuFd, err := createVCPU(vm.vmFd, i)
		if err != nil {
			vm.Close()
			return nil, fmt.Errorf("create vCPU %d: %w", i, err)
		}

		run, err := unix.Mmap(
			vcpuFd,
			0,
			mmapSize,
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED,
		)
		if err != nil {
			unix.Close(vcpuFd)
			vm.Close()
			return nil, fmt.Errorf("mmap vCPU %d kvm_run: %w", i, err)
		}

		vcpu := &virtualCPU{
			vm:  vm,
			id:  i,
			fd:  vcpuFd,
			run: run,
		}
		vm.vcpus = append(vm.vcpus, vcpu)

		if err := h.archVCPUInit(vm, vcpuFd); err != nil {
			vm.Close()
			return nil, fmt.Errorf("initialize vCPU %d: %w", i, err)
		}
	}

	// Set finalizer to catch VMs that are garbage collected without being closed
	runtime.SetFinalizer(vm, func(v *VirtualMachine) {
		if v.vmFd >= 0 {
			slog.Debug("kvm: VM was not closed before garbage collection, cleaning up")
			v.Close()
		}
	})

	return vm, nil
}

func Open() (*Hypervisor, error) {
	fd, err := unix.Open("/dev/kvm", unix.O_CLOEXEC|unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/kvm: %w", err)
	}

	// validate API version
	version, err := getApiVersion(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("get KVM API version: %w", err)
	}
	if version != kvmApiVersion {
		unix.Close(fd)
		return nil, fmt.Errorf("kvm: unsupported API version %d, want %d", version, kvmApiVersion)
	}

	return &Hypervisor{fd: fd}, nil
}
