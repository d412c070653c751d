//go:build linux

package kvm

import (
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/sevkeep/internal/hv"
	"golang.org/x/sys/unix"
)

func checkKVMAvailable(t testing.TB) {
	t.Helper()

	hv, err := Open()
	if err != nil {
		t.Skipf("KVM not available: %v", err)
	}
	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestOpen(t *testing.T) {
	checkKVMAvailable(t)

	hv, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}

	if err := hv.Close(); err != nil {
		t.Fatalf("Close KVM hypervisor: %v", err)
	}
}

func TestNewVirtualMachine(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(Config{NumCPUs: 2})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	vcpus := vm.VirtualCPUs()
	if len(vcpus) != 2 {
		t.Fatalf("expected 2 vCPUs, got %d", len(vcpus))
	}
	for i, vcpu := range vcpus {
		if vcpu.ID() != i {
			t.Errorf("vCPU %d has wrong ID: got %d", i, vcpu.ID())
		}
	}

	slots, err := vm.MaxMemorySlots()
	if err != nil {
		t.Fatalf("MaxMemorySlots: %v", err)
	}
	if slots <= 0 {
		t.Fatalf("expected a positive memory slot count, got %d", slots)
	}
}

func TestSetMemoryRegionShared(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	vm, err := kvm.NewVirtualMachine(Config{NumCPUs: 1})
	if err != nil {
		t.Fatalf("Create KVM virtual machine: %v", err)
	}
	defer vm.Close()

	mem, err := unix.Mmap(-1, 0, 0x10000, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(mem)

	if err := vm.SetMemoryRegion(0, 0x100000, mem, false); err != nil {
		t.Fatalf("SetMemoryRegion: %v", err)
	}
}

func TestNewVirtualMachineNoCPUs(t *testing.T) {
	checkKVMAvailable(t)

	kvm, err := Open()
	if err != nil {
		t.Fatalf("Open KVM hypervisor: %v", err)
	}
	defer kvm.Close()

	if _, err := kvm.NewVirtualMachine(Config{}); err == nil {
		t.Fatalf("expected an error for a VM without vCPUs")
	}
}

func newRunBuffer(reason kvmExitReason) ([]byte, *kvmRunData) {
	run := make([]byte, 4096)
	data := (*kvmRunData)(unsafe.Pointer(&run[0]))
	data.exit_reason = uint32(reason)
	return run, data
}

func TestDecodeExitIOOut(t *testing.T) {
	run, data := newRunBuffer(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 2
	io.count = 1
	io.port = 0xff
	io.dataOffset = 0x1000 - 16
	run[0x1000-16] = 0x03
	run[0x1000-15] = 0x01

	exit, err := decodeExit(run)
	if err != nil {
		t.Fatalf("decodeExit: %v", err)
	}

	want := hv.ExitIOOut{Port: 0xff, Data: []byte{0x03, 0x01}}
	if diff := cmp.Diff(want, exit); diff != "" {
		t.Fatalf("decodeExit mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeExitIOOutOfBounds(t *testing.T) {
	run, data := newRunBuffer(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoOut
	io.size = 4
	io.count = 2
	io.dataOffset = uint64(len(run)) - 4

	if _, err := decodeExit(run); err == nil {
		t.Fatalf("expected an error for port data outside kvm_run")
	}
}

func TestDecodeExitVmgexit(t *testing.T) {
	run, data := newRunBuffer(kvmExitVmgexit)
	vmgexit := (*kvmExitVmgexitData)(unsafe.Pointer(&data.anon0[0]))
	vmgexit.ghcbMsr = 0x0010_0000_0000_1014
	vmgexit.error = 3

	exit, err := decodeExit(run)
	if err != nil {
		t.Fatalf("decodeExit: %v", err)
	}

	want := hv.ExitVMGExit{GHCBMsr: 0x0010_0000_0000_1014, Error: 3}
	if diff := cmp.Diff(want, exit); diff != "" {
		t.Fatalf("decodeExit mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeExitOther(t *testing.T) {
	for _, tt := range []struct {
		name   string
		reason kvmExitReason
		want   string
	}{
		{"hlt", kvmExitHlt, "KVM_EXIT_HLT"},
		{"shutdown", kvmExitShutdown, "KVM_EXIT_SHUTDOWN"},
		{"unknown", kvmExitReason(1234), "KVM_EXIT_???(1234)"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			run, _ := newRunBuffer(tt.reason)

			exit, err := decodeExit(run)
			if err != nil {
				t.Fatalf("decodeExit: %v", err)
			}

			other, ok := exit.(hv.ExitOther)
			if !ok {
				t.Fatalf("expected hv.ExitOther, got %T", exit)
			}
			if other.Reason != tt.want {
				t.Fatalf("expected reason %q, got %q", tt.want, other.Reason)
			}
		})
	}
}

func TestDecodeExitIOIn(t *testing.T) {
	run, data := newRunBuffer(kvmExitIo)
	io := (*kvmExitIoData)(unsafe.Pointer(&data.anon0[0]))
	io.direction = kvmExitIoIn
	io.port = 0x3f8

	exit, err := decodeExit(run)
	if err != nil {
		t.Fatalf("decodeExit: %v", err)
	}
	if _, ok := exit.(hv.ExitOther); !ok {
		t.Fatalf("expected port reads to be reported as hv.ExitOther, got %T", exit)
	}
}

func TestDecodeExitShortBuffer(t *testing.T) {
	if _, err := decodeExit(make([]byte, 16)); err == nil {
		t.Fatalf("expected an error for a truncated kvm_run mapping")
	}
}
