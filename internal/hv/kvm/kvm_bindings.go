//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlInt(ioctl int) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), uint64(ioctl), 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getApiVersion   = ioctlInt(kvmGetApiVersion)
	getVcpuMmapSize = ioctlInt(kvmGetVcpuMmapSize)
)

func createVm(fd int, vmType uint64) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVm), uintptr(vmType))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateVcpu), uintptr(id))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

// checkExtension returns the raw KVM_CHECK_EXTENSION value for cap.
func checkExtension(fd int, cap int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCheckExtension), uintptr(cap))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

func setUserMemoryRegion(fd int, region *kvmUserspaceMemoryRegion) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion), uintptr(unsafe.Pointer(region)))
	return err
}

func setUserMemoryRegion2(fd int, region *kvmUserspaceMemoryRegion2) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetUserMemoryRegion2), uintptr(unsafe.Pointer(region)))
	return err
}

func createGuestMemfd(fd int, size uint64) (int, error) {
	args := kvmCreateGuestMemfdArgs{Size: size}
	v1, err := ioctlWithRetry(uintptr(fd), uint64(kvmCreateGuestMemfd), uintptr(unsafe.Pointer(&args)))
	if err != nil {
		return 0, err
	}

	return int(v1), nil
}

func setMemoryAttributes(fd int, attrs *kvmMemoryAttributes) error {
	_, err := ioctlWithRetry(uintptr(fd), uint64(kvmSetMemoryAttributes), uintptr(unsafe.Pointer(attrs)))
	return err
}
