//go:build linux

package sallyport

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Executor carries out items on the host. Failures of the requested
// operation are reported to the guest through the item's return words; an
// error return means the item itself could not be executed.
type Executor interface {
	Execute(item Item) error
}

// HostExecutor passes a fixed set of system calls through to the host
// kernel, translating data-section offsets into host pointers. Any other
// system call or host call fails with ENOSYS.
type HostExecutor struct{}

func (HostExecutor) Execute(item Item) error {
	switch it := item.(type) {
	case SyscallItem:
		executeSyscall(it.Call, it.Data)
	case EnarxcallItem:
		it.Call.Ret = ErrnoReturn(unix.ENOSYS)
	case GdbcallItem:
		it.Call.Ret = ErrnoReturn(unix.ENOSYS)
	default:
		return fmt.Errorf("sallyport: cannot execute item of type %T", item)
	}

	return nil
}

var _ Executor = HostExecutor{}

// bufferSyscalls take (fd, buf, count, ...) with buf an offset into data.
var bufferSyscalls = map[uint64]bool{
	unix.SYS_READ:     true,
	unix.SYS_WRITE:    true,
	unix.SYS_PREAD64:  true,
	unix.SYS_PWRITE64: true,
}

// scalarSyscalls take only integer arguments.
var scalarSyscalls = map[uint64]bool{
	unix.SYS_CLOSE:       true,
	unix.SYS_DUP:         true,
	unix.SYS_FSYNC:       true,
	unix.SYS_GETPID:      true,
	unix.SYS_GETPPID:     true,
	unix.SYS_GETUID:      true,
	unix.SYS_GETEUID:     true,
	unix.SYS_GETGID:      true,
	unix.SYS_GETEGID:     true,
	unix.SYS_SCHED_YIELD: true,
}

func executeSyscall(call *Syscall, data []byte) {
	var (
		r1, r2 uintptr
		errno  unix.Errno
	)

	switch {
	case bufferSyscalls[call.Num]:
		buf, ok := dataRange(data, call.Argv[1], call.Argv[2])
		if !ok {
			call.Ret = [2]uint64{ErrnoReturn(unix.EFAULT), 0}
			return
		}
		if len(buf) == 0 {
			call.Ret = [2]uint64{0, 0}
			return
		}

		r1, r2, errno = unix.Syscall6(
			uintptr(call.Num),
			uintptr(call.Argv[0]),
			uintptr(unsafe.Pointer(&buf[0])),
			uintptr(len(buf)),
			uintptr(call.Argv[3]),
			0,
			0,
		)
	case scalarSyscalls[call.Num]:
		r1, r2, errno = unix.Syscall6(
			uintptr(call.Num),
			uintptr(call.Argv[0]),
			uintptr(call.Argv[1]),
			uintptr(call.Argv[2]),
			uintptr(call.Argv[3]),
			uintptr(call.Argv[4]),
			uintptr(call.Argv[5]),
		)
	default:
		call.Ret = [2]uint64{ErrnoReturn(unix.ENOSYS), 0}
		return
	}

	if errno != 0 {
		call.Ret = [2]uint64{ErrnoReturn(errno), 0}
		return
	}

	call.Ret = [2]uint64{uint64(r1), uint64(r2)}
}

// dataRange returns data[off:off+n] if it lies entirely inside data.
func dataRange(data []byte, off, n uint64) ([]byte, bool) {
	if off > uint64(len(data)) || n > uint64(len(data))-off {
		return nil, false
	}
	return data[off : off+n], true
}
