//go:build linux

package keep

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"unsafe"

	"github.com/tinyrange/sevkeep/internal/sallyport"
	"golang.org/x/sys/unix"
)

// proxy services the sallyport block the guest triggered. The block is
// unavailable to other threads until processing ends, and stays unavailable
// if the guest exits from it.
func (t *Thread) proxy(idx int) (Command, error) {
	block, err := t.keep.takeMailbox(idx)
	if err != nil {
		return Command{}, err
	}

	exited := false
	defer func() {
		if !exited {
			t.keep.restoreMailbox(idx, block)
		}
	}()

	for item, err := range block.Items() {
		if err != nil {
			return Command{}, fmt.Errorf("keep: mailbox %d: %w", idx, err)
		}

		switch it := item.(type) {
		case sallyport.GdbcallItem:
			if err := t.gdbcall(it); err != nil {
				return Command{}, err
			}

		case sallyport.EnarxcallItem:
			if err := t.enarxcall(it); err != nil {
				return Command{}, err
			}

		case sallyport.SyscallItem:
			t.traceSyscall(it.Call)

			if it.Call.Num == unix.SYS_EXIT || it.Call.Num == unix.SYS_EXIT_GROUP {
				exited = true
				return Exit(int(int32(it.Call.Argv[0]))), nil
			}

			if err := t.keep.executor.Execute(it); err != nil {
				return Command{}, fmt.Errorf("keep: execute syscall %d: %w", it.Call.Num, err)
			}
		}
	}

	return Continue, nil
}

func (t *Thread) gdbcall(it sallyport.GdbcallItem) error {
	bridge := t.keep.debug
	if bridge == nil {
		it.Call.Ret = sallyport.ErrnoReturn(unix.ENOSYS)
		return nil
	}

	if err := bridge.Gdbcall(it.Call, it.Data, &t.debug, t.keep.cfg.DebugListen); err != nil {
		return fmt.Errorf("keep: execute gdbcall: %w", err)
	}
	return nil
}

func (t *Thread) enarxcall(it sallyport.EnarxcallItem) error {
	call := it.Call

	switch call.Num {
	case sallyport.EnarxcallMemInfo:
		n, err := t.keep.FreeMemorySlots()
		if err != nil {
			call.Ret = sallyport.ErrnoReturn(errnoOf(err))
		} else {
			call.Ret = uint64(n)
		}
		return nil

	case sallyport.EnarxcallBalloonMemory:
		addr, errno := t.balloon(call.Argv[0], call.Argv[1], call.Argv[2], call.Argv[3] != 0)
		if errno != 0 {
			call.Ret = sallyport.ErrnoReturn(errno)
		} else {
			call.Ret = addr
		}
		return nil
	}

	return t.keep.personalityEnarxcall(call, it.Data)
}

// balloon allocates npages of host memory and maps them into the guest at
// addr. It returns the host address of the allocation.
func (t *Thread) balloon(log2, npages, addr uint64, private bool) (uint64, unix.Errno) {
	pageSize := uint64(unix.Getpagesize())

	if log2 >= 64 || 1<<log2 != pageSize || addr%pageSize != 0 {
		return 0, unix.EINVAL
	}
	if npages == 0 || npages > math.MaxInt/pageSize {
		return 0, unix.EINVAL
	}

	mem, err := unix.Mmap(-1, 0, int(npages*pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return 0, errnoOf(err)
	}

	if _, err := t.keep.MapRegion(mem, addr, private); err != nil {
		if uerr := unix.Munmap(mem); uerr != nil {
			slog.Error("keep: release balloon allocation", "error", uerr)
		}
		slog.Debug("keep: balloon", "guestAddr", fmt.Sprintf("%#x", addr), "pages", npages, "error", err)
		return 0, errnoOf(err)
	}

	return uint64(uintptr(unsafe.Pointer(&mem[0]))), 0
}

// personalityEnarxcall hands call to the personality and executes the items
// it produces. The keep stays locked throughout.
func (k *Keep) personalityEnarxcall(call *sallyport.Enarxcall, data []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.personality == nil {
		call.Ret = sallyport.ErrnoReturn(unix.ENOSYS)
		return nil
	}

	items, err := k.personality.Enarxcall(call, data)
	if err != nil {
		return fmt.Errorf("keep: enarxcall %s: %w", call.Num, err)
	}

	for _, item := range items {
		if err := k.executor.Execute(item); err != nil {
			return fmt.Errorf("keep: execute %s item for enarxcall %s: %w", item.Kind(), call.Num, err)
		}
	}
	return nil
}

func (t *Thread) traceSyscall(call *sallyport.Syscall) {
	if !t.keep.cfg.Diagnostics {
		return
	}

	switch call.Num {
	case unix.SYS_READ, unix.SYS_WRITE:
		switch call.Argv[0] {
		case 0, 1, 2:
			return
		}
	}

	slog.Debug("keep: syscall",
		"vcpu", t.vcpu.ID(),
		"num", call.Num,
		"argv", call.Argv,
	)
}

// errnoOf extracts the errno carried by err. Errors without one are
// reported to the guest as ENOTSUP.
func errnoOf(err error) unix.Errno {
	var errno unix.Errno
	if errors.As(err, &errno) && errno != 0 {
		return errno
	}
	return unix.ENOTSUP
}
