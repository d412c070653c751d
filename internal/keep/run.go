//go:build linux

package keep

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
)

var ErrNoVCPU = errors.New("keep: no idle vCPU")

// RunThread enters t until the guest exits and returns the exit code. The
// calling goroutine is locked to its OS thread while the vCPU runs.
func RunThread(t *Thread) (int, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		cmd, err := t.Enter()
		if err != nil {
			return 0, err
		}

		if code, ok := cmd.Exited(); ok {
			slog.Debug("keep: guest exited", "vcpu", t.vcpu.ID(), "code", code)
			return code, nil
		}
	}
}

// Run spawns the boot thread and runs it to completion. The thread is
// closed afterwards, returning its vCPU to the pool.
func (k *Keep) Run() (int, error) {
	t, err := k.Spawn()
	if err != nil {
		return 0, fmt.Errorf("keep: spawn boot thread: %w", err)
	}
	if t == nil {
		return 0, ErrNoVCPU
	}
	defer t.Close()

	return RunThread(t)
}
