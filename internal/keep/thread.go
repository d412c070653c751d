//go:build linux

package keep

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"

	"github.com/tinyrange/sevkeep/internal/hv"
	"github.com/tinyrange/sevkeep/internal/sallyport"
)

// Command tells the caller of Thread.Enter what to do next.
type Command struct {
	exited bool
	code   int
}

// Continue asks the caller to enter the guest again.
var Continue = Command{}

// Exit reports that the guest called exit or exit_group with code.
func Exit(code int) Command { return Command{exited: true, code: code} }

// Exited reports whether the guest asked to terminate and with what code.
func (c Command) Exited() (int, bool) { return c.code, c.exited }

func (c Command) String() string {
	if c.exited {
		return fmt.Sprintf("Exit(%d)", c.code)
	}
	return "Continue"
}

// UnimplementedExitError is returned for exits the keep cannot service.
// Registers is populated when diagnostics are enabled.
type UnimplementedExitError struct {
	VCPU      int
	Exit      hv.Exit
	Registers map[hv.Register]uint64
}

func (e *UnimplementedExitError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "keep: vCPU %d: unimplemented exit %s", e.VCPU, e.Exit)

	for _, reg := range hv.DiagnosticRegisters {
		if v, ok := e.Registers[reg]; ok {
			fmt.Fprintf(&b, " %s=%#x", reg, v)
		}
	}
	return b.String()
}

// Thread owns one vCPU of a keep for as long as it is open.
type Thread struct {
	keep  *Keep
	vcpu  hv.VirtualCPU
	debug DebugSession

	closeOnce sync.Once
}

func (t *Thread) VCPU() hv.VirtualCPU { return t.vcpu }

// Close returns the vCPU to the keep's pool and ends any debug session.
func (t *Thread) Close() error {
	var err error
	t.closeOnce.Do(func() {
		runtime.SetFinalizer(t, nil)

		if t.debug.Conn != nil {
			err = t.debug.Conn.Close()
			t.debug.Conn = nil
		}

		vcpu := t.vcpu
		t.vcpu = nil
		t.keep.checkin(vcpu)
	})
	return err
}

// Enter runs the vCPU until its next exit and services it. Any returned
// error is fatal to the keep.
func (t *Thread) Enter() (Command, error) {
	if t.vcpu == nil {
		return Command{}, fmt.Errorf("keep: enter closed thread")
	}

	exit, err := t.vcpu.Run()
	if err != nil {
		return Command{}, fmt.Errorf("keep: enter guest: %w", err)
	}

	switch e := exit.(type) {
	case hv.ExitIOOut:
		if e.Port == sallyport.TriggerPort && len(e.Data) == 2 {
			return t.proxy(int(binary.LittleEndian.Uint16(e.Data)))
		}
	case hv.ExitVMGExit:
		if err := t.keep.handleVMGExit(e.GHCBMsr, e.Error); err != nil {
			return Command{}, fmt.Errorf("keep: vCPU %d: %w", t.vcpu.ID(), err)
		}
		return Continue, nil
	}

	return Command{}, t.unimplemented(exit)
}

func (t *Thread) unimplemented(exit hv.Exit) error {
	ret := &UnimplementedExitError{VCPU: t.vcpu.ID(), Exit: exit}

	if t.keep.cfg.Diagnostics {
		regs := make(map[hv.Register]uint64, len(hv.DiagnosticRegisters))
		for _, reg := range hv.DiagnosticRegisters {
			regs[reg] = 0
		}
		if err := t.vcpu.GetRegisters(regs); err != nil {
			slog.Error("keep: capture registers", "vcpu", t.vcpu.ID(), "error", err)
		} else {
			ret.Registers = regs
		}
	}

	return ret
}
