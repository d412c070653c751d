//go:build linux

package keep

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tinyrange/sevkeep/internal/hv"
	"golang.org/x/sys/unix"
)

func TestUnimplementedExit(t *testing.T) {
	for _, tt := range []struct {
		name string
		exit hv.Exit
	}{
		{"other", hv.ExitOther{Reason: "Hlt"}},
		{"io out on another port", hv.ExitIOOut{Port: 0x3f8, Data: []byte{'a'}}},
		{"short trigger", hv.ExitIOOut{Port: 0xff, Data: []byte{1}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestKeep(t, testConfig(), []hv.VirtualCPU{&fakeVCPU{id: 3, exits: []hv.Exit{tt.exit}}})
			th := spawn(t, tk)

			_, err := th.Enter()

			var uerr *UnimplementedExitError
			if !errors.As(err, &uerr) {
				t.Fatalf("expected *UnimplementedExitError, got %v", err)
			}
			if uerr.VCPU != 3 {
				t.Fatalf("expected vCPU 3, got %d", uerr.VCPU)
			}
			if uerr.Exit.String() != tt.exit.String() {
				t.Fatalf("expected exit %s, got %s", tt.exit, uerr.Exit)
			}
			if uerr.Registers != nil {
				t.Fatalf("expected no registers without diagnostics")
			}
		})
	}
}

func TestUnimplementedExitDiagnostics(t *testing.T) {
	cfg := testConfig()
	cfg.Diagnostics = true

	vcpu := &fakeVCPU{
		exits: []hv.Exit{hv.ExitOther{Reason: "Shutdown"}},
		regs: map[hv.Register]uint64{
			hv.RegisterAMD64Rip: 0xffff_8000_0010_0000,
			hv.RegisterAMD64Cr3: 0x1000,
		},
	}
	tk := newTestKeep(t, cfg, []hv.VirtualCPU{vcpu})
	th := spawn(t, tk)

	_, err := th.Enter()

	var uerr *UnimplementedExitError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected *UnimplementedExitError, got %v", err)
	}
	if len(uerr.Registers) != len(hv.DiagnosticRegisters) {
		t.Fatalf("expected %d registers, got %d", len(hv.DiagnosticRegisters), len(uerr.Registers))
	}
	if uerr.Registers[hv.RegisterAMD64Rip] != 0xffff_8000_0010_0000 {
		t.Fatalf("unexpected rip %#x", uerr.Registers[hv.RegisterAMD64Rip])
	}

	msg := err.Error()
	for _, want := range []string{"Shutdown", "rip=0xffff800000100000", "cr3=0x1000"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in %q", want, msg)
		}
	}
}

func TestEnterRunError(t *testing.T) {
	tk := newTestKeep(t, testConfig(), []hv.VirtualCPU{&fakeVCPU{}})
	th := spawn(t, tk)

	if _, err := th.Enter(); err == nil {
		t.Fatalf("expected the vCPU failure to be returned")
	}
}

func TestCommand(t *testing.T) {
	if _, ok := Continue.Exited(); ok {
		t.Fatalf("expected Continue not to exit")
	}

	code, ok := Exit(-1).Exited()
	if !ok || code != -1 {
		t.Fatalf("expected Exit(-1), got %d, %v", code, ok)
	}

	got := []string{Continue.String(), Exit(7).String()}
	if diff := cmp.Diff([]string{"Continue", "Exit(7)"}, got); diff != "" {
		t.Fatalf("command strings mismatch (-want +got):\n%s", diff)
	}
}

func TestRun(t *testing.T) {
	vcpu := &fakeVCPU{exits: []hv.Exit{
		hv.ExitVMGExit{GHCBMsr: 0x14 | 2<<52 | 0x7000},
		trigger(2),
	}}
	tk := newTestKeep(t, testConfig(), []hv.VirtualCPU{vcpu})

	w := tk.writer(t, 2)
	w.Syscall(unix.SYS_EXIT_GROUP, [6]uint64{3}, 0)
	w.End()

	code, err := tk.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if code != 3 {
		t.Fatalf("expected exit code 3, got %d", code)
	}
	if tk.IdleVCPUs() != 1 {
		t.Fatalf("expected the boot vCPU to return to the pool")
	}
	if len(tk.dev.attrs) != 1 {
		t.Fatalf("expected the page state change before exit, got %v", tk.dev.attrs)
	}
}

func TestRunNoVCPU(t *testing.T) {
	tk := newTestKeep(t, testConfig(), nil)

	if _, err := tk.Run(); !errors.Is(err, ErrNoVCPU) {
		t.Fatalf("expected ErrNoVCPU, got %v", err)
	}
}
