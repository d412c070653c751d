//go:build linux

package keep

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("debugListen: localhost:23456\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	want := Config{
		Version:      1,
		MailboxCount: DefaultMailboxCount,
		MailboxSize:  DefaultMailboxSize,
		DebugListen:  "localhost:23456",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigInvalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		yaml string
	}{
		{"unaligned mailbox size", "mailboxSize: 100\n"},
		{"negative mailbox size", "mailboxSize: -8\n"},
		{"too many mailboxes", "mailboxCount: 65537\n"},
		{"future version", "version: 2\n"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.yaml)); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	if _, err := ParseConfig([]byte("mailboxCount: [")); err == nil || errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected a YAML parse error, got %v", err)
	}
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keep.yaml")

	in := Config{MailboxCount: 8, MailboxSize: 1024, Diagnostics: true}
	if err := WriteConfig(path, in); err != nil {
		t.Fatalf("WriteConfig: %v", err)
	}

	out, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	in.Version = 1
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
