//go:build linux

package main

import (
	"testing"

	"github.com/tinyrange/sevkeep/internal/keep"
	"gvisor.dev/gvisor/pkg/hostarch"
)

func TestMailboxAllocSize(t *testing.T) {
	for _, tt := range []struct {
		name  string
		count int
		size  int
		want  int
	}{
		{"sub page", 4, 512, hostarch.PageSize},
		{"exact page", 8, 512, hostarch.PageSize},
		{"partial second page", 3, 2048, 2 * hostarch.PageSize},
		{"defaults", keep.DefaultMailboxCount, keep.DefaultMailboxSize, keep.DefaultMailboxCount * keep.DefaultMailboxSize},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := keep.Config{Version: 1, MailboxCount: tt.count, MailboxSize: tt.size}
			got, err := mailboxAllocSize(cfg)
			if err != nil {
				t.Fatalf("mailboxAllocSize: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected %d bytes, got %d", tt.want, got)
			}
		})
	}
}
