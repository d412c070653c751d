//go:build linux

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/sevkeep/internal/hv/kvm"
	"github.com/tinyrange/sevkeep/internal/keep"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// mailboxAllocSize is the size of the host allocation backing every
// mailbox. Memory slots are page granular, so it is rounded up to a page.
func mailboxAllocSize(cfg keep.Config) (int, error) {
	size, ok := hostarch.Addr(cfg.MailboxCount * cfg.MailboxSize).RoundUp()
	if !ok {
		return 0, fmt.Errorf("mailboxes of %d x %d bytes overflow", cfg.MailboxCount, cfg.MailboxSize)
	}
	return int(size), nil
}

func run() error {
	configPath := flag.String("config", "", "keep config file (YAML)")
	writeConfig := flag.String("write-config", "", "write the effective config to this path and exit")
	cpus := flag.Int("cpus", 1, "number of vCPUs")
	snp := flag.Bool("snp", false, "create an SEV-SNP VM instead of a plain KVM VM")
	mailboxBase := flag.Uint64("mailbox-base", 0x1000_0000, "guest physical address of the sallyport mailboxes")
	verbose := flag.Bool("v", false, "enable debug logging")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `sevkeep - check that this host can run a keep

USAGE:
  sevkeep [flags]

Creates a VM with the requested vCPUs, installs the sallyport mailboxes and
reports the resources left for the guest. No guest code is run.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	cfg := keep.DefaultConfig()
	if *configPath != "" {
		var err error
		cfg, err = keep.LoadConfig(*configPath)
		if err != nil {
			return err
		}
	}

	if *writeConfig != "" {
		return keep.WriteConfig(*writeConfig, cfg)
	}

	h, err := kvm.Open()
	if err != nil {
		return err
	}
	defer h.Close()

	vmType := uint64(kvm.VMTypeDefault)
	if *snp {
		vmType = kvm.VMTypeSevSnp
	}

	vm, err := h.NewVirtualMachine(kvm.Config{VMType: vmType, NumCPUs: *cpus})
	if err != nil {
		return err
	}
	defer vm.Close()

	size, err := mailboxAllocSize(cfg)
	if err != nil {
		return err
	}
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return fmt.Errorf("allocate mailboxes: %w", err)
	}
	defer unix.Munmap(mem)

	mailboxes := make([][]byte, cfg.MailboxCount)
	for i := range mailboxes {
		mailboxes[i] = mem[i*cfg.MailboxSize : (i+1)*cfg.MailboxSize]
	}

	k, err := keep.New(cfg, vm, vm.VirtualCPUs(), mailboxes, nil)
	if err != nil {
		return err
	}

	// Mailboxes are shared with the host, so they are never private.
	region, err := k.MapRegion(mem, *mailboxBase, false)
	if err != nil {
		return err
	}

	free, err := k.FreeMemorySlots()
	if err != nil {
		return err
	}

	fmt.Printf("vCPUs:        %d\n", k.IdleVCPUs())
	fmt.Printf("mailboxes:    %d x %d bytes at %#x (slot %d)\n", cfg.MailboxCount, cfg.MailboxSize, region.GuestAddr, region.Slot)
	fmt.Printf("memory slots: %d free\n", free)

	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sevkeep: %v\n", err)
		os.Exit(1)
	}
}
