//go:build linux

// Package keep runs the vCPUs of an SEV-SNP keep. It owns the pool of idle
// vCPUs, the guest memory regions and the sallyport mailboxes, and services
// the exits each vCPU takes: proxied syscalls and GHCB page state changes.
package keep

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/tinyrange/sevkeep/internal/hv"
	"github.com/tinyrange/sevkeep/internal/sallyport"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

var (
	ErrMailboxIndex   = errors.New("keep: mailbox index out of range")
	ErrMailboxInUse   = errors.New("keep: mailbox already in use")
	ErrRegionNotFound = errors.New("keep: guest referenced an unmapped physical address")
)

// Personality handles the enarxcalls the keep does not implement itself.
// The returned items are executed on the host before the call completes.
// Enarxcall runs with the keep locked and must not call back into it.
type Personality interface {
	Enarxcall(call *sallyport.Enarxcall, data []byte) ([]sallyport.Item, error)
}

// DebugSession is the per-thread state of a debug bridge.
type DebugSession struct {
	Conn net.Conn
}

// DebugBridge services gdbcalls. listen is the configured debug listen
// address, used when the bridge has to accept a new session.
type DebugBridge interface {
	Gdbcall(call *sallyport.Gdbcall, data []byte, session *DebugSession, listen string) error
}

// Region is guest memory installed in one memory slot.
type Region struct {
	Slot      uint32
	GuestAddr uint64
	Mem       []byte
	Private   bool
}

func (r Region) Size() uint64 { return uint64(len(r.Mem)) }

// Contains reports whether gpa lies in [GuestAddr, GuestAddr+Size).
func (r Region) Contains(gpa uint64) bool {
	return gpa >= r.GuestAddr && gpa-r.GuestAddr < r.Size()
}

// Slice returns the host view of n bytes of guest memory at gpa, or false
// when the range does not fit inside the region.
func (r Region) Slice(gpa, n uint64) ([]byte, bool) {
	if !r.Contains(gpa) {
		return nil, false
	}
	off := gpa - r.GuestAddr
	if n > r.Size()-off {
		return nil, false
	}
	return r.Mem[off : off+n], true
}

func (r Region) overlaps(guestAddr, size uint64) bool {
	return guestAddr < r.GuestAddr+r.Size() && r.GuestAddr < guestAddr+size
}

type Option func(*Keep)

// WithExecutor replaces the host syscall executor.
func WithExecutor(exec sallyport.Executor) Option {
	return func(k *Keep) { k.executor = exec }
}

// WithDebugBridge enables gdbcall handling.
func WithDebugBridge(bridge DebugBridge) Option {
	return func(k *Keep) { k.debug = bridge }
}

// Keep is the state shared by every thread of a keep.
type Keep struct {
	cfg      Config
	executor sallyport.Executor
	debug    DebugBridge

	mu          sync.RWMutex
	device      hv.MemoryDevice
	personality Personality
	vcpus       []hv.VirtualCPU
	regions     []Region
	// mailboxes[i] is nil while a thread is processing block i.
	mailboxes   []sallyport.Block
}

// New creates a keep around an already created VM. mailboxes are the host
// views of the sallyport blocks the guest was loaded with; there must be
// cfg.MailboxCount of them, each at least cfg.MailboxSize bytes.
func New(cfg Config, device hv.MemoryDevice, vcpus []hv.VirtualCPU, mailboxes [][]byte, personality Personality, opts ...Option) (*Keep, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if device == nil {
		return nil, fmt.Errorf("keep: memory device required")
	}
	if len(mailboxes) != cfg.MailboxCount {
		return nil, fmt.Errorf("keep: got %d mailboxes, config wants %d", len(mailboxes), cfg.MailboxCount)
	}

	k := &Keep{
		cfg:         cfg,
		executor:    sallyport.HostExecutor{},
		device:      device,
		personality: personality,
		vcpus:       append([]hv.VirtualCPU(nil), vcpus...),
		mailboxes:   make([]sallyport.Block, len(mailboxes)),
	}

	for i, mem := range mailboxes {
		if len(mem) < cfg.MailboxSize {
			return nil, fmt.Errorf("keep: mailbox %d is %d bytes, want %d", i, len(mem), cfg.MailboxSize)
		}

		block, err := sallyport.NewBlock(mem[:cfg.MailboxSize])
		if err != nil {
			return nil, fmt.Errorf("keep: mailbox %d: %w", i, err)
		}
		k.mailboxes[i] = block
	}

	for _, opt := range opts {
		opt(k)
	}

	return k, nil
}

func (k *Keep) Config() Config { return k.cfg }

// Spawn checks out an idle vCPU and wraps it in a Thread. It returns nil
// and no error once every vCPU is in use.
func (k *Keep) Spawn() (*Thread, error) {
	k.mu.Lock()
	if len(k.vcpus) == 0 {
		k.mu.Unlock()
		return nil, nil
	}
	vcpu := k.vcpus[len(k.vcpus)-1]
	k.vcpus = k.vcpus[:len(k.vcpus)-1]
	k.mu.Unlock()

	t := &Thread{keep: k, vcpu: vcpu}

	// Catch threads that are dropped without Close so their vCPU is not
	// lost to the pool.
	runtime.SetFinalizer(t, func(t *Thread) {
		if t.vcpu != nil {
			slog.Debug("keep: thread was not closed before garbage collection, returning vCPU", "vcpu", t.vcpu.ID())
			t.Close()
		}
	})

	return t, nil
}

func (k *Keep) checkin(vcpu hv.VirtualCPU) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.vcpus = append(k.vcpus, vcpu)
}

// IdleVCPUs returns the number of vCPUs available to Spawn.
func (k *Keep) IdleVCPUs() int {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return len(k.vcpus)
}

// MapRegion installs mem at guestAddr in the next free memory slot. Regions
// are never removed. Errors from the device are returned wrapped, so the
// errno they carry stays reachable with errors.As.
func (k *Keep) MapRegion(mem []byte, guestAddr uint64, private bool) (Region, error) {
	if len(mem) == 0 {
		return Region{}, fmt.Errorf("keep: map empty region at %#x: %w", guestAddr, unix.EINVAL)
	}
	size := uint64(len(mem))
	if !hostarch.Addr(guestAddr).IsPageAligned() || !hostarch.Addr(size).IsPageAligned() {
		return Region{}, fmt.Errorf("keep: region %#x+%#x is not page aligned: %w", guestAddr, size, unix.EINVAL)
	}
	if guestAddr+size < guestAddr {
		return Region{}, fmt.Errorf("keep: region %#x+%#x wraps: %w", guestAddr, size, unix.EINVAL)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	for _, r := range k.regions {
		if r.overlaps(guestAddr, size) {
			return Region{}, fmt.Errorf("keep: region %#x+%#x overlaps slot %d: %w", guestAddr, size, r.Slot, unix.EEXIST)
		}
	}

	region := Region{
		Slot:      uint32(len(k.regions)),
		GuestAddr: guestAddr,
		Mem:       mem,
		Private:   private,
	}

	if err := k.device.SetMemoryRegion(region.Slot, guestAddr, mem, private); err != nil {
		return Region{}, fmt.Errorf("keep: set memory region %d at %#x: %w", region.Slot, guestAddr, err)
	}

	k.regions = append(k.regions, region)

	slog.Debug("keep: mapped region",
		"slot", region.Slot,
		"guestAddr", fmt.Sprintf("%#x", guestAddr),
		"size", size,
		"private", private,
	)

	return region, nil
}

// FreeMemorySlots returns how many more regions the device accepts.
func (k *Keep) FreeMemorySlots() (int, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	slots, err := k.device.MaxMemorySlots()
	if err != nil {
		return 0, fmt.Errorf("keep: query memory slots: %w", err)
	}

	return slots - len(k.regions), nil
}

// Regions returns a snapshot of the region table.
func (k *Keep) Regions() []Region {
	k.mu.RLock()
	defer k.mu.RUnlock()

	return append([]Region(nil), k.regions...)
}

// findRegion must be called with k.mu held.
func (k *Keep) findRegion(gpa uint64) (Region, error) {
	for _, r := range k.regions {
		if r.Contains(gpa) {
			return r, nil
		}
	}
	return Region{}, fmt.Errorf("%w: %#x", ErrRegionNotFound, gpa)
}

// takeMailbox removes block idx from the table until restoreMailbox.
func (k *Keep) takeMailbox(idx int) (sallyport.Block, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if idx < 0 || idx >= len(k.mailboxes) {
		return nil, fmt.Errorf("%w: %d of %d", ErrMailboxIndex, idx, len(k.mailboxes))
	}

	block := k.mailboxes[idx]
	if block == nil {
		return nil, fmt.Errorf("%w: %d", ErrMailboxInUse, idx)
	}
	k.mailboxes[idx] = nil

	return block, nil
}

func (k *Keep) restoreMailbox(idx int, block sallyport.Block) {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.mailboxes[idx] = block
}
