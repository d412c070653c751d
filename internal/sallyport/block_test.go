package sallyport

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"
)

func newTestBlock(t testing.TB, words int) (Block, []byte) {
	t.Helper()

	backing := make([]uint64, words)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), words*WordSize)

	block, err := NewBlock(mem)
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	return block, mem
}

func collect(t testing.TB, block Block) ([]Item, error) {
	t.Helper()

	var items []Item
	for item, err := range block.Items() {
		if err != nil {
			return items, err
		}
		items = append(items, item)
	}
	return items, nil
}

func TestItemsInOrder(t *testing.T) {
	block, _ := newTestBlock(t, 128)
	w := NewWriter(block)

	if _, data, err := w.Syscall(1, [6]uint64{1, 0, 5}, 5); err != nil {
		t.Fatalf("Syscall: %v", err)
	} else {
		copy(data, "hello")
	}
	if _, _, err := w.Enarxcall(EnarxcallMemInfo, [4]uint64{}, 0); err != nil {
		t.Fatalf("Enarxcall: %v", err)
	}
	if _, _, err := w.Gdbcall(GdbcallOnSession, [4]uint64{}, 0); err != nil {
		t.Fatalf("Gdbcall: %v", err)
	}
	w.End()

	items, err := collect(t, block)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	var kinds []Kind
	for _, item := range items {
		kinds = append(kinds, item.Kind())
	}
	if diff := cmp.Diff([]Kind{KindSyscall, KindEnarxcall, KindGdbcall}, kinds); diff != "" {
		t.Fatalf("item kinds mismatch (-want +got):\n%s", diff)
	}

	sys := items[0].(SyscallItem)
	if sys.Call.Num != 1 || sys.Call.Argv[2] != 5 {
		t.Fatalf("unexpected syscall payload %+v", *sys.Call)
	}
	if string(sys.Data[:5]) != "hello" {
		t.Fatalf("unexpected syscall data %q", sys.Data[:5])
	}
	if len(sys.Data) != 8 {
		t.Fatalf("expected data padded to 8 bytes, got %d", len(sys.Data))
	}

	if got := items[1].(EnarxcallItem).Call.Num; got != EnarxcallMemInfo {
		t.Fatalf("expected MemInfo, got %s", got)
	}
}

func TestItemsAlias(t *testing.T) {
	block, _ := newTestBlock(t, 32)
	w := NewWriter(block)

	call, _, err := w.Syscall(39, [6]uint64{}, 0)
	if err != nil {
		t.Fatalf("Syscall: %v", err)
	}
	w.End()

	items, err := collect(t, block)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}

	items[0].(SyscallItem).Call.Ret[0] = 1234
	if call.Ret[0] != 1234 {
		t.Fatalf("expected the decoded item to alias block memory")
	}
}

func TestItemsEmptyBlock(t *testing.T) {
	block, _ := newTestBlock(t, 16)

	items, err := collect(t, block)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items in a zeroed block, got %d", len(items))
	}
}

func TestItemsStopWithoutEndHeader(t *testing.T) {
	// Exactly one syscall item, filling the block.
	block, _ := newTestBlock(t, headerWords+int(syscallSize/WordSize))
	w := NewWriter(block)

	if _, _, err := w.Syscall(60, [6]uint64{7}, 0); err != nil {
		t.Fatalf("Syscall: %v", err)
	}
	w.End()

	items, err := collect(t, block)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
}

func TestItemsMalformed(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header Header
		want   error
	}{
		{"overflow", Header{Size: 1 << 40, Kind: KindSyscall}, ErrItemOverflow},
		{"unaligned size", Header{Size: 12, Kind: KindSyscall}, ErrItemOverflow},
		{"truncated payload", Header{Size: 16, Kind: KindSyscall}, ErrItemTruncated},
		{"size wraps", Header{Size: ^uint64(7), Kind: KindEnarxcall}, ErrItemOverflow},
	} {
		t.Run(tt.name, func(t *testing.T) {
			block, _ := newTestBlock(t, 16)
			block[0] = tt.header.Size
			block[1] = uint64(tt.header.Kind)

			_, err := collect(t, block)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestItemsUnknownKind(t *testing.T) {
	block, _ := newTestBlock(t, 16)
	block[0] = 8
	block[1] = 0x99

	if _, err := collect(t, block); err == nil {
		t.Fatalf("expected an error for an unknown item kind")
	}
}

func TestNewBlockAlignment(t *testing.T) {
	_, mem := newTestBlock(t, 4)

	if _, err := NewBlock(mem[1:]); !errors.Is(err, ErrBlockAlignment) {
		t.Fatalf("expected ErrBlockAlignment, got %v", err)
	}

	block, err := NewBlock(mem[:WordSize*3+5])
	if err != nil {
		t.Fatalf("NewBlock: %v", err)
	}
	if len(block) != 3 {
		t.Fatalf("expected trailing bytes to be dropped, got %d words", len(block))
	}
}

func TestWriterFull(t *testing.T) {
	block, _ := newTestBlock(t, 8)
	w := NewWriter(block)

	if _, _, err := w.Syscall(1, [6]uint64{}, 0); !errors.Is(err, ErrBlockFull) {
		t.Fatalf("expected ErrBlockFull, got %v", err)
	}
}
