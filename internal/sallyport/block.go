package sallyport

import (
	"errors"
	"fmt"
	"iter"
	"unsafe"
)

var (
	ErrBlockAlignment = errors.New("sallyport: block is not word aligned")
	ErrItemOverflow   = errors.New("sallyport: item overflows block")
	ErrItemTruncated  = errors.New("sallyport: item smaller than its payload")
)

const headerWords = int(unsafe.Sizeof(Header{}) / WordSize)

var (
	syscallSize   = uint64(unsafe.Sizeof(Syscall{}))
	enarxcallSize = uint64(unsafe.Sizeof(Enarxcall{}))
	gdbcallSize   = uint64(unsafe.Sizeof(Gdbcall{}))
)

// Block is a mailbox viewed as words. It aliases the mailbox memory.
type Block []uint64

// NewBlock reinterprets mem in place. mem must be 8-byte aligned and its
// length a multiple of WordSize; trailing bytes are never read.
func NewBlock(mem []byte) (Block, error) {
	if len(mem) == 0 {
		return Block{}, nil
	}
	if uintptr(unsafe.Pointer(&mem[0]))%WordSize != 0 {
		return nil, ErrBlockAlignment
	}

	// SAFETY: the pointer is word aligned and the length is rounded down so
	// the slice never extends past mem. Every bit pattern is a valid uint64.
	return unsafe.Slice((*uint64)(unsafe.Pointer(&mem[0])), len(mem)/WordSize), nil
}

// Items yields the items of the block in the order they are stored. The
// sequence stops at the first end header, at the end of the block, or at
// the first malformed item, which is yielded as an error.
func (b Block) Items() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		off := 0
		for off+headerWords <= len(b) {
			hdr := (*Header)(unsafe.Pointer(&b[off]))
			size, kind := hdr.Size, hdr.Kind
			if kind == KindEnd {
				return
			}

			if size%WordSize != 0 || size/WordSize > uint64(len(b)-off-headerWords) {
				yield(nil, fmt.Errorf("%w: %s item of %d bytes at word %d", ErrItemOverflow, kind, size, off))
				return
			}

			body := b[off+headerWords : off+headerWords+int(size/WordSize)]
			item, err := decodeItem(kind, body)
			if err != nil {
				yield(nil, fmt.Errorf("%w at word %d", err, off))
				return
			}

			if !yield(item, nil) {
				return
			}

			off += headerWords + len(body)
		}
	}
}

func decodeItem(kind Kind, body []uint64) (Item, error) {
	size := uint64(len(body)) * WordSize

	var payload uint64
	switch kind {
	case KindSyscall:
		payload = syscallSize
	case KindEnarxcall:
		payload = enarxcallSize
	case KindGdbcall:
		payload = gdbcallSize
	default:
		return nil, fmt.Errorf("sallyport: unknown item kind %s", kind)
	}

	if size < payload {
		return nil, fmt.Errorf("%w: %s item of %d bytes", ErrItemTruncated, kind, size)
	}

	// SAFETY: body is a word aligned sub-slice of the block at least payload
	// bytes long, and the payload structs consist of uint64 fields only.
	ptr := unsafe.Pointer(&body[0])
	data := unsafe.Slice((*byte)(ptr), size)[payload:]

	switch kind {
	case KindSyscall:
		return SyscallItem{Call: (*Syscall)(ptr), Data: data}, nil
	case KindEnarxcall:
		return EnarxcallItem{Call: (*Enarxcall)(ptr), Data: data}, nil
	default:
		return GdbcallItem{Call: (*Gdbcall)(ptr), Data: data}, nil
	}
}
