package sallyport

import (
	"errors"
	"unsafe"
)

var ErrBlockFull = errors.New("sallyport: no room left in block")

// Writer appends items to a block in the layout Items decodes.
type Writer struct {
	block Block
	off   int
}

func NewWriter(block Block) *Writer {
	return &Writer{block: block}
}

// Syscall appends a system call item with room for dataLen bytes of data
// and returns views of its payload and data.
func (w *Writer) Syscall(num uint64, argv [6]uint64, dataLen int) (*Syscall, []byte, error) {
	ptr, data, err := w.append(KindSyscall, syscallSize, dataLen)
	if err != nil {
		return nil, nil, err
	}

	call := (*Syscall)(ptr)
	*call = Syscall{Num: num, Argv: argv}
	return call, data, nil
}

// Enarxcall appends a host call item.
func (w *Writer) Enarxcall(num EnarxcallNumber, argv [4]uint64, dataLen int) (*Enarxcall, []byte, error) {
	ptr, data, err := w.append(KindEnarxcall, enarxcallSize, dataLen)
	if err != nil {
		return nil, nil, err
	}

	call := (*Enarxcall)(ptr)
	*call = Enarxcall{Num: num, Argv: argv}
	return call, data, nil
}

// Gdbcall appends a debug call item.
func (w *Writer) Gdbcall(num GdbcallNumber, argv [4]uint64, dataLen int) (*Gdbcall, []byte, error) {
	ptr, data, err := w.append(KindGdbcall, gdbcallSize, dataLen)
	if err != nil {
		return nil, nil, err
	}

	call := (*Gdbcall)(ptr)
	*call = Gdbcall{Num: num, Argv: argv}
	return call, data, nil
}

// End terminates the block if there is room for an end header.
func (w *Writer) End() {
	if w.off+headerWords <= len(w.block) {
		*(*Header)(unsafe.Pointer(&w.block[w.off])) = Header{Kind: KindEnd}
	}
}

func (w *Writer) append(kind Kind, payload uint64, dataLen int) (unsafe.Pointer, []byte, error) {
	if dataLen < 0 {
		return nil, nil, ErrBlockFull
	}

	dataWords := (dataLen + WordSize - 1) / WordSize
	words := int(payload/WordSize) + dataWords
	if w.off+headerWords+words > len(w.block) {
		return nil, nil, ErrBlockFull
	}

	hdr := (*Header)(unsafe.Pointer(&w.block[w.off]))
	*hdr = Header{Size: uint64(words) * WordSize, Kind: kind}

	body := w.block[w.off+headerWords : w.off+headerWords+words]
	clear(body)

	ptr := unsafe.Pointer(&body[0])
	data := unsafe.Slice((*byte)(ptr), len(body)*WordSize)[payload:]

	w.off += headerWords + words
	return ptr, data[:dataLen], nil
}
