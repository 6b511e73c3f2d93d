package validate

import (
	"fmt"

	"github.com/tetratelabs/wasmxc/internal/leb128"
)

// reader is a minimal cursor over a function body, mirroring the subset of
// codegen.funcCompiler's own readByte/readVarU32/readVarI32/readVarI64/
// memarg methods that validate needs to walk the same opcode stream without
// importing the codegen package (validate must run before codegen, so the
// dependency would be circular).
type reader struct {
	buf []byte
	pos int
}

func (r *reader) readByte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("unexpected end of function body")
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) skip(n int) error {
	if r.pos+n > len(r.buf) {
		return fmt.Errorf("unexpected end of function body")
	}
	r.pos += n
	return nil
}

func (r *reader) readVarU32() (uint32, error) {
	v, n, err := leb128.LoadUint32(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) readVarI32() (int32, error) {
	v, n, err := leb128.LoadInt32(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += int(n)
	return v, nil
}

func (r *reader) readVarI64() (int64, error) {
	v, n, err := leb128.LoadInt64(r.buf[r.pos:])
	if err != nil {
		return 0, err
	}
	r.pos += int(n)
	return v, nil
}

// memarg reads a memarg's (align, offset) pair, returning both though only
// offset matters to type-checking. align is not range-checked here, and
// codegen's own memarg decodes it without checking it either.
func (r *reader) memarg() (align uint32, offset uint32, err error) {
	align, err = r.readVarU32()
	if err != nil {
		return 0, 0, err
	}
	offset, err = r.readVarU32()
	if err != nil {
		return 0, 0, err
	}
	return align, offset, nil
}
