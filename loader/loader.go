// Package loader decodes the binary .alkb module format into loaded
// vm.Functions with resolved constant pools. It allocates String and
// reference objects directly into the heap supplied by the caller as
// it parses constants; they become GC roots only once their owning
// function enters a frame.
package loader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/alkvm-lang/alkvm/vm"
)

const (
	magic = "ALKB"

	tagFN = "FN"
	tagCD = "CD"
	tagFH = "FH"
	tagCP = "CP"

	constInt      = 0
	constFloat    = 1
	constBool     = 2
	constString   = 3
	constFuncRef  = 4
	constClassRef = 5
	constFieldRef = 6
	constMethodRef = 7
)

// Module is the result of a successful load: every function in
// declaration order, for deterministic iteration (e.g. by a
// disassemble-all command). Binding by name is left to the caller.
type Module struct {
	Functions []*vm.Function
}

// reader wraps a byte slice with a cursor and big-endian primitive
// readers that report short reads as io.ErrUnexpectedEOF (callers wrap
// that in a vm.LoadError): cursor-based, big-endian throughout.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int { return len(r.data) - r.pos }

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) tag(n int) (string, error) {
	b, err := r.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Load decodes data as an .alkb module, allocating heap objects for
// String/FuncRef/ClassRef/FieldRef constants into heap as it goes.
func Load(data []byte, heap *vm.Heap) (*Module, error) {
	r := &reader{data: data}

	got, err := r.tag(4)
	if err != nil {
		return nil, vm.NewLoadError("reading magic", err)
	}
	if got != magic {
		return nil, vm.NewLoadError(fmt.Sprintf("bad magic %q, want %q", got, magic), nil)
	}

	version, err := r.u16()
	if err != nil {
		return nil, vm.NewLoadError("reading version", err)
	}
	if version != 1 && version != 2 {
		return nil, vm.NewLoadError(fmt.Sprintf("unsupported version %d", version), nil)
	}

	section, err := r.tag(2)
	if err != nil {
		return nil, vm.NewLoadError("reading section tag", err)
	}

	switch section {
	case tagCD:
		fn, err := loadLegacyCD(r)
		if err != nil {
			return nil, err
		}
		return &Module{Functions: []*vm.Function{fn}}, nil
	case tagFN:
		fns, err := loadModuleBody(r, heap, version)
		if err != nil {
			return nil, err
		}
		return &Module{Functions: fns}, nil
	default:
		return nil, vm.NewLoadError(fmt.Sprintf("unknown section tag %q", section), nil)
	}
}

// loadLegacyCD decodes the whole-file single-function format: the rest
// of the file, with no further length prefix, is the code of an
// anonymous "main" function with zero parameters and a register count
// inferred by scanning every instruction's operand bytes.
func loadLegacyCD(r *reader) (*vm.Function, error) {
	rest, err := r.bytes(r.remaining())
	if err != nil {
		return nil, vm.NewLoadError("reading legacy code section", err)
	}
	if len(rest)%4 != 0 {
		return nil, vm.NewLoadError(fmt.Sprintf("legacy code size %d not a multiple of 4", len(rest)), nil)
	}
	code := make([]uint32, len(rest)/4)
	for i := range code {
		code[i] = binary.BigEndian.Uint32(rest[i*4 : i*4+4])
	}
	return &vm.Function{
		Name:           "main",
		ParameterCount: 0,
		RegisterCount:  inferRegisterCount(code),
		Constants:      nil,
		Code:           code,
	}, nil
}

// inferRegisterCount scans every decoded instruction's operand bytes
// for the highest register index referenced (ignoring the 255 RET/"no
// destination" sentinel), since the legacy CD-only format carries no
// explicit register count.
func inferRegisterCount(code []uint32) int {
	max := -1
	consider := func(b byte) {
		if b == vm.RetSentinel {
			return
		}
		if int(b) > max {
			max = int(b)
		}
	}
	for _, word := range code {
		inst := vm.DecodeInstruction(word)
		switch inst.Op.Layout() {
		case vm.LayoutABC:
			consider(inst.A)
			consider(inst.B)
			consider(inst.C)
		case vm.LayoutABx, vm.LayoutAsBx:
			consider(inst.A)
		}
	}
	return max + 1
}

// loadModuleBody decodes the "FN" module format: a function count
// followed by that many function records.
func loadModuleBody(r *reader, heap *vm.Heap, version uint16) ([]*vm.Function, error) {
	count, err := r.u32()
	if err != nil {
		return nil, vm.NewLoadError("reading function count", err)
	}
	fns := make([]*vm.Function, 0, count)
	for i := uint32(0); i < count; i++ {
		fn, err := loadFunctionRecord(r, heap, version)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

func loadFunctionRecord(r *reader, heap *vm.Heap, version uint16) (*vm.Function, error) {
	name, paramCount, regCount, err := loadFH(r)
	if err != nil {
		return nil, err
	}
	constants, err := loadCP(r, heap, version)
	if err != nil {
		return nil, err
	}
	code, err := loadCD(r)
	if err != nil {
		return nil, err
	}
	return &vm.Function{
		Name:           name,
		ParameterCount: paramCount,
		RegisterCount:  regCount,
		Constants:      constants,
		Code:           code,
	}, nil
}

func loadFH(r *reader) (name string, paramCount, regCount int, err error) {
	tag, err := r.tag(2)
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH tag", err)
	}
	if tag != tagFH {
		return "", 0, 0, vm.NewLoadError(fmt.Sprintf("expected FH tag, got %q", tag), nil)
	}
	size, err := r.u32()
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH size", err)
	}
	start := r.pos

	nameLen, err := r.u16()
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH name length", err)
	}
	nameBytes, err := r.bytes(int(nameLen))
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH name", err)
	}
	paramCount32, err := r.u32()
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH parameter count", err)
	}
	regCount32, err := r.u32()
	if err != nil {
		return "", 0, 0, vm.NewLoadError("reading FH register count", err)
	}

	consumed := r.pos - start
	expected := 2 + int(nameLen) + 4 + 4
	if consumed != expected || int(size) != expected {
		return "", 0, 0, vm.NewLoadError(fmt.Sprintf("FH size %d does not match computed size %d", size, expected), nil)
	}

	return string(nameBytes), int(paramCount32), int(regCount32), nil
}

func loadCP(r *reader, heap *vm.Heap, version uint16) ([]vm.Value, error) {
	tag, err := r.tag(2)
	if err != nil {
		return nil, vm.NewLoadError("reading CP tag", err)
	}
	if tag != tagCP {
		return nil, vm.NewLoadError(fmt.Sprintf("expected CP tag, got %q", tag), nil)
	}
	size, err := r.u32()
	if err != nil {
		return nil, vm.NewLoadError("reading CP size", err)
	}
	start := r.pos

	entryCount, err := r.u32()
	if err != nil {
		return nil, vm.NewLoadError("reading CP entry count", err)
	}
	values := make([]vm.Value, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		v, err := loadConstant(r, heap, version)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	consumed := r.pos - start
	if consumed != int(size) {
		return nil, vm.NewLoadError(fmt.Sprintf("CP size %d does not match %d bytes read", size, consumed), nil)
	}
	return values, nil
}

func loadLengthPrefixedString(r *reader, version uint16) ([]byte, error) {
	var n int
	if version == 1 {
		v, err := r.u16()
		if err != nil {
			return nil, err
		}
		n = int(v)
	} else {
		v, err := r.u32()
		if err != nil {
			return nil, err
		}
		n = int(v)
	}
	return r.bytes(n)
}

func loadConstant(r *reader, heap *vm.Heap, version uint16) (vm.Value, error) {
	typ, err := r.u8()
	if err != nil {
		return vm.Nil, vm.NewLoadError("reading constant type tag", err)
	}
	switch typ {
	case constInt:
		raw, err := r.u32()
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading Int constant", err)
		}
		return vm.IntValue(int32(raw)), nil

	case constFloat:
		raw, err := r.u32()
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading Float constant", err)
		}
		return vm.FloatValue(decodeFloat32(raw)), nil

	case constBool:
		b, err := r.u8()
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading Bool constant", err)
		}
		return vm.BoolValue(b != 0), nil

	case constString:
		b, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading String constant", err)
		}
		return vm.ObjValue(heap.AllocString(b)), nil

	case constFuncRef:
		name, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading FuncRef name", err)
		}
		arity, err := r.u32()
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading FuncRef arity", err)
		}
		nameObj := heap.AllocString(name)
		return vm.ObjValue(heap.AllocFuncRef(nameObj, int(arity))), nil

	case constClassRef:
		name, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading ClassRef name", err)
		}
		nameObj := heap.AllocString(name)
		return vm.ObjValue(heap.AllocClassRef(nameObj)), nil

	case constFieldRef:
		className, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading FieldRef class name", err)
		}
		fieldName, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading FieldRef field name", err)
		}
		classObj := heap.AllocString(className)
		fieldObj := heap.AllocString(fieldName)
		return vm.ObjValue(heap.AllocFieldRef(classObj, fieldObj)), nil

	case constMethodRef:
		className, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading MethodRef class name", err)
		}
		methodName, err := loadLengthPrefixedString(r, version)
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading MethodRef method name", err)
		}
		arity, err := r.u32()
		if err != nil {
			return vm.Nil, vm.NewLoadError("reading MethodRef arity", err)
		}
		mangled := bytes.Join([][]byte{className, methodName}, []byte("."))
		nameObj := heap.AllocString(mangled)
		return vm.ObjValue(heap.AllocFuncRef(nameObj, int(arity))), nil

	default:
		return vm.Nil, vm.NewLoadError(fmt.Sprintf("unknown constant type tag %d", typ), nil)
	}
}

func loadCD(r *reader) ([]uint32, error) {
	tag, err := r.tag(2)
	if err != nil {
		return nil, vm.NewLoadError("reading CD tag", err)
	}
	if tag != tagCD {
		return nil, vm.NewLoadError(fmt.Sprintf("expected CD tag, got %q", tag), nil)
	}
	size, err := r.u32()
	if err != nil {
		return nil, vm.NewLoadError("reading CD size", err)
	}
	if size%4 != 0 {
		return nil, vm.NewLoadError(fmt.Sprintf("CD size %d not a multiple of 4", size), nil)
	}
	raw, err := r.bytes(int(size))
	if err != nil {
		return nil, vm.NewLoadError("reading CD instruction words", err)
	}
	code := make([]uint32, len(raw)/4)
	for i := range code {
		code[i] = binary.BigEndian.Uint32(raw[i*4 : i*4+4])
	}
	return code, nil
}

// decodeFloat32 reinterprets a big-endian 32-bit word as an IEEE-754
// single-precision float: the bit pattern is stored as it would appear
// in memory on a big-endian host.
func decodeFloat32(bits uint32) float32 {
	return math.Float32frombits(bits)
}
