// Package vm implements the alkvm register-based bytecode interpreter:
// the tagged value and heap-object model, the mark-and-sweep heap, the
// call-frame memory, the bytecode decoder, the field-slot registry, the
// dispatch loop, and the tracing JIT.
package vm

import "unsafe"

// Kind tags the five Value variants.
type Kind uint8

const (
	KindNil Kind = iota
	KindInt
	KindFloat
	KindBool
	KindObj
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "Nil"
	case KindInt:
		return "Int"
	case KindFloat:
		return "Float"
	case KindBool:
		return "Bool"
	case KindObj:
		return "Obj"
	default:
		return "Unknown"
	}
}

// Value is a tagged union of Nil, Int (32-bit two's-complement), Float
// (IEEE-754 single precision), Bool, or Obj (a possibly-null heap
// reference). It is a small value type, copied by
// value wherever it is stored — in registers, constant pools, and array
// elements.
type Value struct {
	kind Kind
	i    int32
	f    float32
	b    bool
	obj  *Object
}

// valueSize is the in-register footprint of a Value, used by the heap's
// byte accounting for arrays and instance field slots.
var valueSize = int(unsafe.Sizeof(Value{}))

// Nil is the canonical nil value.
var Nil = Value{kind: KindNil}

// IntValue builds a Value holding a 32-bit signed integer.
func IntValue(i int32) Value { return Value{kind: KindInt, i: i} }

// FloatValue builds a Value holding an IEEE-754 single-precision float.
func FloatValue(f float32) Value { return Value{kind: KindFloat, f: f} }

// BoolValue builds a Value holding a boolean.
func BoolValue(b bool) Value { return Value{kind: KindBool, b: b} }

// ObjValue builds a Value referencing a heap object. A nil *Object is
// legal (it traces as nothing and is Nil-like for GC, but remains
// distinct from the Nil tag).
func ObjValue(o *Object) Value { return Value{kind: KindObj, obj: o} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNil() bool  { return v.kind == KindNil }
func (v Value) IsInt() bool  { return v.kind == KindInt }
func (v Value) IsFloat() bool { return v.kind == KindFloat }
func (v Value) IsBool() bool { return v.kind == KindBool }
func (v Value) IsObj() bool  { return v.kind == KindObj }

// Int returns the payload of an Int value. Panics otherwise — callers in
// the interpreter must check IsInt (or let it raise TypeError) first.
func (v Value) Int() int32 {
	if v.kind != KindInt {
		panic("vm: Value.Int called on non-Int value")
	}
	return v.i
}

// Float returns the payload of a Float value.
func (v Value) Float() float32 {
	if v.kind != KindFloat {
		panic("vm: Value.Float called on non-Float value")
	}
	return v.f
}

// Bool returns the payload of a Bool value.
func (v Value) Bool() bool {
	if v.kind != KindBool {
		panic("vm: Value.Bool called on non-Bool value")
	}
	return v.b
}

// Obj returns the heap reference of an Obj value (may be nil).
func (v Value) Obj() *Object {
	if v.kind != KindObj {
		panic("vm: Value.Obj called on non-Obj value")
	}
	return v.obj
}

// Equals compares two values: different tags are never equal; Nil
// equals Nil; numeric and boolean compare structurally; Obj compares by
// reference identity, except that two String objects compare by byte
// content.
func (v Value) Equals(other Value) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNil:
		return true
	case KindInt:
		return v.i == other.i
	case KindFloat:
		return v.f == other.f
	case KindBool:
		return v.b == other.b
	case KindObj:
		if v.obj == other.obj {
			return true
		}
		if v.obj == nil || other.obj == nil {
			return false
		}
		if v.obj.Kind != ObjString || other.obj.Kind != ObjString {
			return false
		}
		return string(v.obj.bytes) == string(other.obj.bytes)
	default:
		return false
	}
}

// TypeName returns a short name used in TypeError messages.
func (v Value) TypeName() string { return v.kind.String() }
