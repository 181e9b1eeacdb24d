package vm

import (
	"bufio"
	"fmt"
	"io"
)

// Native ids for the fixed set of calls CALL_NATIVE can invoke.
const (
	NativeOut  = 1
	NativeIn   = 2
	NativeSwap = 3
	NativeMax  = 4
	NativeMin  = 5
)

// NativeSet is the small fixed native-call registry. It is held by the
// VM (not a package global) so embedders can redirect I/O by passing
// explicit readers/writers rather than touching os.Stdin/os.Stdout
// directly.
type NativeSet struct {
	Out    io.Writer
	In     *bufio.Reader
	Heap   *Heap
	allow  map[int]bool // nil means "all allowed"
}

// NewNativeSet creates a native registry bound to the given streams and
// heap (strings returned by In() must be allocated into that heap).
func NewNativeSet(out io.Writer, in io.Reader, heap *Heap) *NativeSet {
	return &NativeSet{Out: out, In: bufio.NewReader(in), Heap: heap}
}

// SetAllowList restricts which native ids may be invoked; nil/empty
// means all are permitted. Backs the [natives] allow config setting.
func (n *NativeSet) SetAllowList(ids []int) {
	if len(ids) == 0 {
		n.allow = nil
		return
	}
	n.allow = make(map[int]bool, len(ids))
	for _, id := range ids {
		n.allow[id] = true
	}
}

func (n *NativeSet) allowed(id int) bool {
	if n.allow == nil {
		return true
	}
	return n.allow[id]
}

// Call dispatches native id with the given arguments.
func (n *NativeSet) Call(id int, args []Value) (Value, error) {
	if !n.allowed(id) {
		return Nil, NewLinkError("native id %d is not permitted", id)
	}
	switch id {
	case NativeOut:
		return n.callOut(args)
	case NativeIn:
		return n.callIn(args)
	case NativeSwap:
		return n.callSwap(args)
	case NativeMax:
		return n.callMinMax(args, true)
	case NativeMin:
		return n.callMinMax(args, false)
	default:
		return Nil, NewLinkError("unknown native id %d", id)
	}
}

func (n *NativeSet) callOut(args []Value) (Value, error) {
	if len(args) != 1 {
		return Nil, NewLinkError("Out expects 1 argument, got %d", len(args))
	}
	fmt.Fprintln(n.Out, formatValue(args[0]))
	return Nil, nil
}

func formatValue(v Value) string {
	switch v.Kind() {
	case KindNil:
		return "nil"
	case KindInt:
		return fmt.Sprintf("%d", v.Int())
	case KindFloat:
		return fmt.Sprintf("%g", v.Float())
	case KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case KindObj:
		o := v.Obj()
		if o == nil {
			return "nil"
		}
		switch o.Kind {
		case ObjString:
			return string(o.Bytes())
		case ObjArray:
			return fmt.Sprintf("<array len=%d>", len(o.Elems()))
		case ObjInstance:
			return fmt.Sprintf("<instance %s>", string(o.ClassName().Bytes()))
		case ObjFuncRef:
			return fmt.Sprintf("<func %s/%d>", string(o.FuncName().Bytes()), o.Arity())
		case ObjClassRef:
			return fmt.Sprintf("<class %s>", string(o.ClassName().Bytes()))
		case ObjFieldRef:
			return fmt.Sprintf("<field %s.%s>", string(o.ClassName().Bytes()), string(o.FieldName().Bytes()))
		default:
			return "<obj>"
		}
	default:
		return "?"
	}
}

func (n *NativeSet) callIn(args []Value) (Value, error) {
	if len(args) != 0 {
		return Nil, NewLinkError("In expects 0 arguments, got %d", len(args))
	}
	line, err := n.In.ReadString('\n')
	if err != nil && err != io.EOF {
		return Nil, err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return ObjValue(n.Heap.AllocString([]byte(line))), nil
}

func (n *NativeSet) callSwap(args []Value) (Value, error) {
	switch len(args) {
	case 3:
		arrV, iV, jV := args[0], args[1], args[2]
		if !arrV.IsObj() || arrV.Obj() == nil || arrV.Obj().Kind != ObjArray {
			return Nil, NewTypeError("Swap: expected array argument")
		}
		if !iV.IsInt() || !jV.IsInt() {
			return Nil, NewTypeError("Swap: expected int indices")
		}
		elems := arrV.Obj().Elems()
		i, j := int(iV.Int()), int(jV.Int())
		if i < 0 || i >= len(elems) || j < 0 || j >= len(elems) {
			return Nil, NewBoundsError("Swap: index out of range")
		}
		elems[i], elems[j] = elems[j], elems[i]
		return Nil, nil
	case 4:
		arr1V, i1V, arr2V, i2V := args[0], args[1], args[2], args[3]
		if !arr1V.IsObj() || arr1V.Obj() == nil || arr1V.Obj().Kind != ObjArray ||
			!arr2V.IsObj() || arr2V.Obj() == nil || arr2V.Obj().Kind != ObjArray {
			return Nil, NewTypeError("Swap: expected array arguments")
		}
		if !i1V.IsInt() || !i2V.IsInt() {
			return Nil, NewTypeError("Swap: expected int indices")
		}
		e1, e2 := arr1V.Obj().Elems(), arr2V.Obj().Elems()
		i1, i2 := int(i1V.Int()), int(i2V.Int())
		if i1 < 0 || i1 >= len(e1) || i2 < 0 || i2 >= len(e2) {
			return Nil, NewBoundsError("Swap: index out of range")
		}
		e1[i1], e2[i2] = e2[i2], e1[i1]
		return Nil, nil
	default:
		return Nil, NewLinkError("Swap expects 3 or 4 arguments, got %d", len(args))
	}
}

func (n *NativeSet) callMinMax(args []Value, max bool) (Value, error) {
	if len(args) != 2 {
		return Nil, NewLinkError("Max/Min expects 2 arguments, got %d", len(args))
	}
	a, b := args[0], args[1]
	if !isNumeric(a) || !isNumeric(b) {
		return Nil, NewTypeError("Max/Min: expected numeric arguments")
	}
	if a.IsFloat() || b.IsFloat() {
		af, bf := toFloat(a), toFloat(b)
		if (max && af >= bf) || (!max && af <= bf) {
			return FloatValue(af), nil
		}
		return FloatValue(bf), nil
	}
	ai, bi := a.Int(), b.Int()
	if (max && ai >= bi) || (!max && ai <= bi) {
		return IntValue(ai), nil
	}
	return IntValue(bi), nil
}

func isNumeric(v Value) bool { return v.IsInt() || v.IsFloat() }

func toFloat(v Value) float32 {
	if v.IsFloat() {
		return v.Float()
	}
	return float32(v.Int())
}
