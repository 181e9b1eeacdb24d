package vm

import "testing"

func newTestVM() *VM {
	v := NewVM()
	v.Natives = NewNativeSet(discard{}, discard{}, v.Heap)
	return v
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Read(p []byte) (int, error)  { return 0, nil }

func mustRun(t *testing.T, fn *Function, args []Value) Value {
	t.Helper()
	v := newTestVM()
	v.Functions[fn.Name] = fn
	result, err := v.Call(fn, args)
	if err != nil {
		t.Fatalf("Call(%s) error: %v", fn.Name, err)
	}
	return result
}

// Scenario 1: integer sum loop with hot-path detection.
//
//	R0 = 0 (sum); R1 = 1 (i); R2 = 102 (exclusive limit); R4 = 1 (step)
//	  LOADK R0, 0
//	  LOADK R1, 1
//	  LOADK R4, 1
//	  LOADK R2, 102
//	loop:
//	  LT_I   R3, R1, R2
//	  JMP_F  R3, +3      ; exit to RET when i >= limit
//	  ADD_I  R0, R0, R1
//	  ADD_I  R1, R1, R4
//	  JMP    -5          ; back to LT_I
//	  RET    R0
//
// The loop runs 101 times (i=1..101), one more than HOT_THRESHOLD, so
// promotion (which requires the 101st observation) is exercised.
func TestIntegerSumLoop(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 5,
		Constants:     []Value{IntValue(0), IntValue(1), IntValue(102)},
		Code: []uint32{
			EncodeABx(OpLoadK, 0, 0),  // 0: R0 = 0
			EncodeABx(OpLoadK, 1, 1),  // 1: R1 = 1
			EncodeABx(OpLoadK, 4, 1),  // 2: R4 = 1
			EncodeABx(OpLoadK, 2, 2),  // 3: R2 = 102
			EncodeABC(OpLtI, 3, 1, 2), // 4: R3 = R1 < R2
			EncodeAsBx(OpJmpF, 3, 3),  // 5: guard; exit jumps to 9 (RET)
			EncodeABC(OpAddI, 0, 0, 1), // 6: R0 += R1
			EncodeABC(OpAddI, 1, 1, 4), // 7: R1 += R4
			EncodeAsBx(OpJmp, 0, -5),   // 8: back to LT_I at 4
			EncodeABC(OpRet, 0, 0, 0),  // 9: RET R0
		},
	}
	v := newTestVM()
	v.Functions[fn.Name] = fn
	result, err := v.Call(fn, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsInt() {
		t.Fatalf("expected Int result, got %s", result.TypeName())
	}
	if got, want := result.Int(), int32(5151); got != want {
		t.Errorf("sum 1..101 = %d, want %d", got, want)
	}

	// The loop ran 101 times, so JMP_F's fallthrough at its own pc (5)
	// was observed one more time than the hot threshold, promoting a
	// region covering the loop body.
	const guardPC = 5
	if _, _, ok := v.Tracer.Promoted(guardPC); !ok {
		t.Errorf("expected hot region promoted at guard pc %d after >100 iterations", guardPC)
	}
}

// Scenario 2: array swap via the Swap native, then read back an element.
func TestArraySwapNative(t *testing.T) {
	v := newTestVM()
	arr := v.Heap.AllocArray(3)
	arr.Elems()[0] = IntValue(42)
	arr.Elems()[1] = IntValue(7)
	arr.Elems()[2] = IntValue(99)

	fn := &Function{
		Name:          "main",
		RegisterCount: 4,
		Constants:     []Value{ObjValue(arr), IntValue(0), IntValue(2)},
		Code: []uint32{
			EncodeABx(OpLoadK, 0, 0), // R0 = arr
			EncodeABx(OpLoadK, 1, 1), // R1 = 0
			EncodeABx(OpLoadK, 2, 2), // R2 = 2
			EncodeABC(OpCallNative, 3, NativeSwap, 3),
			EncodeABC(OpGetElem, 3, 0, 1), // R3 = arr[R1=0]
			EncodeABC(OpRet, 3, 0, 0),
		},
	}
	result := mustRun(t, fn, nil)
	if got, want := result.Int(), int32(99); got != want {
		t.Errorf("arr[0] after swap(0,2) = %d, want %d", got, want)
	}
}

// Scenario 3: object field roundtrip, asserting exact registry contents.
func TestObjectFieldRoundtrip(t *testing.T) {
	v := newTestVM()
	className := v.Heap.AllocString([]byte("Pair"))
	fieldName := v.Heap.AllocString([]byte("x"))
	classRef := v.Heap.AllocClassRef(className)
	fieldRef := v.Heap.AllocFieldRef(className, fieldName)

	fn := &Function{
		Name:          "main",
		RegisterCount: 4,
		Constants:     []Value{ObjValue(classRef), ObjValue(fieldRef), IntValue(17)},
		Code: []uint32{
			EncodeABx(OpNewObj, 0, 0),      // R0 = new Pair
			EncodeABx(OpLoadK, 1, 1),       // R1 = FieldRef(Pair.x)
			EncodeABx(OpLoadK, 2, 2),       // R2 = 17
			EncodeABC(OpSetField, 0, 1, 2), // R0.x = R2
			EncodeABC(OpGetField, 3, 0, 1), // R3 = R0.x
			EncodeABC(OpRet, 3, 0, 0),
		},
	}
	v.Functions[fn.Name] = fn
	result, err := v.Call(fn, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := result.Int(), int32(17); got != want {
		t.Errorf("Pair.x = %d, want %d", got, want)
	}

	fields := v.Fields.Fields("Pair")
	if len(fields) != 1 || fields["x"] != 0 {
		t.Errorf("registry for Pair = %v, want {x: 0}", fields)
	}
}

// Scenario 4: cross-function call via CALLK.
func TestCrossFunctionCall(t *testing.T) {
	v := newTestVM()

	squareName := v.Heap.AllocString([]byte("square"))
	squareRef := v.Heap.AllocFuncRef(squareName, 1)

	square := &Function{
		Name:          "square",
		RegisterCount: 2,
		Code: []uint32{
			EncodeABC(OpMulI, 1, 0, 0), // R1 = R0 * R0
			EncodeABC(OpRet, 1, 0, 0),
		},
	}
	main := &Function{
		Name:          "main",
		RegisterCount: 2,
		Constants:     []Value{IntValue(5), ObjValue(squareRef)},
		Code: []uint32{
			EncodeABx(OpLoadK, 0, 0), // R0 = 5
			EncodeABx(OpCallK, 1, 1), // R1 = square(R0)
			EncodeABC(OpRet, 1, 0, 0),
		},
	}
	v.Functions[square.Name] = square
	v.Functions[main.Name] = main

	result, err := v.Call(main, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := result.Int(), int32(25); got != want {
		t.Errorf("square(5) = %d, want %d", got, want)
	}
}

// Scenario 5: GC reclaims unreachable strings.
func TestGCReclaimsUnreachable(t *testing.T) {
	v := newTestVM()
	for i := 0; i < 10000; i++ {
		v.Heap.AllocString([]byte("throwaway"))
		if v.Heap.PendingGC() {
			v.Heap.Collect(func(mark func(Value)) {})
		}
	}
	// Allocations after the last threshold-triggered cycle are still
	// linked; one final cycle with no roots sweeps them too.
	v.Heap.Collect(func(mark func(Value)) {})
	stats := v.Heap.Stats()
	if stats.TotalBytesFreed == 0 {
		t.Error("expected some bytes freed across repeated allocation")
	}
	if stats.LiveObjects != 0 {
		t.Errorf("expected no live objects after discarding all roots, got %d", stats.LiveObjects)
	}
}

// Boundary: JMP with sBx=0 is a self-loop at the next PC and must
// progress by exactly one step (not infinite-loop).
func TestJmpZeroDisplacementProgressesOneStep(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 1,
		Constants:     []Value{IntValue(7)},
		Code: []uint32{
			EncodeAsBx(OpJmp, 0, 0), // 0: PC := 1 + 0 = 1
			EncodeABx(OpLoadK, 0, 0),
			EncodeABC(OpRet, 0, 0, 0),
		},
	}
	result := mustRun(t, fn, nil)
	if got, want := result.Int(), int32(7); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

// Boundary: NEW_ARR length 0, then GET_ELEM fails with BoundsError.
func TestEmptyArrayBounds(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 2,
		Constants:     []Value{IntValue(0)},
		Code: []uint32{
			EncodeABx(OpLoadK, 1, 0),
			EncodeABC(OpNewArr, 0, 1, 0),
			EncodeABC(OpGetElem, 1, 0, 1),
			EncodeABC(OpRet, 1, 0, 0),
		},
	}
	v := newTestVM()
	v.Functions[fn.Name] = fn
	_, err := v.Call(fn, nil)
	if _, ok := err.(*BoundsError); !ok {
		t.Fatalf("expected *BoundsError, got %T (%v)", err, err)
	}
}

// Boundary: RET with a=255 and an empty call stack yields Nil.
func TestRetSentinelYieldsNil(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 1,
		Code: []uint32{
			EncodeABC(OpRet, RetSentinel, 0, 0),
		},
	}
	result := mustRun(t, fn, nil)
	if !result.IsNil() {
		t.Errorf("expected Nil, got %s", result.TypeName())
	}
}

func TestDivisionByZeroIsArithmeticError(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 3,
		Constants:     []Value{IntValue(1), IntValue(0)},
		Code: []uint32{
			EncodeABx(OpLoadK, 0, 0),
			EncodeABx(OpLoadK, 1, 1),
			EncodeABC(OpDivI, 2, 0, 1),
			EncodeABC(OpRet, 2, 0, 0),
		},
	}
	v := newTestVM()
	v.Functions[fn.Name] = fn
	_, err := v.Call(fn, nil)
	if _, ok := err.(*ArithmeticError); !ok {
		t.Fatalf("expected *ArithmeticError, got %T (%v)", err, err)
	}
}

func TestTypeErrorOnMismatchedArithmetic(t *testing.T) {
	fn := &Function{
		Name:          "main",
		RegisterCount: 3,
		Constants:     []Value{IntValue(1), FloatValue(2.0)},
		Code: []uint32{
			EncodeABx(OpLoadK, 0, 0),
			EncodeABx(OpLoadK, 1, 1),
			EncodeABC(OpAddI, 2, 0, 1),
			EncodeABC(OpRet, 2, 0, 0),
		},
	}
	v := newTestVM()
	v.Functions[fn.Name] = fn
	_, err := v.Call(fn, nil)
	if _, ok := err.(*TypeError); !ok {
		t.Fatalf("expected *TypeError, got %T (%v)", err, err)
	}
}

func TestArgumentCountExceedingRegistersIsLinkError(t *testing.T) {
	fn := &Function{Name: "main", RegisterCount: 1}
	v := newTestVM()
	v.Functions[fn.Name] = fn
	_, err := v.Call(fn, []Value{IntValue(1), IntValue(2)})
	if _, ok := err.(*LinkError); !ok {
		t.Fatalf("expected *LinkError, got %T (%v)", err, err)
	}
}
