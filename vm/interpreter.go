package vm

import (
	"math"

	"github.com/google/uuid"
)

// mathMod implements floating-point modulo with the sign of x, matching
// C's fmod, rather than Go's own % operator which is undefined for
// floats.
func mathMod(x, y float64) float64 {
	return math.Mod(x, y)
}

// VM ties together the heap, call-frame memory, field-slot registry,
// native registry and tracer into one executable instance. Every piece
// is owned by value or by pointer on this struct rather than reached
// through package state, so a process can run several independent VMs.
type VM struct {
	ID        string
	Heap      *Heap
	Memory    *Memory
	Fields    *FieldSlotRegistry
	Natives   *NativeSet
	Functions map[string]*Function
	Tracer    *Tracer

	SafePointInterval int
	Logger            func(format string, args ...interface{})

	instrSinceSafePoint int
}

// NewVM builds a VM with fresh heap, memory, field registry and tracer.
// Callers install Functions and Natives before calling Call. ID is a
// UUID used to correlate this instance's log lines when a process runs
// more than one VM concurrently.
func NewVM() *VM {
	return &VM{
		ID:                uuid.New().String(),
		Heap:              NewHeap(),
		Memory:            NewMemory(),
		Fields:            NewFieldSlotRegistry(),
		Functions:         make(map[string]*Function),
		Tracer:            NewTracer(),
		SafePointInterval: 1,
	}
}

func (vm *VM) logf(format string, args ...interface{}) {
	if vm.Logger != nil {
		vm.Logger(format, args...)
	}
}

// markRoots adapts Memory.MarkRoots to Heap.Collect's expected shape.
func (vm *VM) markRoots(mark func(Value)) {
	vm.Memory.MarkRoots(mark)
}

// maybeCollect runs a collection at this safe point if the heap has
// crossed its byte threshold since the last one, honoring
// SafePointInterval so collection checks don't happen on literally every
// instruction when a caller wants coarser granularity.
func (vm *VM) maybeCollect() {
	vm.instrSinceSafePoint++
	if vm.instrSinceSafePoint < vm.SafePointInterval {
		return
	}
	vm.instrSinceSafePoint = 0
	if !vm.Heap.PendingGC() {
		return
	}
	stats := vm.Heap.Collect(vm.markRoots)
	vm.logf("vm[%s]: gc cycle %s freed %d bytes (%d objects), %d live", vm.ID, uuid.New().String(), stats.LastBytesFreed, stats.LastObjectsFreed, stats.LiveObjects)
}

// ForceGC runs an immediate collection regardless of pending threshold
// state, backing the --force-gc CLI flag.
func (vm *VM) ForceGC() HeapStats {
	return vm.Heap.Collect(vm.markRoots)
}

// Call invokes fn with args as a fresh top-level call (no caller frame
// to return into), used by the entry runner. CALL/CALLK do not go
// through Call: dispatchCall pushes the callee frame onto the running
// frame stack directly.
func (vm *VM) Call(fn *Function, args []Value) (Value, error) {
	if len(args) > fn.RegisterCount {
		return Nil, NewLinkError("argument count %d exceeds register count %d for %q", len(args), fn.RegisterCount, fn.Name)
	}
	vm.Memory.PushFrame(fn, -1, RetSentinel)
	vm.Memory.CopyArgsIntoCallee(args)
	return vm.run()
}

// run drives the fetch-decode-execute loop until the call stack the
// current invocation pushed has fully unwound, returning the value RET
// produced at the outermost level.
func (vm *VM) run() (Value, error) {
	baseDepth := vm.Memory.Depth() - 1
	for {
		fn := vm.Memory.CurrentFunction()
		pc := vm.Memory.PC()
		if pc < 0 || pc >= len(fn.Code) {
			return Nil, NewRuntimeError("pc %d out of range for function %q (len %d)", pc, fn.Name, len(fn.Code))
		}
		word := fn.Code[pc]
		inst := DecodeInstruction(word)
		if !inst.Op.Known() {
			return Nil, NewRuntimeError("unknown opcode 0x%02X at pc %d in %q", byte(inst.Op), pc, fn.Name)
		}

		ret, done, err := vm.step(inst, pc)
		if err != nil {
			return Nil, err
		}
		vm.maybeCollect()
		if done {
			if vm.Memory.Depth() == baseDepth {
				return ret, nil
			}
		}
	}
}

// step executes one decoded instruction. done reports whether it was a
// RET (at any depth); run compares the remaining depth with the call's
// own base depth to decide whether the run is over. ret is only
// meaningful when that RET left the outermost frame.
func (vm *VM) step(inst Instruction, pc int) (ret Value, done bool, err error) {
	switch inst.Op {
	case OpNop:
		vm.Memory.SetPC(pc + 1)

	case OpMov:
		vm.Memory.SetReg(inst.A, vm.Memory.Reg(inst.B))
		vm.Memory.SetPC(pc + 1)

	case OpLoadK:
		fn := vm.Memory.CurrentFunction()
		if int(inst.Bx) >= len(fn.Constants) {
			return Nil, false, NewRuntimeError("constant index %d out of range in %q", inst.Bx, fn.Name)
		}
		vm.Memory.SetReg(inst.A, fn.Constants[inst.Bx])
		vm.Memory.SetPC(pc + 1)

	case OpAddI, OpSubI, OpMulI, OpDivI, OpModI:
		if err := vm.execIntArith(inst); err != nil {
			return Nil, false, err
		}
		vm.Memory.SetPC(pc + 1)

	case OpAddF, OpSubF, OpMulF, OpDivF, OpModF:
		if err := vm.execFloatArith(inst); err != nil {
			return Nil, false, err
		}
		vm.Memory.SetPC(pc + 1)

	case OpLtI, OpLeI, OpGtI, OpGeI:
		if err := vm.execIntCompare(inst); err != nil {
			return Nil, false, err
		}
		vm.Memory.SetPC(pc + 1)

	case OpLtF, OpLeF, OpGtF, OpGeF:
		if err := vm.execFloatCompare(inst); err != nil {
			return Nil, false, err
		}
		vm.Memory.SetPC(pc + 1)

	case OpEq, OpNe:
		a, b := vm.Memory.Reg(inst.B), vm.Memory.Reg(inst.C)
		eq := a.Equals(b)
		if inst.Op == OpNe {
			eq = !eq
		}
		vm.Memory.SetReg(inst.A, BoolValue(eq))
		vm.Memory.SetPC(pc + 1)

	case OpNot:
		b := vm.Memory.Reg(inst.B)
		if !b.IsBool() {
			return Nil, false, NewTypeError("NOT expects a Bool operand, got %s", b.TypeName())
		}
		vm.Memory.SetReg(inst.A, BoolValue(!b.Bool()))
		vm.Memory.SetPC(pc + 1)

	case OpJmp:
		vm.Memory.SetPC(pc + 1 + int(inst.SBx))

	case OpJmpT, OpJmpF:
		cond := vm.Memory.Reg(inst.A)
		if !cond.IsBool() {
			return Nil, false, NewTypeError("%s expects a Bool operand, got %s", inst.Op, cond.TypeName())
		}
		take := cond.Bool()
		if inst.Op == OpJmpF {
			take = !take
		}
		if take {
			vm.Memory.SetPC(pc + 1 + int(inst.SBx))
		} else {
			vm.Tracer.ObserveFallthrough(pc, inst.SBx)
			if start, end, ok := vm.Tracer.Promoted(pc); ok {
				vm.Tracer.recordHit(pc)
				return vm.runRegion(start, end)
			}
			vm.Memory.SetPC(pc + 1)
		}

	case OpI2F:
		b := vm.Memory.Reg(inst.B)
		if !b.IsInt() {
			return Nil, false, NewTypeError("I2F expects an Int operand, got %s", b.TypeName())
		}
		vm.Memory.SetReg(inst.A, FloatValue(float32(b.Int())))
		vm.Memory.SetPC(pc + 1)

	case OpNewArr:
		n := vm.Memory.Reg(inst.B)
		if !n.IsInt() {
			return Nil, false, NewTypeError("NEW_ARR expects an Int length, got %s", n.TypeName())
		}
		if n.Int() < 0 {
			return Nil, false, NewBoundsError("NEW_ARR length %d is negative", n.Int())
		}
		vm.Memory.SetReg(inst.A, ObjValue(vm.Heap.AllocArray(int(n.Int()))))
		vm.Memory.SetPC(pc + 1)

	case OpGetElem:
		arr := vm.Memory.Reg(inst.B)
		idx := vm.Memory.Reg(inst.C)
		elems, err := vm.arrayElems(arr)
		if err != nil {
			return Nil, false, err
		}
		if !idx.IsInt() {
			return Nil, false, NewTypeError("GET_ELEM expects an Int index, got %s", idx.TypeName())
		}
		i := int(idx.Int())
		if i < 0 || i >= len(elems) {
			return Nil, false, NewBoundsError("array index %d out of range (len %d)", i, len(elems))
		}
		vm.Memory.SetReg(inst.A, elems[i])
		vm.Memory.SetPC(pc + 1)

	case OpSetElem:
		arr := vm.Memory.Reg(inst.A)
		idx := vm.Memory.Reg(inst.B)
		val := vm.Memory.Reg(inst.C)
		elems, err := vm.arrayElems(arr)
		if err != nil {
			return Nil, false, err
		}
		if !idx.IsInt() {
			return Nil, false, NewTypeError("SET_ELEM expects an Int index, got %s", idx.TypeName())
		}
		i := int(idx.Int())
		if i < 0 || i >= len(elems) {
			return Nil, false, NewBoundsError("array index %d out of range (len %d)", i, len(elems))
		}
		elems[i] = val
		vm.Memory.SetPC(pc + 1)

	case OpNewObj:
		fn := vm.Memory.CurrentFunction()
		if int(inst.Bx) >= len(fn.Constants) {
			return Nil, false, NewRuntimeError("constant index %d out of range in %q", inst.Bx, fn.Name)
		}
		classRefVal := fn.Constants[inst.Bx]
		if !classRefVal.IsObj() || classRefVal.Obj() == nil || classRefVal.Obj().Kind != ObjClassRef {
			return Nil, false, NewTypeError("NEW_OBJ expects a ClassRef constant, got %s", classRefVal.TypeName())
		}
		vm.Memory.SetReg(inst.A, ObjValue(vm.Heap.AllocInstance(classRefVal.Obj().ClassName())))
		vm.Memory.SetPC(pc + 1)

	case OpGetField:
		val, err := vm.readField(inst.B, inst.C)
		if err != nil {
			return Nil, false, err
		}
		vm.Memory.SetReg(inst.A, val)
		vm.Memory.SetPC(pc + 1)

	case OpSetField:
		if err := vm.writeField(inst.A, inst.B, vm.Memory.Reg(inst.C)); err != nil {
			return Nil, false, err
		}
		vm.Memory.SetPC(pc + 1)

	case OpCall:
		funcRef := vm.Memory.Reg(inst.B)
		fnObj, err := vm.funcRefObj(funcRef, "CALL")
		if err != nil {
			return Nil, false, err
		}
		return vm.dispatchCall(inst.A, int(inst.C), fnObj, pc)

	case OpCallK:
		fn := vm.Memory.CurrentFunction()
		if int(inst.Bx) >= len(fn.Constants) {
			return Nil, false, NewRuntimeError("constant index %d out of range in %q", inst.Bx, fn.Name)
		}
		fnObj, err := vm.funcRefObj(fn.Constants[inst.Bx], "CALLK")
		if err != nil {
			return Nil, false, err
		}
		return vm.dispatchCall(inst.A, fnObj.Arity(), fnObj, pc)

	case OpCallNative:
		argc := int(inst.C)
		args := make([]Value, argc)
		for i := 0; i < argc; i++ {
			args[i] = vm.Memory.Reg(byte(i))
		}
		result, err := vm.Natives.Call(int(inst.B), args)
		if err != nil {
			return Nil, false, err
		}
		vm.Memory.SetReg(inst.A, result)
		vm.Memory.SetPC(pc + 1)

	case OpRet:
		return vm.execReturn(inst)

	default:
		return Nil, false, NewRuntimeError("unhandled opcode %s at pc %d", inst.Op, pc)
	}
	return Nil, false, nil
}

// runRegion executes instructions starting at start, re-dispatching
// through the ordinary step function (no real machine code is emitted,
// see jit.go), but without checking the GC safe point between
// instructions, since a promoted region never collects mid-flight,
// until either control leaves [start, end) (a branch out of the region,
// handled by falling back to the interpreter with PC already updated),
// a RET unwinds a frame, or an error occurs.
func (vm *VM) runRegion(start, end int) (Value, bool, error) {
	pc := start
	for pc >= start && pc < end {
		fn := vm.Memory.CurrentFunction()
		if pc < 0 || pc >= len(fn.Code) {
			return Nil, false, NewRuntimeError("pc %d out of range for function %q (len %d)", pc, fn.Name, len(fn.Code))
		}
		inst := DecodeInstruction(fn.Code[pc])
		if !inst.Op.Known() {
			return Nil, false, NewRuntimeError("unknown opcode 0x%02X at pc %d in %q", byte(inst.Op), pc, fn.Name)
		}
		ret, done, err := vm.step(inst, pc)
		if err != nil {
			return Nil, false, err
		}
		if done {
			return ret, true, nil
		}
		pc = vm.Memory.PC()
	}
	return Nil, false, nil
}

func (vm *VM) execIntArith(inst Instruction) error {
	a, b := vm.Memory.Reg(inst.B), vm.Memory.Reg(inst.C)
	if !a.IsInt() || !b.IsInt() {
		return NewTypeError("%s expects Int operands, got %s and %s", inst.Op, a.TypeName(), b.TypeName())
	}
	x, y := a.Int(), b.Int()
	var r int32
	switch inst.Op {
	case OpAddI:
		r = x + y
	case OpSubI:
		r = x - y
	case OpMulI:
		r = x * y
	case OpDivI:
		if y == 0 {
			return NewArithmeticError("integer division by zero")
		}
		r = x / y
	case OpModI:
		if y == 0 {
			return NewArithmeticError("integer modulo by zero")
		}
		r = x % y
	}
	vm.Memory.SetReg(inst.A, IntValue(r))
	return nil
}

func (vm *VM) execFloatArith(inst Instruction) error {
	a, b := vm.Memory.Reg(inst.B), vm.Memory.Reg(inst.C)
	if !a.IsFloat() || !b.IsFloat() {
		return NewTypeError("%s expects Float operands, got %s and %s", inst.Op, a.TypeName(), b.TypeName())
	}
	x, y := a.Float(), b.Float()
	var r float32
	switch inst.Op {
	case OpAddF:
		r = x + y
	case OpSubF:
		r = x - y
	case OpMulF:
		r = x * y
	case OpDivF:
		r = x / y
	case OpModF:
		r = float32(mathMod(float64(x), float64(y)))
	}
	vm.Memory.SetReg(inst.A, FloatValue(r))
	return nil
}

func (vm *VM) execIntCompare(inst Instruction) error {
	a, b := vm.Memory.Reg(inst.B), vm.Memory.Reg(inst.C)
	if !a.IsInt() || !b.IsInt() {
		return NewTypeError("%s expects Int operands, got %s and %s", inst.Op, a.TypeName(), b.TypeName())
	}
	x, y := a.Int(), b.Int()
	var r bool
	switch inst.Op {
	case OpLtI:
		r = x < y
	case OpLeI:
		r = x <= y
	case OpGtI:
		r = x > y
	case OpGeI:
		r = x >= y
	}
	vm.Memory.SetReg(inst.A, BoolValue(r))
	return nil
}

func (vm *VM) execFloatCompare(inst Instruction) error {
	a, b := vm.Memory.Reg(inst.B), vm.Memory.Reg(inst.C)
	if !a.IsFloat() || !b.IsFloat() {
		return NewTypeError("%s expects Float operands, got %s and %s", inst.Op, a.TypeName(), b.TypeName())
	}
	x, y := a.Float(), b.Float()
	var r bool
	switch inst.Op {
	case OpLtF:
		r = x < y
	case OpLeF:
		r = x <= y
	case OpGtF:
		r = x > y
	case OpGeF:
		r = x >= y
	}
	vm.Memory.SetReg(inst.A, BoolValue(r))
	return nil
}

func (vm *VM) arrayElems(v Value) ([]Value, error) {
	if !v.IsObj() || v.Obj() == nil || v.Obj().Kind != ObjArray {
		return nil, NewTypeError("expected Array operand, got %s", v.TypeName())
	}
	return v.Obj().Elems(), nil
}

func (vm *VM) stringObj(v Value, context string) (*Object, error) {
	if !v.IsObj() || v.Obj() == nil || v.Obj().Kind != ObjString {
		return nil, NewTypeError("%s expects a String, got %s", context, v.TypeName())
	}
	return v.Obj(), nil
}

func (vm *VM) funcRefObj(v Value, context string) (*Object, error) {
	if !v.IsObj() || v.Obj() == nil || v.Obj().Kind != ObjFuncRef {
		return nil, NewTypeError("%s expects a FuncRef, got %s", context, v.TypeName())
	}
	return v.Obj(), nil
}

func (vm *VM) fieldRefObj(v Value) (*Object, error) {
	if !v.IsObj() || v.Obj() == nil || v.Obj().Kind != ObjFieldRef {
		return nil, NewTypeError("expected a FieldRef operand, got %s", v.TypeName())
	}
	return v.Obj(), nil
}

func (vm *VM) instanceObj(v Value) (*Object, error) {
	if !v.IsObj() || v.Obj() == nil || v.Obj().Kind != ObjInstance {
		return nil, NewTypeError("expected an Instance operand, got %s", v.TypeName())
	}
	return v.Obj(), nil
}

// readField resolves GET_FIELD: register instReg holds the Instance,
// register refReg holds a FieldRef naming (class, field). A slot never
// written returns Nil rather than an out-of-range error, since field
// slots grow lazily only on write.
func (vm *VM) readField(instReg, refReg byte) (Value, error) {
	inst, err := vm.instanceObj(vm.Memory.Reg(instReg))
	if err != nil {
		return Nil, err
	}
	ref, err := vm.fieldRefObj(vm.Memory.Reg(refReg))
	if err != nil {
		return Nil, err
	}
	slot := vm.Fields.Slot(string(ref.ClassName().Bytes()), string(ref.FieldName().Bytes()))
	fields := inst.Fields()
	if slot >= len(fields) {
		return Nil, nil
	}
	return fields[slot], nil
}

// writeField resolves SET_FIELD, growing the instance's field slots as
// needed and keeping the heap's byte accounting in sync.
func (vm *VM) writeField(instReg, refReg byte, val Value) error {
	inst, err := vm.instanceObj(vm.Memory.Reg(instReg))
	if err != nil {
		return err
	}
	ref, err := vm.fieldRefObj(vm.Memory.Reg(refReg))
	if err != nil {
		return err
	}
	slot := vm.Fields.Slot(string(ref.ClassName().Bytes()), string(ref.FieldName().Bytes()))
	vm.Heap.GrowInstanceFields(inst, slot)
	inst.setField(slot, val)
	return nil
}

// dispatchCall resolves fnObj's declared function, copies argc values
// out of the CALLER's own low registers R[0..argc-1], pushes a new
// frame, and copies those values into the callee's R[0..argc-1]: a
// copy-after-push calling convention that needs no callee-shaped
// register allocation in the caller. Both CALL and CALLK funnel here:
// CALL passes its own ABC operand C as argc; CALLK has no argc operand
// and uses the FuncRef's declared arity instead (see DESIGN.md for why
// the two instructions need different argc sources).
func (vm *VM) dispatchCall(dst byte, argc int, fnObj *Object, pc int) (Value, bool, error) {
	name := string(fnObj.FuncName().Bytes())
	fn, ok := vm.Functions[name]
	if !ok {
		return Nil, false, NewLinkError("call to undefined function %q", name)
	}
	if argc > fn.RegisterCount {
		return Nil, false, NewLinkError("argument count %d exceeds %q's register count %d", argc, name, fn.RegisterCount)
	}
	args := make([]Value, argc)
	for i := 0; i < argc; i++ {
		args[i] = vm.Memory.Reg(byte(i))
	}
	vm.Memory.SetPC(pc + 1)
	vm.Memory.PushFrame(fn, pc+1, dst)
	vm.Memory.CopyArgsIntoCallee(args)
	return Nil, false, nil
}

// execReturn pops the current frame, splicing its result into the
// caller's destination register (or surfacing it to run's caller if
// this was the outermost frame). A=255 (RetSentinel) means "return Nil";
// otherwise A names the source register.
func (vm *VM) execReturn(inst Instruction) (Value, bool, error) {
	var result Value
	if inst.A == RetSentinel {
		result = Nil
	} else {
		result = vm.Memory.Reg(inst.A)
	}
	returnPC, returnDst := vm.Memory.ReturnInfo()
	vm.Memory.PopFrame()
	if vm.Memory.Empty() || returnPC < 0 {
		return result, true, nil
	}
	vm.Memory.SetPC(returnPC)
	if returnDst != RetSentinel {
		vm.Memory.SetReg(returnDst, result)
	}
	return Nil, true, nil
}
