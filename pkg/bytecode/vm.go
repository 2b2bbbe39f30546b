package bytecode

import (
	"fmt"
	"io"
	"os"
	"time"
)

// ---------------------------------------------------------------------------
// VM: the bytecode interpreter
// ---------------------------------------------------------------------------

// FramesMax is the call depth limit.
const FramesMax = 64

// StackMax is the value stack capacity: FramesMax frames of up to 256
// slots each.
const StackMax = FramesMax * 256

// InterpretResult is the outcome of one Interpret call.
type InterpretResult int

const (
	InterpretOK InterpretResult = iota
	InterpretCompileError
	InterpretRuntimeError
)

// CallFrame is one activation record: the closure being executed, the
// instruction pointer into its chunk, and the base slot of its stack
// window. Slot 0 of the window holds the callee (or `this`).
type CallFrame struct {
	closure *ObjClosure
	ip      int
	slots   int
}

// VM executes bytecode. It owns the value stack, the frame stack, the
// globals table, and the open-upvalue list; the heap (and with it the
// intern pool) is shared with the compiler.
type VM struct {
	heap *Heap

	stack    [StackMax]Value
	stackTop int

	frames     [FramesMax]CallFrame
	frameCount int

	globals      Table
	openUpvalues *ObjUpvalue // sorted by descending Slot
	initString   *ObjString

	// Stdout receives print output; Stderr receives diagnostics and, if
	// Trace is set, a per-instruction execution trace.
	Stdout io.Writer
	Stderr io.Writer
	Trace  bool

	startTime time.Time
}

// NewVM creates a VM backed by the given heap and registers it as a
// permanent GC root source.
func NewVM(heap *Heap) *VM {
	vm := &VM{
		heap:      heap,
		Stdout:    os.Stdout,
		Stderr:    os.Stderr,
		startTime: time.Now(),
	}
	heap.AddRoot(vm)

	vm.initString = heap.CopyString("init")
	registerNatives(vm)
	return vm
}

// Heap returns the VM's heap.
func (vm *VM) Heap() *Heap { return vm.heap }

// Free releases every heap object. The VM must not be used afterwards.
func (vm *VM) Free() {
	vm.initString = nil
	vm.resetStack()
	vm.globals = Table{}
	vm.heap.FreeObjects()
}

// Interpret compiles and runs one source unit.
func (vm *VM) Interpret(source string) InterpretResult {
	fn := Compile(vm.heap, source, vm.Stderr)
	if fn == nil {
		return InterpretCompileError
	}

	vm.push(ObjValue(fn))
	closure := vm.heap.NewClosure(fn)
	vm.pop()
	vm.push(ObjValue(closure))
	vm.call(closure, 0)

	return vm.run()
}

// Run executes an already-compiled top-level function, as produced by
// Compile or decoded from an image.
func (vm *VM) Run(fn *ObjFunction) InterpretResult {
	vm.push(ObjValue(fn))
	closure := vm.heap.NewClosure(fn)
	vm.pop()
	vm.push(ObjValue(closure))
	vm.call(closure, 0)

	return vm.run()
}

// MarkRoots supplies the VM's GC roots: live stack slots, frame
// closures, the open-upvalue list, globals, and the intern reference to
// "init".
func (vm *VM) MarkRoots(h *Heap) {
	for i := 0; i < vm.stackTop; i++ {
		h.MarkValue(vm.stack[i])
	}

	for i := 0; i < vm.frameCount; i++ {
		h.MarkObject(vm.frames[i].closure)
	}

	for upvalue := vm.openUpvalues; upvalue != nil; upvalue = upvalue.Next {
		h.MarkObject(upvalue)
	}

	h.MarkTable(&vm.globals)
	if vm.initString != nil {
		h.MarkObject(vm.initString)
	}
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

func (vm *VM) resetStack() {
	vm.stackTop = 0
	vm.frameCount = 0
	vm.openUpvalues = nil
}

func (vm *VM) push(value Value) {
	vm.stack[vm.stackTop] = value
	vm.stackTop++
}

func (vm *VM) pop() Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) Value {
	return vm.stack[vm.stackTop-1-distance]
}

// StackDepth returns the current value stack depth. Exposed for
// invariant checks in tests.
func (vm *VM) StackDepth() int { return vm.stackTop }

// runtimeError reports a runtime error with a stack trace (innermost
// frame first), resets the stack, and returns InterpretRuntimeError so
// opcode bodies can `return vm.runtimeError(...)`.
func (vm *VM) runtimeError(format string, args ...interface{}) InterpretResult {
	fmt.Fprintf(vm.Stderr, format, args...)
	fmt.Fprintln(vm.Stderr)

	for i := vm.frameCount - 1; i >= 0; i-- {
		frame := &vm.frames[i]
		fn := frame.closure.Function
		line := fn.Chunk.Line(frame.ip - 1)
		fmt.Fprintf(vm.Stderr, "[line %d] in ", line)
		if fn.Name == nil {
			fmt.Fprintf(vm.Stderr, "script\n")
		} else {
			fmt.Fprintf(vm.Stderr, "%s()\n", fn.Name.Chars)
		}
	}

	vm.resetStack()
	return InterpretRuntimeError
}

// ---------------------------------------------------------------------------
// Calls and method dispatch
// ---------------------------------------------------------------------------

func (vm *VM) call(closure *ObjClosure, argCount int) bool {
	if argCount != closure.Function.Arity {
		vm.runtimeError("Expected %d arguments but got %d.",
			closure.Function.Arity, argCount)
		return false
	}

	if vm.frameCount == FramesMax {
		vm.runtimeError("Stack overflow.")
		return false
	}

	frame := &vm.frames[vm.frameCount]
	vm.frameCount++
	frame.closure = closure
	frame.ip = 0
	frame.slots = vm.stackTop - argCount - 1
	return true
}

func (vm *VM) callValue(callee Value, argCount int) bool {
	if callee.IsObj() {
		switch callee := callee.AsObj().(type) {
		case *ObjBoundMethod:
			vm.stack[vm.stackTop-argCount-1] = callee.Receiver
			return vm.call(callee.Method, argCount)

		case *ObjClass:
			vm.stack[vm.stackTop-argCount-1] = ObjValue(vm.heap.NewInstance(callee))
			if initializer, ok := callee.Methods.Get(vm.initString); ok {
				return vm.call(initializer.AsObj().(*ObjClosure), argCount)
			}
			if argCount != 0 {
				vm.runtimeError("Expected 0 arguments but got %d.", argCount)
				return false
			}
			return true

		case *ObjClosure:
			return vm.call(callee, argCount)

		case *ObjNative:
			result := callee.Function(argCount, vm.stack[vm.stackTop-argCount:vm.stackTop])
			vm.stackTop -= argCount + 1
			vm.push(result)
			return true
		}
	}

	vm.runtimeError("Can only call functions and classes.")
	return false
}

// invoke dispatches receiver.name(args) without materializing a bound
// method, falling back to a generic call when name is a field.
func (vm *VM) invoke(name *ObjString, argCount int) bool {
	receiver := vm.peek(argCount)

	instance, ok := asInstance(receiver)
	if !ok {
		vm.runtimeError("Only instances have methods.")
		return false
	}

	if value, ok := instance.Fields.Get(name); ok {
		vm.stack[vm.stackTop-argCount-1] = value
		return vm.callValue(value, argCount)
	}

	return vm.invokeFromClass(instance.Class, name, argCount)
}

func (vm *VM) invokeFromClass(class *ObjClass, name *ObjString, argCount int) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		vm.runtimeError("Undefined property '%s'.", name.Chars)
		return false
	}
	return vm.call(method.AsObj().(*ObjClosure), argCount)
}

// bindMethod replaces the receiver on top of the stack with a bound
// method for class.name.
func (vm *VM) bindMethod(class *ObjClass, name *ObjString) bool {
	method, ok := class.Methods.Get(name)
	if !ok {
		vm.runtimeError("Undefined property '%s'.", name.Chars)
		return false
	}

	bound := vm.heap.NewBoundMethod(vm.peek(0), method.AsObj().(*ObjClosure))
	vm.pop()
	vm.push(ObjValue(bound))
	return true
}

func (vm *VM) defineMethod(name *ObjString) {
	method := vm.peek(0)
	class := vm.peek(1).AsObj().(*ObjClass)
	class.Methods.Set(name, method)
	vm.pop()
}

func asInstance(v Value) (*ObjInstance, bool) {
	if !v.IsObj() {
		return nil, false
	}
	instance, ok := v.AsObj().(*ObjInstance)
	return instance, ok
}

func asClass(v Value) (*ObjClass, bool) {
	if !v.IsObj() {
		return nil, false
	}
	class, ok := v.AsObj().(*ObjClass)
	return class, ok
}

// ---------------------------------------------------------------------------
// Upvalues
// ---------------------------------------------------------------------------

// captureUpvalue returns the open upvalue observing the given stack
// slot, creating and inserting one if none exists. The open list stays
// sorted by descending slot, and at most one upvalue observes any slot,
// so every closure over a variable shares the same cell.
func (vm *VM) captureUpvalue(slot int) *ObjUpvalue {
	var prev *ObjUpvalue
	upvalue := vm.openUpvalues
	for upvalue != nil && upvalue.Slot > slot {
		prev = upvalue
		upvalue = upvalue.Next
	}

	if upvalue != nil && upvalue.Slot == slot {
		return upvalue
	}

	created := vm.heap.NewUpvalue(slot)
	created.Next = upvalue
	if prev == nil {
		vm.openUpvalues = created
	} else {
		prev.Next = created
	}
	return created
}

// closeUpvalues closes every open upvalue observing a slot at or above
// last: the stack value moves into the upvalue, which then owns it.
func (vm *VM) closeUpvalues(last int) {
	for vm.openUpvalues != nil && vm.openUpvalues.Slot >= last {
		upvalue := vm.openUpvalues
		upvalue.Closed = vm.stack[upvalue.Slot]
		upvalue.Slot = -1
		vm.openUpvalues = upvalue.Next
		upvalue.Next = nil
	}
}

func (vm *VM) readUpvalue(upvalue *ObjUpvalue) Value {
	if upvalue.IsClosed() {
		return upvalue.Closed
	}
	return vm.stack[upvalue.Slot]
}

func (vm *VM) writeUpvalue(upvalue *ObjUpvalue, value Value) {
	if upvalue.IsClosed() {
		upvalue.Closed = value
		return
	}
	vm.stack[upvalue.Slot] = value
}

// ---------------------------------------------------------------------------
// Dispatch loop
// ---------------------------------------------------------------------------

func (vm *VM) run() InterpretResult {
	frame := &vm.frames[vm.frameCount-1]

	readByte := func() byte {
		b := frame.closure.Function.Chunk.Code[frame.ip]
		frame.ip++
		return b
	}
	readShort := func() int {
		code := frame.closure.Function.Chunk.Code
		short := int(code[frame.ip])<<8 | int(code[frame.ip+1])
		frame.ip += 2
		return short
	}
	readConstant := func() Value {
		return frame.closure.Function.Chunk.Constants[readByte()]
	}
	readString := func() *ObjString {
		return readConstant().AsString()
	}

	for {
		if vm.Trace {
			vm.traceInstruction(frame)
		}

		switch op := Opcode(readByte()); op {
		case OpConstant:
			vm.push(readConstant())

		case OpNil:
			vm.push(NilValue())

		case OpTrue:
			vm.push(BoolValue(true))

		case OpFalse:
			vm.push(BoolValue(false))

		case OpPop:
			vm.pop()

		case OpGetLocal:
			slot := readByte()
			vm.push(vm.stack[frame.slots+int(slot)])

		case OpSetLocal:
			slot := readByte()
			vm.stack[frame.slots+int(slot)] = vm.peek(0)

		case OpGetGlobal:
			name := readString()
			value, ok := vm.globals.Get(name)
			if !ok {
				return vm.runtimeError("Undefined variable '%s'.", name.Chars)
			}
			vm.push(value)

		case OpDefineGlobal:
			name := readString()
			vm.globals.Set(name, vm.peek(0))
			vm.pop()

		case OpSetGlobal:
			name := readString()
			if vm.globals.Set(name, vm.peek(0)) {
				// The set created a fresh entry, so the name was never
				// defined; roll the entry back before erroring.
				vm.globals.Delete(name)
				return vm.runtimeError("Undefined variable '%s'.", name.Chars)
			}

		case OpGetUpvalue:
			slot := readByte()
			vm.push(vm.readUpvalue(frame.closure.Upvalues[slot]))

		case OpSetUpvalue:
			slot := readByte()
			vm.writeUpvalue(frame.closure.Upvalues[slot], vm.peek(0))

		case OpGetProperty:
			instance, ok := asInstance(vm.peek(0))
			if !ok {
				return vm.runtimeError("Only instances have properties.")
			}
			name := readString()

			if value, found := instance.Fields.Get(name); found {
				vm.pop() // instance
				vm.push(value)
				break
			}

			if !vm.bindMethod(instance.Class, name) {
				return InterpretRuntimeError
			}

		case OpSetProperty:
			instance, ok := asInstance(vm.peek(1))
			if !ok {
				return vm.runtimeError("Only instances have fields.")
			}
			instance.Fields.Set(readString(), vm.peek(0))
			value := vm.pop()
			vm.pop() // instance
			vm.push(value)

		case OpGetSuper:
			name := readString()
			superclass := vm.pop().AsObj().(*ObjClass)
			if !vm.bindMethod(superclass, name) {
				return InterpretRuntimeError
			}

		case OpEqual:
			b := vm.pop()
			a := vm.pop()
			vm.push(BoolValue(a.Equals(b)))

		case OpGreater:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().AsNumber()
			a := vm.pop().AsNumber()
			vm.push(BoolValue(a > b))

		case OpLess:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().AsNumber()
			a := vm.pop().AsNumber()
			vm.push(BoolValue(a < b))

		case OpAdd:
			switch {
			case vm.peek(0).AsString() != nil && vm.peek(1).AsString() != nil:
				// Peek until the result is allocated so a collection
				// triggered by the concatenation cannot free the
				// operands.
				b := vm.peek(0).AsString()
				a := vm.peek(1).AsString()
				result := vm.heap.CopyString(a.Chars + b.Chars)
				vm.pop()
				vm.pop()
				vm.push(ObjValue(result))
			case vm.peek(0).IsNumber() && vm.peek(1).IsNumber():
				b := vm.pop().AsNumber()
				a := vm.pop().AsNumber()
				vm.push(NumberValue(a + b))
			default:
				return vm.runtimeError("Operands must be two numbers or two strings.")
			}

		case OpSubtract:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().AsNumber()
			a := vm.pop().AsNumber()
			vm.push(NumberValue(a - b))

		case OpMultiply:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().AsNumber()
			a := vm.pop().AsNumber()
			vm.push(NumberValue(a * b))

		case OpDivide:
			if !vm.peek(0).IsNumber() || !vm.peek(1).IsNumber() {
				return vm.runtimeError("Operands must be numbers.")
			}
			b := vm.pop().AsNumber()
			a := vm.pop().AsNumber()
			vm.push(NumberValue(a / b))

		case OpNot:
			vm.push(BoolValue(vm.pop().IsFalsey()))

		case OpNegate:
			if !vm.peek(0).IsNumber() {
				return vm.runtimeError("Operand must be a number.")
			}
			vm.push(NumberValue(-vm.pop().AsNumber()))

		case OpPrint:
			fmt.Fprintln(vm.Stdout, vm.pop())

		case OpJump:
			offset := readShort()
			frame.ip += offset

		case OpJumpIfFalse:
			offset := readShort()
			if vm.peek(0).IsFalsey() {
				frame.ip += offset
			}

		case OpLoop:
			offset := readShort()
			frame.ip -= offset

		case OpCall:
			argCount := int(readByte())
			if !vm.callValue(vm.peek(argCount), argCount) {
				return InterpretRuntimeError
			}
			frame = &vm.frames[vm.frameCount-1]

		case OpInvoke:
			name := readString()
			argCount := int(readByte())
			if !vm.invoke(name, argCount) {
				return InterpretRuntimeError
			}
			frame = &vm.frames[vm.frameCount-1]

		case OpSuperInvoke:
			name := readString()
			argCount := int(readByte())
			superclass := vm.pop().AsObj().(*ObjClass)
			if !vm.invokeFromClass(superclass, name, argCount) {
				return InterpretRuntimeError
			}
			frame = &vm.frames[vm.frameCount-1]

		case OpClosure:
			fn := readConstant().AsObj().(*ObjFunction)
			closure := vm.heap.NewClosure(fn)
			vm.push(ObjValue(closure))
			for i := range closure.Upvalues {
				isLocal := readByte()
				index := int(readByte())
				if isLocal == 1 {
					closure.Upvalues[i] = vm.captureUpvalue(frame.slots + index)
				} else {
					closure.Upvalues[i] = frame.closure.Upvalues[index]
				}
			}

		case OpCloseUpvalue:
			vm.closeUpvalues(vm.stackTop - 1)
			vm.pop()

		case OpReturn:
			result := vm.pop()
			vm.closeUpvalues(frame.slots)
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.pop()
				return InterpretOK
			}

			vm.stackTop = frame.slots
			vm.push(result)
			frame = &vm.frames[vm.frameCount-1]

		case OpClass:
			vm.push(ObjValue(vm.heap.NewClass(readString())))

		case OpInherit:
			superclass, ok := asClass(vm.peek(1))
			if !ok {
				return vm.runtimeError("Superclass must be a class.")
			}
			subclass := vm.peek(0).AsObj().(*ObjClass)
			subclass.Methods.AddAll(&superclass.Methods)
			vm.pop() // subclass

		case OpMethod:
			vm.defineMethod(readString())

		default:
			return vm.runtimeError("Unknown opcode 0x%02X.", byte(op))
		}
	}
}

// traceInstruction prints the stack and the instruction about to
// execute. Output goes to Stderr so it interleaves with diagnostics,
// not program output.
func (vm *VM) traceInstruction(frame *CallFrame) {
	fmt.Fprintf(vm.Stderr, "          ")
	for i := 0; i < vm.stackTop; i++ {
		fmt.Fprintf(vm.Stderr, "[ %s ]", vm.stack[i])
	}
	fmt.Fprintln(vm.Stderr)

	text, _ := DisassembleInstruction(&frame.closure.Function.Chunk, frame.ip)
	fmt.Fprintln(vm.Stderr, text)
}
