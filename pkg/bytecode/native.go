package bytecode

import "time"

// ---------------------------------------------------------------------------
// Native functions
// ---------------------------------------------------------------------------

// DefineNative registers a built-in function under name. Name and
// wrapper are pushed while the global is installed so a collection
// triggered by either allocation cannot free the other.
func (vm *VM) DefineNative(name string, fn NativeFn) {
	vm.push(ObjValue(vm.heap.CopyString(name)))
	vm.push(ObjValue(vm.heap.NewNative(fn)))
	vm.globals.Set(vm.peek(1).AsString(), vm.peek(0))
	vm.pop()
	vm.pop()
}

// registerNatives installs the built-in functions on a fresh VM.
func registerNatives(vm *VM) {
	vm.DefineNative("clock", func(argCount int, args []Value) Value {
		return NumberValue(time.Since(vm.startTime).Seconds())
	})
}
