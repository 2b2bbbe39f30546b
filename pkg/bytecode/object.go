package bytecode

import "fmt"

// ---------------------------------------------------------------------------
// Heap objects
// ---------------------------------------------------------------------------

// Obj is the common interface of all heap objects. Every object embeds
// an ObjHeader, which threads it onto the heap's object list and carries
// the collector's mark bit.
type Obj interface {
	header() *ObjHeader
}

// ObjHeader is the bookkeeping prefix shared by all heap objects.
type ObjHeader struct {
	marked bool
	next   Obj
	size   int // bytes charged to the heap at allocation time
}

func (h *ObjHeader) header() *ObjHeader { return h }

// ObjString is an interned immutable string. Two ObjStrings with equal
// content are always the same object, so identity comparison suffices.
type ObjString struct {
	ObjHeader
	Chars string
	Hash  uint32
}

// ObjFunction is a compiled function: its bytecode plus call metadata.
// Functions are created by the compiler and do not capture anything
// themselves; the VM wraps them in closures before calling.
type ObjFunction struct {
	ObjHeader
	Arity        int
	UpvalueCount int
	Chunk        Chunk
	Name         *ObjString // nil for the top-level script
}

// NativeFn is the signature of built-in functions. args is a view of
// the VM stack and must not be retained.
type NativeFn func(argCount int, args []Value) Value

// ObjNative wraps a built-in function.
type ObjNative struct {
	ObjHeader
	Function NativeFn
}

// ObjClosure pairs a function with the upvalues it captured.
type ObjClosure struct {
	ObjHeader
	Function *ObjFunction
	Upvalues []*ObjUpvalue
}

// ObjUpvalue is the indirection cell for a captured variable. While the
// declaring frame is live the upvalue is "open": Slot indexes the VM
// value stack. Closing copies the value into Closed and sets Slot to -1,
// after which the upvalue owns its storage. Open upvalues form an
// intrusive list sorted by descending Slot.
type ObjUpvalue struct {
	ObjHeader
	Slot   int // stack slot index while open; -1 once closed
	Closed Value
	Next   *ObjUpvalue // next open upvalue (lower slot)
}

// IsClosed reports whether the upvalue owns its value.
func (u *ObjUpvalue) IsClosed() bool { return u.Slot < 0 }

// ObjClass is a runtime class: a name and a method table mapping
// interned selector strings to closures.
type ObjClass struct {
	ObjHeader
	Name    *ObjString
	Methods Table
}

// ObjInstance is an instance of a class with its own field table.
type ObjInstance struct {
	ObjHeader
	Class  *ObjClass
	Fields Table
}

// ObjBoundMethod pairs a receiver with a method closure, so the method
// can be passed around as a first-class value and still see `this`.
type ObjBoundMethod struct {
	ObjHeader
	Receiver Value
	Method   *ObjClosure
}

// objString renders an object the way the print statement does.
func objString(o Obj) string {
	switch o := o.(type) {
	case *ObjString:
		return o.Chars
	case *ObjFunction:
		return functionName(o)
	case *ObjNative:
		return "<native fn>"
	case *ObjClosure:
		return functionName(o.Function)
	case *ObjUpvalue:
		return "upvalue"
	case *ObjClass:
		return o.Name.Chars
	case *ObjInstance:
		return o.Class.Name.Chars + " instance"
	case *ObjBoundMethod:
		return functionName(o.Method.Function)
	default:
		return fmt.Sprintf("<obj %T>", o)
	}
}

func functionName(fn *ObjFunction) string {
	if fn.Name == nil {
		return "<script>"
	}
	return "<fn " + fn.Name.Chars + ">"
}

// hashString computes the FNV-1a hash used by the intern table.
func hashString(s string) uint32 {
	var hash uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		hash ^= uint32(s[i])
		hash *= 16777619
	}
	return hash
}
