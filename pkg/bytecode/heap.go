package bytecode

import (
	"github.com/tliron/commonlog"
)

// ---------------------------------------------------------------------------
// Heap: allocation and tri-color mark-sweep collection
// ---------------------------------------------------------------------------

// RootSource supplies GC roots. The VM is a permanent root source; a
// running compiler registers itself on entry to Compile and deregisters
// on exit, so a collection triggered mid-compile traces the functions
// under construction.
type RootSource interface {
	MarkRoots(h *Heap)
}

// defaultNextGC is the allocation threshold for the first collection.
const defaultNextGC = 1024 * 1024

// defaultGrowFactor scales the next collection threshold from the bytes
// surviving the previous one.
const defaultGrowFactor = 2

// Estimated per-object footprints. Go will not tell us the exact heap
// cost of a cell, so accounting charges a fixed estimate per kind plus
// any variable payload; frees credit the same number back, which keeps
// the balance exact.
const (
	sizeString      = 40
	sizeFunction    = 112
	sizeNative      = 40
	sizeClosure     = 56
	sizeUpvalue     = 64
	sizeClass       = 72
	sizeInstance    = 72
	sizeBoundMethod = 56
	sizeUpvalueRef  = 8 // per upvalue pointer in a closure
)

// Heap owns every runtime object. All objects are threaded onto a
// single list from allocation until the sweep that frees them; the
// intern pool lives here too so the compiler and the VM share one
// string domain.
type Heap struct {
	objects        Obj
	bytesAllocated int
	nextGC         int

	// GrowFactor scales nextGC after each collection.
	GrowFactor int
	// Stress forces a collection on every allocation.
	Stress bool
	// LogStats promotes per-collection logging from debug to info.
	LogStats bool

	strings Table
	gray    []Obj
	roots   []RootSource

	log commonlog.Logger
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{
		nextGC:     defaultNextGC,
		GrowFactor: defaultGrowFactor,
		log:        commonlog.GetLogger("fern.gc"),
	}
}

// BytesAllocated returns the net bytes charged by live objects.
func (h *Heap) BytesAllocated() int { return h.bytesAllocated }

// NextGC returns the current collection threshold.
func (h *Heap) NextGC() int { return h.nextGC }

// AddRoot registers a root source.
func (h *Heap) AddRoot(r RootSource) {
	h.roots = append(h.roots, r)
}

// RemoveRoot deregisters a root source.
func (h *Heap) RemoveRoot(r RootSource) {
	for i, existing := range h.roots {
		if existing == r {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// allocate charges size bytes, collecting first if the threshold is
// crossed (or always, under stress), then links obj onto the object
// list. The collection happens before obj is linked, so a brand-new
// object can never be swept by the allocation that created it.
func (h *Heap) allocate(obj Obj, size int) {
	if h.Stress || h.bytesAllocated+size > h.nextGC {
		h.Collect()
	}

	hdr := obj.header()
	hdr.size = size
	hdr.next = h.objects
	h.objects = obj
	h.bytesAllocated += size
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// CopyString interns chars, returning the existing object when one with
// equal content is already live.
func (h *Heap) CopyString(chars string) *ObjString {
	hash := hashString(chars)
	if interned := h.strings.FindString(chars, hash); interned != nil {
		return interned
	}

	s := &ObjString{Chars: chars, Hash: hash}
	h.allocate(s, sizeString+len(chars))
	h.strings.Set(s, NilValue())
	return s
}

// NewFunction creates an empty function for the compiler to fill in.
func (h *Heap) NewFunction() *ObjFunction {
	fn := &ObjFunction{}
	h.allocate(fn, sizeFunction)
	return fn
}

// NewNative wraps a built-in function.
func (h *Heap) NewNative(fn NativeFn) *ObjNative {
	n := &ObjNative{Function: fn}
	h.allocate(n, sizeNative)
	return n
}

// NewClosure wraps a function with an (initially empty) upvalue array.
func (h *Heap) NewClosure(fn *ObjFunction) *ObjClosure {
	c := &ObjClosure{
		Function: fn,
		Upvalues: make([]*ObjUpvalue, fn.UpvalueCount),
	}
	h.allocate(c, sizeClosure+sizeUpvalueRef*fn.UpvalueCount)
	return c
}

// NewUpvalue creates an open upvalue observing the given stack slot.
func (h *Heap) NewUpvalue(slot int) *ObjUpvalue {
	u := &ObjUpvalue{Slot: slot}
	h.allocate(u, sizeUpvalue)
	return u
}

// NewClass creates a class with an empty method table.
func (h *Heap) NewClass(name *ObjString) *ObjClass {
	c := &ObjClass{Name: name}
	h.allocate(c, sizeClass)
	return c
}

// NewInstance creates an instance with an empty field table.
func (h *Heap) NewInstance(class *ObjClass) *ObjInstance {
	i := &ObjInstance{Class: class}
	h.allocate(i, sizeInstance)
	return i
}

// NewBoundMethod pairs a receiver with a method closure.
func (h *Heap) NewBoundMethod(receiver Value, method *ObjClosure) *ObjBoundMethod {
	b := &ObjBoundMethod{Receiver: receiver, Method: method}
	h.allocate(b, sizeBoundMethod)
	return b
}

// ---------------------------------------------------------------------------
// Marking
// ---------------------------------------------------------------------------

// MarkValue marks the object a value references, if any.
func (h *Heap) MarkValue(v Value) {
	if v.IsObj() {
		h.MarkObject(v.AsObj())
	}
}

// MarkObject grays an object. Marking is idempotent: an already-marked
// object is left alone, which is what terminates cycles.
func (h *Heap) MarkObject(o Obj) {
	if o == nil || o.header().marked {
		return
	}
	o.header().marked = true
	h.gray = append(h.gray, o)
}

// MarkTable marks every live key and value of a table.
func (h *Heap) MarkTable(t *Table) {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key != nil {
			h.MarkObject(entry.Key)
		}
		h.MarkValue(entry.Value)
	}
}

// blacken marks everything an object references. Together with the gray
// worklist this is the tri-color invariant: a black object never points
// at an unprocessed white one.
func (h *Heap) blacken(o Obj) {
	switch o := o.(type) {
	case *ObjString, *ObjNative:
		// No outgoing references.
	case *ObjUpvalue:
		h.MarkValue(o.Closed)
	case *ObjFunction:
		if o.Name != nil {
			h.MarkObject(o.Name)
		}
		for _, constant := range o.Chunk.Constants {
			h.MarkValue(constant)
		}
	case *ObjClosure:
		h.MarkObject(o.Function)
		for _, upvalue := range o.Upvalues {
			if upvalue != nil {
				h.MarkObject(upvalue)
			}
		}
	case *ObjClass:
		h.MarkObject(o.Name)
		h.MarkTable(&o.Methods)
	case *ObjInstance:
		h.MarkObject(o.Class)
		h.MarkTable(&o.Fields)
	case *ObjBoundMethod:
		h.MarkValue(o.Receiver)
		h.MarkObject(o.Method)
	}
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

// Collect runs a full mark-sweep cycle: mark roots from every
// registered source, trace the gray worklist to a fixpoint, prune dead
// keys from the intern table, then sweep the object list.
func (h *Heap) Collect() {
	before := h.bytesAllocated

	for _, r := range h.roots {
		r.MarkRoots(h)
	}
	h.traceReferences()
	h.strings.RemoveWhite()
	h.sweep()

	h.nextGC = h.bytesAllocated * h.GrowFactor

	if h.LogStats {
		h.log.Infof("collected %d bytes (from %d to %d), next at %d",
			before-h.bytesAllocated, before, h.bytesAllocated, h.nextGC)
	} else {
		h.log.Debugf("collected %d bytes (from %d to %d), next at %d",
			before-h.bytesAllocated, before, h.bytesAllocated, h.nextGC)
	}
}

func (h *Heap) traceReferences() {
	for len(h.gray) > 0 {
		obj := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.blacken(obj)
	}
}

// sweep unlinks and frees every unmarked object and clears the mark bit
// on survivors for the next cycle.
func (h *Heap) sweep() {
	var previous Obj
	object := h.objects

	for object != nil {
		hdr := object.header()
		if hdr.marked {
			hdr.marked = false
			previous = object
			object = hdr.next
			continue
		}

		unreached := object
		object = hdr.next
		if previous != nil {
			previous.header().next = object
		} else {
			h.objects = object
		}
		h.free(unreached)
	}
}

// free credits the object's bytes back and severs its references so the
// host garbage collector can reclaim the cell.
func (h *Heap) free(o Obj) {
	h.bytesAllocated -= o.header().size

	switch o := o.(type) {
	case *ObjString:
		o.Chars = ""
	case *ObjFunction:
		o.Chunk = Chunk{}
		o.Name = nil
	case *ObjNative:
		o.Function = nil
	case *ObjClosure:
		o.Function = nil
		o.Upvalues = nil
	case *ObjUpvalue:
		o.Closed = NilValue()
		o.Next = nil
	case *ObjClass:
		o.Name = nil
		o.Methods = Table{}
	case *ObjInstance:
		o.Class = nil
		o.Fields = Table{}
	case *ObjBoundMethod:
		o.Receiver = NilValue()
		o.Method = nil
	}
	o.header().next = nil
}

// FreeObjects releases every object on the heap, bringing the byte
// balance back to zero. Called when an interpreter shuts down.
func (h *Heap) FreeObjects() {
	object := h.objects
	for object != nil {
		next := object.header().next
		h.free(object)
		object = next
	}
	h.objects = nil
	h.strings = Table{}
	h.gray = nil
}
