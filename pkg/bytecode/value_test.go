package bytecode

import "testing"

func TestValueEquality(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"nil == nil", NilValue(), NilValue(), true},
		{"nil != false", NilValue(), BoolValue(false), false},
		{"true == true", BoolValue(true), BoolValue(true), true},
		{"true != false", BoolValue(true), BoolValue(false), false},
		{"1 == 1", NumberValue(1), NumberValue(1), true},
		{"1 != 2", NumberValue(1), NumberValue(2), false},
		{"0 != false", NumberValue(0), BoolValue(false), false},
	}

	for _, tt := range tests {
		if got := tt.a.Equals(tt.b); got != tt.want {
			t.Errorf("%s: Equals = %v, want %v", tt.name, got, tt.want)
		}
		// Symmetry
		if got := tt.b.Equals(tt.a); got != tt.want {
			t.Errorf("%s (flipped): Equals = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestValueObjectIdentity(t *testing.T) {
	heap := NewHeap()

	a := ObjValue(heap.CopyString("same"))
	b := ObjValue(heap.CopyString("same"))
	if !a.Equals(b) {
		t.Error("interned equal-content strings compare unequal")
	}

	f1 := ObjValue(heap.NewFunction())
	f2 := ObjValue(heap.NewFunction())
	if f1.Equals(f2) {
		t.Error("distinct objects compare equal")
	}
	if !f1.Equals(f1) {
		t.Error("object not equal to itself")
	}
}

func TestValueTruthiness(t *testing.T) {
	heap := NewHeap()

	falsey := []Value{NilValue(), BoolValue(false)}
	truthy := []Value{
		BoolValue(true),
		NumberValue(0),
		NumberValue(-1),
		ObjValue(heap.CopyString("")),
	}

	for _, v := range falsey {
		if !v.IsFalsey() {
			t.Errorf("%s should be falsey", v)
		}
	}
	for _, v := range truthy {
		if v.IsFalsey() {
			t.Errorf("%s should be truthy", v)
		}
	}
}

func TestValueString(t *testing.T) {
	heap := NewHeap()

	fn := heap.NewFunction()
	fn.Name = heap.CopyString("work")
	script := heap.NewFunction()
	class := heap.NewClass(heap.CopyString("Widget"))

	tests := []struct {
		value Value
		want  string
	}{
		{NilValue(), "nil"},
		{BoolValue(true), "true"},
		{BoolValue(false), "false"},
		{NumberValue(7), "7"},
		{NumberValue(2.5), "2.5"},
		{NumberValue(-0.5), "-0.5"},
		{ObjValue(heap.CopyString("text")), "text"},
		{ObjValue(fn), "<fn work>"},
		{ObjValue(script), "<script>"},
		{ObjValue(heap.NewNative(nil)), "<native fn>"},
		{ObjValue(class), "Widget"},
		{ObjValue(heap.NewInstance(class)), "Widget instance"},
	}

	for _, tt := range tests {
		if got := tt.value.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestHashStringFNV1a(t *testing.T) {
	// Known FNV-1a 32-bit vectors.
	if h := hashString(""); h != 2166136261 {
		t.Errorf(`hash("") = %d, want 2166136261`, h)
	}
	if h := hashString("a"); h != 0xe40c292c {
		t.Errorf(`hash("a") = %#x, want 0xe40c292c`, h)
	}
	if hashString("ab") == hashString("ba") {
		t.Error("trivially colliding hash")
	}
}
