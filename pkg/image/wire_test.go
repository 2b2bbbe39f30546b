package image

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fernlang/fern/pkg/bytecode"
)

// compileProgram compiles source on a fresh heap.
func compileProgram(t *testing.T, heap *bytecode.Heap, source string) *bytecode.ObjFunction {
	t.Helper()
	var errOut strings.Builder
	fn := bytecode.Compile(heap, source, &errOut)
	if fn == nil {
		t.Fatalf("compile error: %s", errOut.String())
	}
	return fn
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	source := `
fun greet(name) { return "hello " + name; }
print greet("image");`

	heap := bytecode.NewHeap()
	fn := compileProgram(t, heap, source)

	data, err := EncodeProgram(fn)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, ImageMagic) {
		t.Errorf("image does not start with magic: % x", data[:8])
	}

	// Decode into a different interpreter and run it.
	heap2 := bytecode.NewHeap()
	vm := bytecode.NewVM(heap2)
	var out, errOut bytes.Buffer
	vm.Stdout = &out
	vm.Stderr = &errOut

	decoded, err := DecodeProgram(data, heap2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result := vm.Run(decoded); result != bytecode.InterpretOK {
		t.Fatalf("decoded program failed: %s", errOut.String())
	}
	if out.String() != "hello image\n" {
		t.Errorf("output = %q, want %q", out.String(), "hello image\n")
	}
}

func TestEncodeDecodePreservesStructure(t *testing.T) {
	source := `
fun outer() {
  var x = 1;
  fun inner() { return x; }
  return inner;
}
var f = outer();
print f();`

	heap := bytecode.NewHeap()
	fn := compileProgram(t, heap, source)

	data, err := EncodeProgram(fn)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	heap2 := bytecode.NewHeap()
	decoded, err := DecodeProgram(data, heap2)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !bytes.Equal(decoded.Chunk.Code, fn.Chunk.Code) {
		t.Error("top-level code differs after round trip")
	}
	if len(decoded.Chunk.Constants) != len(fn.Chunk.Constants) {
		t.Errorf("constant count = %d, want %d",
			len(decoded.Chunk.Constants), len(fn.Chunk.Constants))
	}
	if len(decoded.Chunk.Lines) != len(decoded.Chunk.Code) {
		t.Error("line array out of step with code after decode")
	}

	// Upvalue metadata survives on the nested function.
	vm := bytecode.NewVM(heap2)
	var out bytes.Buffer
	vm.Stdout = &out
	vm.Stderr = &out
	if result := vm.Run(decoded); result != bytecode.InterpretOK {
		t.Fatalf("decoded closure program failed: %s", out.String())
	}
	if out.String() != "1\n" {
		t.Errorf("output = %q, want %q", out.String(), "1\n")
	}
}

func TestEncodeIsCanonical(t *testing.T) {
	source := "print 1 + 2;"

	heapA := bytecode.NewHeap()
	heapB := bytecode.NewHeap()
	a, err := EncodeProgram(compileProgram(t, heapA, source))
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeProgram(compileProgram(t, heapB, source))
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(a, b) {
		t.Error("equal programs encoded to different images")
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	heap := bytecode.NewHeap()

	if _, err := DecodeProgram([]byte{1, 2}, heap); err == nil {
		t.Error("short input accepted")
	}

	if _, err := DecodeProgram([]byte("XXXX\x00\x01garbage"), heap); err == nil {
		t.Error("bad magic accepted")
	}

	// Future version.
	bad := append([]byte{}, ImageMagic...)
	bad = append(bad, 0xFF, 0xFF)
	if _, err := DecodeProgram(bad, heap); err == nil {
		t.Error("future version accepted")
	}
}

func TestDecodeUnderStressGC(t *testing.T) {
	source := `
class Greeter {
  init(who) { this.who = who; }
  greet() { return "hi " + this.who; }
}
print Greeter("gc").greet();`

	heap := bytecode.NewHeap()
	data, err := EncodeProgram(compileProgram(t, heap, source))
	if err != nil {
		t.Fatal(err)
	}

	// Decoding allocates a function tree; stress mode collects at every
	// allocation, so any unpinned intermediate would be freed.
	heap2 := bytecode.NewHeap()
	heap2.Stress = true
	vm := bytecode.NewVM(heap2)
	var out, errOut bytes.Buffer
	vm.Stdout = &out
	vm.Stderr = &errOut

	decoded, err := DecodeProgram(data, heap2)
	if err != nil {
		t.Fatalf("decode under stress: %v", err)
	}
	if result := vm.Run(decoded); result != bytecode.InterpretOK {
		t.Fatalf("decoded program failed under stress: %s", errOut.String())
	}
	if out.String() != "hi gc\n" {
		t.Errorf("output = %q, want %q", out.String(), "hi gc\n")
	}
}
