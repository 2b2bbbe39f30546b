package bytecode

import (
	"bytes"
	"strings"
	"testing"
)

// testVM creates a VM with captured output streams.
func testVM() (*VM, *bytes.Buffer, *bytes.Buffer) {
	heap := NewHeap()
	vm := NewVM(heap)
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	vm.Stdout = out
	vm.Stderr = errOut
	return vm, out, errOut
}

// run interprets source and returns stdout, stderr, and the result.
func run(t *testing.T, source string) (string, string, InterpretResult) {
	t.Helper()
	vm, out, errOut := testVM()
	defer vm.Free()
	result := vm.Interpret(source)
	return out.String(), errOut.String(), result
}

// expectOutput asserts a clean run printing exactly the given lines.
func expectOutput(t *testing.T, source string, lines ...string) {
	t.Helper()
	out, errOut, result := run(t, source)
	if result != InterpretOK {
		t.Fatalf("result = %d, want OK\nstderr: %s", result, errOut)
	}
	want := ""
	if len(lines) > 0 {
		want = strings.Join(lines, "\n") + "\n"
	}
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

// expectRuntimeError asserts the run fails with a message containing
// want.
func expectRuntimeError(t *testing.T, source, want string) {
	t.Helper()
	_, errOut, result := run(t, source)
	if result != InterpretRuntimeError {
		t.Fatalf("result = %d, want runtime error", result)
	}
	if !strings.Contains(errOut, want) {
		t.Errorf("stderr = %q, want it to contain %q", errOut, want)
	}
}

// expectCompileError asserts compilation fails with a message
// containing want.
func expectCompileError(t *testing.T, source, want string) {
	t.Helper()
	_, errOut, result := run(t, source)
	if result != InterpretCompileError {
		t.Fatalf("result = %d, want compile error\nstderr: %s", result, errOut)
	}
	if !strings.Contains(errOut, want) {
		t.Errorf("stderr = %q, want it to contain %q", errOut, want)
	}
}

// ============ Expressions ============

func TestVMArithmetic(t *testing.T) {
	expectOutput(t, "print 1 + 2 * 3;", "7")
	expectOutput(t, "print (1 + 2) * 3;", "9")
	expectOutput(t, "print 10 - 4 / 2;", "8")
	expectOutput(t, "print -3 + 1;", "-2")
	expectOutput(t, "print 1 - 2 - 3;", "-4")
	expectOutput(t, "print 0.1 + 0.2;", "0.30000000000000004")
}

func TestVMComparison(t *testing.T) {
	expectOutput(t, "print 1 < 2;", "true")
	expectOutput(t, "print 2 <= 2;", "true")
	expectOutput(t, "print 1 > 2;", "false")
	expectOutput(t, "print 2 >= 3;", "false")
	expectOutput(t, "print 1 == 1;", "true")
	expectOutput(t, "print 1 != 1;", "false")
	expectOutput(t, "print nil == nil;", "true")
	expectOutput(t, "print nil == false;", "false")
	expectOutput(t, `print "a" == "a";`, "true")
	expectOutput(t, `print "a" == "b";`, "false")
}

func TestVMTruthiness(t *testing.T) {
	expectOutput(t, "print !nil;", "true")
	expectOutput(t, "print !false;", "true")
	expectOutput(t, "print !0;", "false")
	expectOutput(t, `print !"";`, "false")
	expectOutput(t, "print !!true;", "true")
}

func TestVMStringConcatenation(t *testing.T) {
	expectOutput(t, `var a = "hi"; var b = " there"; print a + b;`, "hi there")
	expectOutput(t, `print "a" + "b" + "c";`, "abc")
}

func TestVMShortCircuit(t *testing.T) {
	expectOutput(t, "print true and 1;", "1")
	expectOutput(t, "print false and 1;", "false")
	expectOutput(t, "print nil or 2;", "2")
	expectOutput(t, `print "x" or 2;`, "x")
	// The right side must not be evaluated at all.
	expectOutput(t, "var a = 1; false and (a = 2); print a;", "1")
	expectOutput(t, "var a = 1; true or (a = 2); print a;", "1")
}

func TestVMAssignmentIsAnExpression(t *testing.T) {
	expectOutput(t, "var a; var b; a = b = 3; print a; print b;", "3", "3")
	expectOutput(t, "var a; print a = 5;", "5")
}

// ============ Statements and control flow ============

func TestVMGlobals(t *testing.T) {
	expectOutput(t, "var a = 1; a = a + 1; print a;", "2")
	expectOutput(t, "var a; print a;", "nil")
}

func TestVMLateBoundGlobals(t *testing.T) {
	expectOutput(t, `
fun callLater() { return defined;  }
var defined = 7;
print callLater();`, "7")
}

func TestVMLocalsAndShadowing(t *testing.T) {
	expectOutput(t, `
var a = "global";
{
  var a = "outer";
  {
    var a = "inner";
    print a;
  }
  print a;
}
print a;`, "inner", "outer", "global")
}

func TestVMIfElse(t *testing.T) {
	expectOutput(t, `if (true) print "then"; else print "else";`, "then")
	expectOutput(t, `if (false) print "then"; else print "else";`, "else")
	expectOutput(t, `if (nil) print "then";`)
}

func TestVMWhile(t *testing.T) {
	expectOutput(t, `
var i = 0;
while (i < 3) {
  print i;
  i = i + 1;
}`, "0", "1", "2")
}

func TestVMFor(t *testing.T) {
	expectOutput(t, `
for (var i = 0; i < 3; i = i + 1) print i;`, "0", "1", "2")
	// Initializer and increment clauses are optional.
	expectOutput(t, `
var i = 0;
for (; i < 2;) {
  print i;
  i = i + 1;
}`, "0", "1")
	// The increment runs after each iteration.
	expectOutput(t, `
var log = "";
for (var i = 1; i <= 3; i = i + 1) log = log + "x";
print log;`, "xxx")
}

func TestVMFibonacci(t *testing.T) {
	expectOutput(t, `
fun fib(n) {
  if (n < 2) return n;
  return fib(n - 2) + fib(n - 1);
}
print fib(10);`, "55")
}

// ============ Functions and closures ============

func TestVMFunctionCall(t *testing.T) {
	expectOutput(t, `
fun add(a, b) { return a + b; }
print add(1, 2);`, "3")
	expectOutput(t, `
fun noReturn() {}
print noReturn();`, "nil")
	expectOutput(t, `fun f() {} print f;`, "<fn f>")
	expectOutput(t, `print clock() >= 0;`, "true")
}

func TestVMClosureCapturesValue(t *testing.T) {
	expectOutput(t, `
fun make(x) {
  fun get() { return x; }
  return get;
}
var g = make(42);
print g();`, "42")
}

func TestVMClosureMutatesCapture(t *testing.T) {
	expectOutput(t, `
fun outer() {
  var x = 1;
  fun inner() { x = x + 1; return x; }
  return inner;
}
var c = outer();
print c();
print c();
print c();`, "2", "3", "4")
}

func TestVMClosuresShareUpvalue(t *testing.T) {
	expectOutput(t, `
var set;
var get;
fun pair() {
  var shared = "initial";
  fun s(v) { shared = v; }
  fun g() { return shared; }
  set = s;
  get = g;
}
pair();
print get();
set("updated");
print get();`, "initial", "updated")
}

func TestVMUpvalueClosedAtBlockEnd(t *testing.T) {
	expectOutput(t, `
var f;
{
  var a = "captured";
  fun inner() { print a; }
  f = inner;
}
f();`, "captured")
}

func TestVMCounterPair(t *testing.T) {
	expectOutput(t, `
fun counter() {
  var n = 0;
  fun inc() { n = n + 1; return n; }
  return inc;
}
var a = counter();
var b = counter();
print a();
print a();
print b();`, "1", "2", "1")
}

// ============ Classes ============

func TestVMClassAndInstance(t *testing.T) {
	expectOutput(t, `
class Pair {}
var p = Pair();
p.first = 1;
p.second = 2;
print p.first + p.second;`, "3")
	expectOutput(t, `class Box {} print Box;`, "Box")
	expectOutput(t, `class Box {} print Box();`, "Box instance")
}

func TestVMMethods(t *testing.T) {
	expectOutput(t, `
class Greeter {
  greet(name) { return "hello " + name; }
}
print Greeter().greet("world");`, "hello world")
}

func TestVMThis(t *testing.T) {
	expectOutput(t, `
class C {
  init(n) { this.n = n; }
  sq() { return this.n * this.n; }
}
print C(6).sq();`, "36")
}

func TestVMBoundMethod(t *testing.T) {
	expectOutput(t, `
class C {
  init() { this.x = "bound"; }
  show() { print this.x; }
}
var m = C().show;
m();`, "bound")
}

func TestVMFieldShadowsMethod(t *testing.T) {
	expectOutput(t, `
class C {
  m() { return "method"; }
}
var c = C();
fun field() { return "field"; }
c.m = field;
print c.m();`, "field")
}

func TestVMInitializerReturnsThis(t *testing.T) {
	expectOutput(t, `
class C {
  init() { this.v = 1; return; }
}
print C().v;`, "1")
}

func TestVMInheritance(t *testing.T) {
	expectOutput(t, `
class A { greet() { print "A"; } }
class B < A { greet() { super.greet(); print "B"; } }
B().greet();`, "A", "B")
	expectOutput(t, `
class A { m() { return "inherited"; } }
class B < A {}
print B().m();`, "inherited")
}

func TestVMSuperInClosure(t *testing.T) {
	expectOutput(t, `
class A { m() { return "A.m"; } }
class B < A {
  m() {
    fun inner() { return super.m(); }
    return inner();
  }
}
print B().m();`, "A.m")
}

// ============ Runtime errors ============

func TestVMErrorAddMixed(t *testing.T) {
	expectRuntimeError(t, `print "a" + 1;`, "Operands must be two numbers or two strings.")
}

func TestVMErrorTraceSingleFrame(t *testing.T) {
	_, errOut, result := run(t, `print "a" + 1;`)
	if result != InterpretRuntimeError {
		t.Fatalf("result = %d, want runtime error", result)
	}
	if !strings.Contains(errOut, "[line 1] in script") {
		t.Errorf("stderr = %q, want single script frame", errOut)
	}
}

func TestVMErrorTraceNestedFrames(t *testing.T) {
	_, errOut, _ := run(t, `
fun a() { b(); }
fun b() { c(); }
fun c() { c("too many"); }
a();`)
	for _, want := range []string{"in c()", "in b()", "in a()", "in script"} {
		if !strings.Contains(errOut, want) {
			t.Errorf("stderr = %q, missing %q", errOut, want)
		}
	}
	// Innermost frame first.
	if strings.Index(errOut, "in c()") > strings.Index(errOut, "in script") {
		t.Errorf("stderr = %q, frames not innermost-first", errOut)
	}
}

func TestVMErrorArity(t *testing.T) {
	expectRuntimeError(t, `fun f() { return 1; } f(1);`, "Expected 0 arguments but got 1.")
	expectRuntimeError(t, `fun f(a, b) {} f(1);`, "Expected 2 arguments but got 1.")
	expectRuntimeError(t, `class C { init(a) {} } C();`, "Expected 1 arguments but got 0.")
	expectRuntimeError(t, `class C {} C(1);`, "Expected 0 arguments but got 1.")
}

func TestVMErrorUndefinedVariable(t *testing.T) {
	expectRuntimeError(t, "print missing;", "Undefined variable 'missing'.")
	expectRuntimeError(t, "missing = 1;", "Undefined variable 'missing'.")
	// At global scope the initializer reads the (not yet defined)
	// global, so the error is deferred to runtime.
	expectRuntimeError(t, "var a = a;", "Undefined variable 'a'.")
}

func TestVMSetGlobalRollsBackTransientEntry(t *testing.T) {
	// The failed assignment must not leave the name defined.
	vm, _, errOut := testVM()
	defer vm.Free()

	if result := vm.Interpret("ghost = 1;"); result != InterpretRuntimeError {
		t.Fatalf("result = %d, want runtime error", result)
	}
	errOut.Reset()
	if result := vm.Interpret("print ghost;"); result != InterpretRuntimeError {
		t.Fatalf("ghost is still defined after failed assignment")
	}
	if !strings.Contains(errOut.String(), "Undefined variable 'ghost'.") {
		t.Errorf("stderr = %q", errOut.String())
	}
}

func TestVMErrorOperands(t *testing.T) {
	expectRuntimeError(t, "print -true;", "Operand must be a number.")
	expectRuntimeError(t, "print 1 < nil;", "Operands must be numbers.")
	expectRuntimeError(t, `print "a" * 2;`, "Operands must be numbers.")
}

func TestVMErrorNotCallable(t *testing.T) {
	expectRuntimeError(t, "var x = 3; x();", "Can only call functions and classes.")
	expectRuntimeError(t, `"str"();`, "Can only call functions and classes.")
}

func TestVMErrorProperties(t *testing.T) {
	expectRuntimeError(t, "var x = 1; print x.field;", "Only instances have properties.")
	expectRuntimeError(t, "var x = 1; x.field = 2;", "Only instances have fields.")
	expectRuntimeError(t, "var x = 1; x.m();", "Only instances have methods.")
	expectRuntimeError(t, "class C {} print C().missing;", "Undefined property 'missing'.")
	expectRuntimeError(t, "class C {} C().missing();", "Undefined property 'missing'.")
}

func TestVMErrorSuperclassMustBeClass(t *testing.T) {
	expectRuntimeError(t, "var NotAClass = 1; class C < NotAClass {}", "Superclass must be a class.")
}

func TestVMErrorStackOverflow(t *testing.T) {
	expectRuntimeError(t, "fun f() { f(); } f();", "Stack overflow.")
}

// ============ Compile errors ============

func TestVMCompileErrors(t *testing.T) {
	expectCompileError(t, "{ var a = a; }", "Can't read local variable in its own initializer.")
	expectCompileError(t, "return 1;", "Can't return from top-level code.")
	expectCompileError(t, "class C { init() { return 1; } }", "Can't return a value from an initializer.")
	expectCompileError(t, "print this;", "Can't use 'this' outside of a class.")
	expectCompileError(t, "fun f() { return this; }", "Can't use 'this' outside of a class.")
	expectCompileError(t, "print super.m;", "Can't use 'super' outside of a class.")
	expectCompileError(t, "class C { m() { return super.m(); } }",
		"Can't use 'super' in a class with no superclass.")
	expectCompileError(t, "class C < C {}", "A class can't inherit from itself.")
	expectCompileError(t, "{ var a = 1; var a = 2; }", "Already a variable with this name in this scope.")
	expectCompileError(t, "1 + ;", "Expect expression.")
	expectCompileError(t, "var 1 = 2;", "Expect variable name.")
	expectCompileError(t, "1 = 2;", "Invalid assignment target.")
	expectCompileError(t, "a + b = c;", "Invalid assignment target.")
}

func TestVMCompileErrorFormat(t *testing.T) {
	_, errOut, result := run(t, "var a = ;")
	if result != InterpretCompileError {
		t.Fatalf("result = %d, want compile error", result)
	}
	if !strings.Contains(errOut, "[line 1] Error at ';': Expect expression.") {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestVMCompileErrorRecovery(t *testing.T) {
	// After a bad statement the compiler synchronizes and keeps going,
	// reporting later independent errors too.
	_, errOut, result := run(t, "var a = ;\nprint this;")
	if result != InterpretCompileError {
		t.Fatalf("result = %d, want compile error", result)
	}
	if !strings.Contains(errOut, "Expect expression.") ||
		!strings.Contains(errOut, "Can't use 'this' outside of a class.") {
		t.Errorf("stderr = %q, want both errors reported", errOut)
	}
}

// ============ Invariants ============

func TestVMStackBalanced(t *testing.T) {
	vm, _, _ := testVM()
	defer vm.Free()

	source := `
var a = 1;
{ var b = a + 1; print b; }
fun f(x) { return x; }
print f(a);
class C { init() { this.x = 1; } }
print C().x;`
	if result := vm.Interpret(source); result != InterpretOK {
		t.Fatalf("result = %d, want OK", result)
	}
	if vm.StackDepth() != 0 {
		t.Errorf("stack depth after script = %d, want 0", vm.StackDepth())
	}
}

func TestVMReplSessionKeepsGlobals(t *testing.T) {
	vm, out, _ := testVM()
	defer vm.Free()

	vm.Interpret("var x = 10;")
	vm.Interpret("print x + 5;")
	if out.String() != "15\n" {
		t.Errorf("output = %q, want %q", out.String(), "15\n")
	}
}
