package bytecode

import (
	"fmt"
	"io"
	"strconv"

	"github.com/fernlang/fern/compiler"
)

// ---------------------------------------------------------------------------
// Compiler: single-pass Pratt parser emitting bytecode
// ---------------------------------------------------------------------------

// Compile-time limits. Most follow from one-byte operands.
const (
	maxLocals    = 256
	maxUpvalues  = 256
	maxConstants = 256
	maxParams    = 255
	maxArgs      = 255
	maxJump      = 0xFFFF
)

// FunctionType tags what kind of body a function compiler is emitting.
type FunctionType int

const (
	// FuncScript is the implicit top-level function.
	FuncScript FunctionType = iota
	// FuncFunction is a plain fun declaration.
	FuncFunction
	// FuncMethod is a class method.
	FuncMethod
	// FuncInitializer is the init method; returns `this` implicitly.
	FuncInitializer
)

// Precedence levels, low to high. Parsing at level P consumes operators
// of precedence >= P.
type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! -
	precCall                  // . ()
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// local is a declared local variable. depth is -1 while its initializer
// is being compiled, which is what rejects `var a = a;`.
type local struct {
	name       compiler.Token
	depth      int
	isCaptured bool
}

// upvalueDesc records how a function reaches one captured variable:
// either a local slot of the immediately enclosing function, or an
// upvalue index of it.
type upvalueDesc struct {
	index   byte
	isLocal bool
}

// funcCompiler is the per-function compilation state. Nested function
// declarations push a new one linked through enclosing; upvalue
// resolution walks that chain.
type funcCompiler struct {
	enclosing  *funcCompiler
	function   *ObjFunction
	funcType   FunctionType
	locals     [maxLocals]local
	localCount int
	upvalues   [maxUpvalues]upvalueDesc
	scopeDepth int
}

// classCompiler tracks the innermost class being compiled, for
// this/super validation.
type classCompiler struct {
	enclosing     *classCompiler
	hasSuperclass bool
}

// Compiler drives a compilation: token window, error state, and the
// chain of function compilers. It is a GC root source while running, so
// a collection triggered by an allocation mid-compile traces every
// function under construction.
type Compiler struct {
	heap  *Heap
	lexer *compiler.Lexer

	current  compiler.Token
	previous compiler.Token

	hadError  bool
	panicMode bool
	stderr    io.Writer

	fc    *funcCompiler
	class *classCompiler
}

// MarkRoots marks the functions on the enclosing-compiler chain.
func (c *Compiler) MarkRoots(h *Heap) {
	for fc := c.fc; fc != nil; fc = fc.enclosing {
		h.MarkObject(fc.function)
	}
}

// Compile compiles source to a top-level function. It returns nil if
// any compile error was reported; diagnostics go to stderr as they are
// found.
func Compile(heap *Heap, source string, stderr io.Writer) *ObjFunction {
	c := &Compiler{
		heap:   heap,
		lexer:  compiler.NewLexer(source),
		stderr: stderr,
	}
	heap.AddRoot(c)
	defer heap.RemoveRoot(c)

	c.beginFunction(FuncScript)

	c.advance()
	for !c.match(compiler.TokenEOF) {
		c.declaration()
	}

	fn := c.endFunction()
	if c.hadError {
		return nil
	}
	return fn
}

// ---------------------------------------------------------------------------
// Function compiler lifecycle
// ---------------------------------------------------------------------------

func (c *Compiler) beginFunction(funcType FunctionType) {
	fc := &funcCompiler{
		enclosing: c.fc,
		function:  c.heap.NewFunction(),
		funcType:  funcType,
	}
	c.fc = fc

	if funcType != FuncScript {
		fc.function.Name = c.heap.CopyString(c.previous.Lexeme)
	}

	// Slot 0 is reserved for the callee: `this` inside methods and
	// initializers, unnamed otherwise.
	slot := &fc.locals[fc.localCount]
	fc.localCount++
	slot.depth = 0
	if funcType == FuncMethod || funcType == FuncInitializer {
		slot.name = compiler.Token{Type: compiler.TokenThis, Lexeme: "this"}
	}
}

func (c *Compiler) endFunction() *ObjFunction {
	c.emitReturn()
	fn := c.fc.function
	c.fc = c.fc.enclosing
	return fn
}

func (c *Compiler) beginScope() {
	c.fc.scopeDepth++
}

// endScope discards the scope's locals in reverse declaration order,
// closing any that were captured.
func (c *Compiler) endScope() {
	fc := c.fc
	fc.scopeDepth--

	for fc.localCount > 0 && fc.locals[fc.localCount-1].depth > fc.scopeDepth {
		if fc.locals[fc.localCount-1].isCaptured {
			c.emitOp(OpCloseUpvalue)
		} else {
			c.emitOp(OpPop)
		}
		fc.localCount--
	}
}

// ---------------------------------------------------------------------------
// Token plumbing and error reporting
// ---------------------------------------------------------------------------

func (c *Compiler) advance() {
	c.previous = c.current
	for {
		c.current = c.lexer.NextToken()
		if c.current.Type != compiler.TokenError {
			break
		}
		c.errorAtCurrent(c.current.Lexeme)
	}
}

func (c *Compiler) consume(t compiler.TokenType, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.errorAtCurrent(message)
}

func (c *Compiler) check(t compiler.TokenType) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t compiler.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

func (c *Compiler) errorAtCurrent(message string) {
	c.errorAt(c.current, message)
}

func (c *Compiler) error(message string) {
	c.errorAt(c.previous, message)
}

func (c *Compiler) errorAt(token compiler.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	fmt.Fprintf(c.stderr, "[line %d] Error", token.Line)
	switch token.Type {
	case compiler.TokenEOF:
		fmt.Fprintf(c.stderr, " at end")
	case compiler.TokenError:
		// The lexeme is the scanner's message; nothing to quote.
	default:
		fmt.Fprintf(c.stderr, " at '%s'", token.Lexeme)
	}
	fmt.Fprintf(c.stderr, ": %s\n", message)

	c.hadError = true
}

// synchronize skips tokens until a statement boundary so one parse
// error does not cascade.
func (c *Compiler) synchronize() {
	c.panicMode = false

	for c.current.Type != compiler.TokenEOF {
		if c.previous.Type == compiler.TokenSemicolon {
			return
		}
		switch c.current.Type {
		case compiler.TokenClass, compiler.TokenFun, compiler.TokenVar,
			compiler.TokenFor, compiler.TokenIf, compiler.TokenWhile,
			compiler.TokenPrint, compiler.TokenReturn:
			return
		}
		c.advance()
	}
}

// ---------------------------------------------------------------------------
// Emission
// ---------------------------------------------------------------------------

func (c *Compiler) currentChunk() *Chunk {
	return &c.fc.function.Chunk
}

func (c *Compiler) emitByte(b byte) {
	c.currentChunk().Write(b, c.previous.Line)
}

func (c *Compiler) emitOp(op Opcode) {
	c.emitByte(byte(op))
}

func (c *Compiler) emitOps(op1, op2 Opcode) {
	c.emitOp(op1)
	c.emitOp(op2)
}

func (c *Compiler) emitOpByte(op Opcode, operand byte) {
	c.emitOp(op)
	c.emitByte(operand)
}

// emitReturn emits the implicit return for falling off a body's end:
// `this` for initializers, nil otherwise.
func (c *Compiler) emitReturn() {
	if c.fc.funcType == FuncInitializer {
		c.emitOpByte(OpGetLocal, 0)
	} else {
		c.emitOp(OpNil)
	}
	c.emitOp(OpReturn)
}

func (c *Compiler) makeConstant(value Value) byte {
	index := c.currentChunk().AddConstant(value)
	if index >= maxConstants {
		c.error("Too many constants in one chunk.")
		return 0
	}
	return byte(index)
}

func (c *Compiler) emitConstant(value Value) {
	c.emitOpByte(OpConstant, c.makeConstant(value))
}

// emitJump emits a forward jump with placeholder offset bytes and
// returns the offset of the placeholder for patchJump.
func (c *Compiler) emitJump(op Opcode) int {
	c.emitOp(op)
	c.emitByte(0xFF)
	c.emitByte(0xFF)
	return len(c.currentChunk().Code) - 2
}

// patchJump back-fills a placeholder to jump to the current position.
func (c *Compiler) patchJump(offset int) {
	chunk := c.currentChunk()
	// -2 adjusts for the offset bytes themselves.
	jump := len(chunk.Code) - offset - 2
	if jump > maxJump {
		c.error("Too much code to jump over.")
	}
	chunk.Code[offset] = byte(jump >> 8)
	chunk.Code[offset+1] = byte(jump)
}

func (c *Compiler) emitLoop(loopStart int) {
	c.emitOp(OpLoop)

	offset := len(c.currentChunk().Code) - loopStart + 2
	if offset > maxJump {
		c.error("Loop body too large.")
	}

	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

// ---------------------------------------------------------------------------
// Declarations and statements
// ---------------------------------------------------------------------------

func (c *Compiler) declaration() {
	switch {
	case c.match(compiler.TokenClass):
		c.classDeclaration()
	case c.match(compiler.TokenFun):
		c.funDeclaration()
	case c.match(compiler.TokenVar):
		c.varDeclaration()
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

func (c *Compiler) statement() {
	switch {
	case c.match(compiler.TokenPrint):
		c.printStatement()
	case c.match(compiler.TokenFor):
		c.forStatement()
	case c.match(compiler.TokenIf):
		c.ifStatement()
	case c.match(compiler.TokenReturn):
		c.returnStatement()
	case c.match(compiler.TokenWhile):
		c.whileStatement()
	case c.match(compiler.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) block() {
	for !c.check(compiler.TokenRightBrace) && !c.check(compiler.TokenEOF) {
		c.declaration()
	}
	c.consume(compiler.TokenRightBrace, "Expect '}' after block.")
}

func (c *Compiler) varDeclaration() {
	global := c.parseVariable("Expect variable name.")

	if c.match(compiler.TokenEqual) {
		c.expression()
	} else {
		c.emitOp(OpNil)
	}
	c.consume(compiler.TokenSemicolon, "Expect ';' after variable declaration.")

	c.defineVariable(global)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.consume(compiler.TokenSemicolon, "Expect ';' after expression.")
	c.emitOp(OpPop)
}

func (c *Compiler) printStatement() {
	c.expression()
	c.consume(compiler.TokenSemicolon, "Expect ';' after value.")
	c.emitOp(OpPrint)
}

func (c *Compiler) returnStatement() {
	if c.fc.funcType == FuncScript {
		c.error("Can't return from top-level code.")
	}

	if c.match(compiler.TokenSemicolon) {
		c.emitReturn()
		return
	}

	if c.fc.funcType == FuncInitializer {
		c.error("Can't return a value from an initializer.")
	}
	c.expression()
	c.consume(compiler.TokenSemicolon, "Expect ';' after return value.")
	c.emitOp(OpReturn)
}

func (c *Compiler) ifStatement() {
	c.consume(compiler.TokenLeftParen, "Expect '(' after 'if'.")
	c.expression()
	c.consume(compiler.TokenRightParen, "Expect ')' after condition.")

	thenJump := c.emitJump(OpJumpIfFalse)
	c.emitOp(OpPop)
	c.statement()

	elseJump := c.emitJump(OpJump)
	c.patchJump(thenJump)
	c.emitOp(OpPop)

	if c.match(compiler.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := len(c.currentChunk().Code)
	c.consume(compiler.TokenLeftParen, "Expect '(' after 'while'.")
	c.expression()
	c.consume(compiler.TokenRightParen, "Expect ')' after condition.")

	exitJump := c.emitJump(OpJumpIfFalse)
	c.emitOp(OpPop)
	c.statement()
	c.emitLoop(loopStart)

	c.patchJump(exitJump)
	c.emitOp(OpPop)
}

// forStatement desugars to while with an optional initializer scope,
// condition, and increment clause that runs after the body.
func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(compiler.TokenLeftParen, "Expect '(' after 'for'.")

	switch {
	case c.match(compiler.TokenSemicolon):
		// No initializer.
	case c.match(compiler.TokenVar):
		c.varDeclaration()
	default:
		c.expressionStatement()
	}

	loopStart := len(c.currentChunk().Code)
	exitJump := -1
	if !c.match(compiler.TokenSemicolon) {
		c.expression()
		c.consume(compiler.TokenSemicolon, "Expect ';' after loop condition.")

		exitJump = c.emitJump(OpJumpIfFalse)
		c.emitOp(OpPop)
	}

	if !c.match(compiler.TokenRightParen) {
		bodyJump := c.emitJump(OpJump)
		incrementStart := len(c.currentChunk().Code)
		c.expression()
		c.emitOp(OpPop)
		c.consume(compiler.TokenRightParen, "Expect ')' after for clauses.")

		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(OpPop)
	}

	c.endScope()
}

func (c *Compiler) funDeclaration() {
	global := c.parseVariable("Expect function name.")
	// A function may refer to itself; it is initialized before its body
	// compiles.
	c.markInitialized()
	c.function(FuncFunction)
	c.defineVariable(global)
}

// function compiles a parameter list and body as a nested function and
// emits the OP_CLOSURE that materializes it at runtime.
func (c *Compiler) function(funcType FunctionType) {
	c.beginFunction(funcType)
	c.beginScope()

	c.consume(compiler.TokenLeftParen, "Expect '(' after function name.")
	if !c.check(compiler.TokenRightParen) {
		for {
			c.fc.function.Arity++
			if c.fc.function.Arity > maxParams {
				c.errorAtCurrent("Can't have more than 255 parameters.")
			}
			constant := c.parseVariable("Expect parameter name.")
			c.defineVariable(constant)
			if !c.match(compiler.TokenComma) {
				break
			}
		}
	}
	c.consume(compiler.TokenRightParen, "Expect ')' after parameters.")
	c.consume(compiler.TokenLeftBrace, "Expect '{' before function body.")
	c.block()

	fc := c.fc
	fn := c.endFunction()
	c.emitOpByte(OpClosure, c.makeConstant(ObjValue(fn)))

	// Two operand bytes per upvalue tell the VM where each captured
	// variable lives relative to the enclosing frame.
	for i := 0; i < fn.UpvalueCount; i++ {
		isLocal := byte(0)
		if fc.upvalues[i].isLocal {
			isLocal = 1
		}
		c.emitByte(isLocal)
		c.emitByte(fc.upvalues[i].index)
	}
}

func (c *Compiler) classDeclaration() {
	c.consume(compiler.TokenIdentifier, "Expect class name.")
	className := c.previous
	nameConstant := c.identifierConstant(c.previous)
	c.declareVariable()

	c.emitOpByte(OpClass, nameConstant)
	c.defineVariable(nameConstant)

	cc := &classCompiler{enclosing: c.class}
	c.class = cc

	if c.match(compiler.TokenLess) {
		c.consume(compiler.TokenIdentifier, "Expect superclass name.")
		c.variable(false)

		if identifiersEqual(className, c.previous) {
			c.error("A class can't inherit from itself.")
		}

		// Bind the superclass to a synthetic `super` local in a scope
		// surrounding the methods, so closures can capture it.
		c.beginScope()
		c.addLocal(syntheticToken("super"))
		c.defineVariable(0)

		c.namedVariable(className, false)
		c.emitOp(OpInherit)
		cc.hasSuperclass = true
	}

	c.namedVariable(className, false)
	c.consume(compiler.TokenLeftBrace, "Expect '{' before class body.")
	for !c.check(compiler.TokenRightBrace) && !c.check(compiler.TokenEOF) {
		c.method()
	}
	c.consume(compiler.TokenRightBrace, "Expect '}' after class body.")
	c.emitOp(OpPop)

	if cc.hasSuperclass {
		c.endScope()
	}

	c.class = cc.enclosing
}

func (c *Compiler) method() {
	c.consume(compiler.TokenIdentifier, "Expect method name.")
	constant := c.identifierConstant(c.previous)

	funcType := FuncMethod
	if c.previous.Lexeme == "init" {
		funcType = FuncInitializer
	}
	c.function(funcType)

	c.emitOpByte(OpMethod, constant)
}

// ---------------------------------------------------------------------------
// Variables: declaration, resolution, capture
// ---------------------------------------------------------------------------

// parseVariable consumes an identifier and declares it. At global scope
// it returns the name's constant index; at local scope the name lives
// in the compiler only and the return is unused.
func (c *Compiler) parseVariable(message string) byte {
	c.consume(compiler.TokenIdentifier, message)

	c.declareVariable()
	if c.fc.scopeDepth > 0 {
		return 0
	}

	return c.identifierConstant(c.previous)
}

func (c *Compiler) identifierConstant(name compiler.Token) byte {
	return c.makeConstant(ObjValue(c.heap.CopyString(name.Lexeme)))
}

func identifiersEqual(a, b compiler.Token) bool {
	return a.Lexeme == b.Lexeme
}

// declareVariable records a local in the current scope. Globals are
// late-bound and need no declaration.
func (c *Compiler) declareVariable() {
	if c.fc.scopeDepth == 0 {
		return
	}

	name := c.previous
	for i := c.fc.localCount - 1; i >= 0; i-- {
		l := &c.fc.locals[i]
		if l.depth != -1 && l.depth < c.fc.scopeDepth {
			break
		}
		if identifiersEqual(name, l.name) {
			c.error("Already a variable with this name in this scope.")
		}
	}

	c.addLocal(name)
}

func (c *Compiler) addLocal(name compiler.Token) {
	if c.fc.localCount == maxLocals {
		c.error("Too many local variables in function.")
		return
	}

	l := &c.fc.locals[c.fc.localCount]
	c.fc.localCount++
	l.name = name
	l.depth = -1 // uninitialized until the initializer finishes
	l.isCaptured = false
}

func (c *Compiler) markInitialized() {
	if c.fc.scopeDepth == 0 {
		return
	}
	c.fc.locals[c.fc.localCount-1].depth = c.fc.scopeDepth
}

func (c *Compiler) defineVariable(global byte) {
	if c.fc.scopeDepth > 0 {
		c.markInitialized()
		return
	}
	c.emitOpByte(OpDefineGlobal, global)
}

// resolveLocal scans newest to oldest so shadowing finds the inner
// declaration first.
func (c *Compiler) resolveLocal(fc *funcCompiler, name compiler.Token) int {
	for i := fc.localCount - 1; i >= 0; i-- {
		l := &fc.locals[i]
		if identifiersEqual(name, l.name) {
			if l.depth == -1 {
				c.error("Can't read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// resolveUpvalue resolves name in fc's enclosing functions: as a direct
// local of the parent (which is then marked captured), or transitively
// as an upvalue of the parent. Returns -1 if the name must be global.
func (c *Compiler) resolveUpvalue(fc *funcCompiler, name compiler.Token) int {
	if fc.enclosing == nil {
		return -1
	}

	if localIndex := c.resolveLocal(fc.enclosing, name); localIndex != -1 {
		fc.enclosing.locals[localIndex].isCaptured = true
		return c.addUpvalue(fc, byte(localIndex), true)
	}

	if upvalueIndex := c.resolveUpvalue(fc.enclosing, name); upvalueIndex != -1 {
		return c.addUpvalue(fc, byte(upvalueIndex), false)
	}

	return -1
}

// addUpvalue appends an upvalue descriptor, reusing an existing one for
// the same (index, isLocal) pair so a function closing over a variable
// twice still shares one runtime upvalue.
func (c *Compiler) addUpvalue(fc *funcCompiler, index byte, isLocal bool) int {
	count := fc.function.UpvalueCount

	for i := 0; i < count; i++ {
		upvalue := &fc.upvalues[i]
		if upvalue.index == index && upvalue.isLocal == isLocal {
			return i
		}
	}

	if count == maxUpvalues {
		c.error("Too many closure variables in function.")
		return 0
	}

	fc.upvalues[count] = upvalueDesc{index: index, isLocal: isLocal}
	fc.function.UpvalueCount++
	return count
}

// namedVariable emits the get or set for an identifier, choosing the
// local, upvalue, or global form of the instruction.
func (c *Compiler) namedVariable(name compiler.Token, canAssign bool) {
	var getOp, setOp Opcode
	arg := c.resolveLocal(c.fc, name)

	switch {
	case arg != -1:
		getOp = OpGetLocal
		setOp = OpSetLocal
	default:
		if arg = c.resolveUpvalue(c.fc, name); arg != -1 {
			getOp = OpGetUpvalue
			setOp = OpSetUpvalue
		} else {
			arg = int(c.identifierConstant(name))
			getOp = OpGetGlobal
			setOp = OpSetGlobal
		}
	}

	if canAssign && c.match(compiler.TokenEqual) {
		c.expression()
		c.emitOpByte(setOp, byte(arg))
	} else {
		c.emitOpByte(getOp, byte(arg))
	}
}

func syntheticToken(text string) compiler.Token {
	return compiler.Token{Type: compiler.TokenIdentifier, Lexeme: text}
}

// ---------------------------------------------------------------------------
// Expressions (Pratt rules)
// ---------------------------------------------------------------------------

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// parsePrecedence parses one expression at the given level: dispatch
// the prefix rule for the first token, then fold infix operators while
// their precedence holds. canAssign threads down so only low-precedence
// contexts may consume a trailing `=`.
func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	prefix := getRule(c.previous.Type).prefix
	if prefix == nil {
		c.error("Expect expression.")
		return
	}

	canAssign := prec <= precAssignment
	prefix(c, canAssign)

	for prec <= getRule(c.current.Type).prec {
		c.advance()
		infix := getRule(c.previous.Type).infix
		infix(c, canAssign)
	}

	if canAssign && c.match(compiler.TokenEqual) {
		c.error("Invalid assignment target.")
	}
}

func (c *Compiler) grouping(canAssign bool) {
	c.expression()
	c.consume(compiler.TokenRightParen, "Expect ')' after expression.")
}

func (c *Compiler) number(canAssign bool) {
	value, _ := strconv.ParseFloat(c.previous.Lexeme, 64)
	c.emitConstant(NumberValue(value))
}

func (c *Compiler) str(canAssign bool) {
	// Trim the surrounding quotes.
	lexeme := c.previous.Lexeme
	c.emitConstant(ObjValue(c.heap.CopyString(lexeme[1 : len(lexeme)-1])))
}

func (c *Compiler) literal(canAssign bool) {
	switch c.previous.Type {
	case compiler.TokenFalse:
		c.emitOp(OpFalse)
	case compiler.TokenNil:
		c.emitOp(OpNil)
	case compiler.TokenTrue:
		c.emitOp(OpTrue)
	}
}

func (c *Compiler) variable(canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

func (c *Compiler) unary(canAssign bool) {
	operator := c.previous.Type

	c.parsePrecedence(precUnary)

	switch operator {
	case compiler.TokenBang:
		c.emitOp(OpNot)
	case compiler.TokenMinus:
		c.emitOp(OpNegate)
	}
}

// binary compiles the right operand one level tighter, which is what
// makes binary operators left-associative. The negated comparisons
// compile to their complement plus NOT.
func (c *Compiler) binary(canAssign bool) {
	operator := c.previous.Type
	c.parsePrecedence(getRule(operator).prec + 1)

	switch operator {
	case compiler.TokenBangEqual:
		c.emitOps(OpEqual, OpNot)
	case compiler.TokenEqualEqual:
		c.emitOp(OpEqual)
	case compiler.TokenGreater:
		c.emitOp(OpGreater)
	case compiler.TokenGreaterEqual:
		c.emitOps(OpLess, OpNot)
	case compiler.TokenLess:
		c.emitOp(OpLess)
	case compiler.TokenLessEqual:
		c.emitOps(OpGreater, OpNot)
	case compiler.TokenPlus:
		c.emitOp(OpAdd)
	case compiler.TokenMinus:
		c.emitOp(OpSubtract)
	case compiler.TokenStar:
		c.emitOp(OpMultiply)
	case compiler.TokenSlash:
		c.emitOp(OpDivide)
	}
}

// and_ short-circuits: if the left operand is falsey it stays as the
// result and the right operand is skipped.
func (c *Compiler) and_(canAssign bool) {
	endJump := c.emitJump(OpJumpIfFalse)

	c.emitOp(OpPop)
	c.parsePrecedence(precAnd)

	c.patchJump(endJump)
}

func (c *Compiler) or_(canAssign bool) {
	elseJump := c.emitJump(OpJumpIfFalse)
	endJump := c.emitJump(OpJump)

	c.patchJump(elseJump)
	c.emitOp(OpPop)

	c.parsePrecedence(precOr)
	c.patchJump(endJump)
}

func (c *Compiler) call(canAssign bool) {
	argCount := c.argumentList()
	c.emitOpByte(OpCall, argCount)
}

func (c *Compiler) dot(canAssign bool) {
	c.consume(compiler.TokenIdentifier, "Expect property name after '.'.")
	name := c.identifierConstant(c.previous)

	switch {
	case canAssign && c.match(compiler.TokenEqual):
		c.expression()
		c.emitOpByte(OpSetProperty, name)
	case c.match(compiler.TokenLeftParen):
		argCount := c.argumentList()
		c.emitOpByte(OpInvoke, name)
		c.emitByte(argCount)
	default:
		c.emitOpByte(OpGetProperty, name)
	}
}

func (c *Compiler) this_(canAssign bool) {
	if c.class == nil {
		c.error("Can't use 'this' outside of a class.")
		return
	}
	c.variable(false)
}

func (c *Compiler) super_(canAssign bool) {
	if c.class == nil {
		c.error("Can't use 'super' outside of a class.")
	} else if !c.class.hasSuperclass {
		c.error("Can't use 'super' in a class with no superclass.")
	}

	c.consume(compiler.TokenDot, "Expect '.' after 'super'.")
	c.consume(compiler.TokenIdentifier, "Expect superclass method name.")
	name := c.identifierConstant(c.previous)

	c.namedVariable(syntheticToken("this"), false)
	if c.match(compiler.TokenLeftParen) {
		argCount := c.argumentList()
		c.namedVariable(syntheticToken("super"), false)
		c.emitOpByte(OpSuperInvoke, name)
		c.emitByte(argCount)
	} else {
		c.namedVariable(syntheticToken("super"), false)
		c.emitOpByte(OpGetSuper, name)
	}
}

func (c *Compiler) argumentList() byte {
	var argCount int
	if !c.check(compiler.TokenRightParen) {
		for {
			c.expression()
			if argCount == maxArgs {
				c.error("Can't have more than 255 arguments.")
			}
			argCount++
			if !c.match(compiler.TokenComma) {
				break
			}
		}
	}
	c.consume(compiler.TokenRightParen, "Expect ')' after arguments.")
	return byte(argCount)
}

// ---------------------------------------------------------------------------
// Rule table
// ---------------------------------------------------------------------------

var rules map[compiler.TokenType]parseRule

func init() {
	rules = map[compiler.TokenType]parseRule{
		compiler.TokenLeftParen:    {(*Compiler).grouping, (*Compiler).call, precCall},
		compiler.TokenDot:          {nil, (*Compiler).dot, precCall},
		compiler.TokenMinus:        {(*Compiler).unary, (*Compiler).binary, precTerm},
		compiler.TokenPlus:         {nil, (*Compiler).binary, precTerm},
		compiler.TokenSlash:        {nil, (*Compiler).binary, precFactor},
		compiler.TokenStar:         {nil, (*Compiler).binary, precFactor},
		compiler.TokenBang:         {(*Compiler).unary, nil, precNone},
		compiler.TokenBangEqual:    {nil, (*Compiler).binary, precEquality},
		compiler.TokenEqualEqual:   {nil, (*Compiler).binary, precEquality},
		compiler.TokenGreater:      {nil, (*Compiler).binary, precComparison},
		compiler.TokenGreaterEqual: {nil, (*Compiler).binary, precComparison},
		compiler.TokenLess:         {nil, (*Compiler).binary, precComparison},
		compiler.TokenLessEqual:    {nil, (*Compiler).binary, precComparison},
		compiler.TokenIdentifier:   {(*Compiler).variable, nil, precNone},
		compiler.TokenString:       {(*Compiler).str, nil, precNone},
		compiler.TokenNumber:       {(*Compiler).number, nil, precNone},
		compiler.TokenAnd:          {nil, (*Compiler).and_, precAnd},
		compiler.TokenOr:           {nil, (*Compiler).or_, precOr},
		compiler.TokenFalse:        {(*Compiler).literal, nil, precNone},
		compiler.TokenNil:          {(*Compiler).literal, nil, precNone},
		compiler.TokenTrue:         {(*Compiler).literal, nil, precNone},
		compiler.TokenSuper:        {(*Compiler).super_, nil, precNone},
		compiler.TokenThis:         {(*Compiler).this_, nil, precNone},
	}
}

func getRule(t compiler.TokenType) parseRule {
	return rules[t]
}
