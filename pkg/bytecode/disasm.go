package bytecode

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembler
// ---------------------------------------------------------------------------

// DisassembleChunk returns a human-readable listing of a whole chunk.
func DisassembleChunk(chunk *Chunk, name string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("== %s ==\n", name))

	for offset := 0; offset < len(chunk.Code); {
		text, next := DisassembleInstruction(chunk, offset)
		sb.WriteString(text)
		sb.WriteByte('\n')
		offset = next
	}

	return sb.String()
}

// DisassembleInstruction renders the instruction at offset and returns
// the offset of the next instruction.
func DisassembleInstruction(chunk *Chunk, offset int) (string, int) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%04d ", offset))

	if offset > 0 && chunk.Line(offset) == chunk.Line(offset-1) {
		sb.WriteString("   | ")
	} else {
		sb.WriteString(fmt.Sprintf("%4d ", chunk.Line(offset)))
	}

	op := Opcode(chunk.Code[offset])
	info := GetOpcodeInfo(op)

	switch op {
	case OpConstant, OpGetGlobal, OpDefineGlobal, OpSetGlobal,
		OpGetProperty, OpSetProperty, OpGetSuper, OpClass, OpMethod:
		return constantInstruction(&sb, info.Name, chunk, offset)

	case OpGetLocal, OpSetLocal, OpGetUpvalue, OpSetUpvalue, OpCall:
		return byteInstruction(&sb, info.Name, chunk, offset)

	case OpInvoke, OpSuperInvoke:
		return invokeInstruction(&sb, info.Name, chunk, offset)

	case OpJump, OpJumpIfFalse:
		return jumpInstruction(&sb, info.Name, 1, chunk, offset)

	case OpLoop:
		return jumpInstruction(&sb, info.Name, -1, chunk, offset)

	case OpClosure:
		return closureInstruction(&sb, info.Name, chunk, offset)

	default:
		sb.WriteString(info.Name)
		return sb.String(), offset + 1
	}
}

func constantInstruction(sb *strings.Builder, name string, chunk *Chunk, offset int) (string, int) {
	constant := chunk.Code[offset+1]
	sb.WriteString(fmt.Sprintf("%-16s %4d '%s'", name, constant, chunk.Constants[constant]))
	return sb.String(), offset + 2
}

func byteInstruction(sb *strings.Builder, name string, chunk *Chunk, offset int) (string, int) {
	slot := chunk.Code[offset+1]
	sb.WriteString(fmt.Sprintf("%-16s %4d", name, slot))
	return sb.String(), offset + 2
}

func invokeInstruction(sb *strings.Builder, name string, chunk *Chunk, offset int) (string, int) {
	constant := chunk.Code[offset+1]
	argCount := chunk.Code[offset+2]
	sb.WriteString(fmt.Sprintf("%-16s (%d args) %4d '%s'", name, argCount, constant, chunk.Constants[constant]))
	return sb.String(), offset + 3
}

func jumpInstruction(sb *strings.Builder, name string, sign int, chunk *Chunk, offset int) (string, int) {
	jump := int(chunk.Code[offset+1])<<8 | int(chunk.Code[offset+2])
	target := offset + 3 + sign*jump
	sb.WriteString(fmt.Sprintf("%-16s %4d -> %d", name, offset, target))
	return sb.String(), offset + 3
}

// closureInstruction renders OP_CLOSURE with one trailing line per
// captured variable, since its operand count depends on the function.
func closureInstruction(sb *strings.Builder, name string, chunk *Chunk, offset int) (string, int) {
	offset++
	constant := chunk.Code[offset]
	offset++
	sb.WriteString(fmt.Sprintf("%-16s %4d %s", name, constant, chunk.Constants[constant]))

	fn := chunk.Constants[constant].AsObj().(*ObjFunction)
	for i := 0; i < fn.UpvalueCount; i++ {
		isLocal := chunk.Code[offset]
		index := chunk.Code[offset+1]
		kind := "upvalue"
		if isLocal == 1 {
			kind = "local"
		}
		sb.WriteString(fmt.Sprintf("\n%04d      |                     %s %d", offset, kind, index))
		offset += 2
	}

	return sb.String(), offset
}
