// Package image serializes compiled Fern programs. An image is a CBOR
// encoding of the top-level function's chunk tree, framed by magic
// bytes and a format version, suitable for on-disk caching or
// cross-process transport.
package image

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/fernlang/fern/pkg/bytecode"
)

// ImageVersion is the current image format version.
// Increment when making incompatible changes to the format.
const ImageVersion uint16 = 1

// ImageMagic identifies image files: "FNBC" (FerN ByteCode).
var ImageMagic = []byte{'F', 'N', 'B', 'C'}

// cborEncMode uses canonical encoding so equal programs produce
// byte-identical images.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// ConstantKind discriminates serialized constants.
type ConstantKind uint8

const (
	ConstNil ConstantKind = iota
	ConstBool
	ConstNumber
	ConstString
	ConstFunction
)

// Constant is one serialized constant-pool entry.
type Constant struct {
	Kind     ConstantKind `cbor:"kind"`
	Bool     bool         `cbor:"bool,omitempty"`
	Number   float64      `cbor:"number,omitempty"`
	String   string       `cbor:"string,omitempty"`
	Function *Function    `cbor:"function,omitempty"`
}

// Function is the serialized form of a compiled function: its chunk
// plus call metadata. Nested function constants recurse.
type Function struct {
	Name         string     `cbor:"name,omitempty"`
	Arity        int        `cbor:"arity"`
	UpvalueCount int        `cbor:"upvalues"`
	Code         []byte     `cbor:"code"`
	Lines        []int      `cbor:"lines"`
	Constants    []Constant `cbor:"constants"`
}

// Program is the root of an image.
type Program struct {
	Version uint16    `cbor:"version"`
	Main    *Function `cbor:"main"`
}

// EncodeProgram serializes a compiled top-level function to image
// bytes.
func EncodeProgram(main *bytecode.ObjFunction) ([]byte, error) {
	program := Program{
		Version: ImageVersion,
		Main:    encodeFunction(main),
	}

	body, err := cborEncMode.Marshal(&program)
	if err != nil {
		return nil, fmt.Errorf("image: encode program: %w", err)
	}

	buf := make([]byte, 0, len(ImageMagic)+2+len(body))
	buf = append(buf, ImageMagic...)
	buf = binary.BigEndian.AppendUint16(buf, ImageVersion)
	buf = append(buf, body...)
	return buf, nil
}

func encodeFunction(fn *bytecode.ObjFunction) *Function {
	out := &Function{
		Arity:        fn.Arity,
		UpvalueCount: fn.UpvalueCount,
		Code:         fn.Chunk.Code,
		Lines:        fn.Chunk.Lines,
		Constants:    make([]Constant, 0, len(fn.Chunk.Constants)),
	}
	if fn.Name != nil {
		out.Name = fn.Name.Chars
	}

	for _, value := range fn.Chunk.Constants {
		out.Constants = append(out.Constants, encodeConstant(value))
	}
	return out
}

func encodeConstant(value bytecode.Value) Constant {
	switch value.Type {
	case bytecode.ValBool:
		return Constant{Kind: ConstBool, Bool: value.AsBool()}
	case bytecode.ValNumber:
		return Constant{Kind: ConstNumber, Number: value.AsNumber()}
	case bytecode.ValObj:
		if s := value.AsString(); s != nil {
			return Constant{Kind: ConstString, String: s.Chars}
		}
		if fn, ok := value.AsObj().(*bytecode.ObjFunction); ok {
			return Constant{Kind: ConstFunction, Function: encodeFunction(fn)}
		}
	}
	return Constant{Kind: ConstNil}
}

// pinnedRoots keeps objects created during decoding reachable. Decoded
// functions are referenced only by Go locals until the tree is
// complete, which the collector cannot see; pinning them through a
// registered root source bridges that gap.
type pinnedRoots struct {
	objs []bytecode.Obj
}

func (p *pinnedRoots) MarkRoots(h *bytecode.Heap) {
	for _, o := range p.objs {
		h.MarkObject(o)
	}
}

// DecodeProgram deserializes image bytes, rebuilding heap objects
// through the given heap so the result is collector-managed.
func DecodeProgram(data []byte, heap *bytecode.Heap) (*bytecode.ObjFunction, error) {
	if len(data) < len(ImageMagic)+2 {
		return nil, fmt.Errorf("image: too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:len(ImageMagic)], ImageMagic) {
		return nil, fmt.Errorf("image: invalid magic: %q", data[:len(ImageMagic)])
	}
	version := binary.BigEndian.Uint16(data[len(ImageMagic):])
	if version > ImageVersion {
		return nil, fmt.Errorf("image: version %d is newer than supported version %d", version, ImageVersion)
	}

	var program Program
	if err := cbor.Unmarshal(data[len(ImageMagic)+2:], &program); err != nil {
		return nil, fmt.Errorf("image: decode program: %w", err)
	}
	if program.Main == nil {
		return nil, fmt.Errorf("image: missing main function")
	}

	pin := &pinnedRoots{}
	heap.AddRoot(pin)
	defer heap.RemoveRoot(pin)

	return decodeFunction(program.Main, heap, pin)
}

func decodeFunction(in *Function, heap *bytecode.Heap, pin *pinnedRoots) (*bytecode.ObjFunction, error) {
	fn := heap.NewFunction()
	pin.objs = append(pin.objs, fn)

	fn.Arity = in.Arity
	fn.UpvalueCount = in.UpvalueCount
	if in.Name != "" {
		fn.Name = heap.CopyString(in.Name)
	}

	fn.Chunk.Code = append([]byte(nil), in.Code...)
	fn.Chunk.Lines = append([]int(nil), in.Lines...)
	if len(fn.Chunk.Lines) != len(fn.Chunk.Code) {
		return nil, fmt.Errorf("image: function %q: %d line entries for %d code bytes",
			in.Name, len(fn.Chunk.Lines), len(fn.Chunk.Code))
	}

	for i := range in.Constants {
		value, err := decodeConstant(&in.Constants[i], heap, pin)
		if err != nil {
			return nil, err
		}
		fn.Chunk.AddConstant(value)
	}

	return fn, nil
}

func decodeConstant(in *Constant, heap *bytecode.Heap, pin *pinnedRoots) (bytecode.Value, error) {
	switch in.Kind {
	case ConstNil:
		return bytecode.NilValue(), nil
	case ConstBool:
		return bytecode.BoolValue(in.Bool), nil
	case ConstNumber:
		return bytecode.NumberValue(in.Number), nil
	case ConstString:
		return bytecode.ObjValue(heap.CopyString(in.String)), nil
	case ConstFunction:
		if in.Function == nil {
			return bytecode.NilValue(), fmt.Errorf("image: function constant with no body")
		}
		fn, err := decodeFunction(in.Function, heap, pin)
		if err != nil {
			return bytecode.NilValue(), err
		}
		return bytecode.ObjValue(fn), nil
	default:
		return bytecode.NilValue(), fmt.Errorf("image: unknown constant kind %d", in.Kind)
	}
}
