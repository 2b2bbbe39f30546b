package bytecode

import (
	"fmt"
	"strconv"
)

// ---------------------------------------------------------------------------
// Value: the tagged runtime value
// ---------------------------------------------------------------------------

// ValueType discriminates the Value union.
type ValueType int

const (
	ValNil ValueType = iota
	ValBool
	ValNumber
	ValObj
)

// Value is the runtime representation of every Fern value. Nil, booleans
// and numbers are stored inline; everything else lives on the heap
// behind the Obj reference.
type Value struct {
	Type    ValueType
	boolean bool
	number  float64
	obj     Obj
}

// NilValue returns the nil value.
func NilValue() Value {
	return Value{Type: ValNil}
}

// BoolValue wraps a Go bool.
func BoolValue(b bool) Value {
	return Value{Type: ValBool, boolean: b}
}

// NumberValue wraps a float64.
func NumberValue(n float64) Value {
	return Value{Type: ValNumber, number: n}
}

// ObjValue wraps a heap object.
func ObjValue(o Obj) Value {
	return Value{Type: ValObj, obj: o}
}

// IsNil reports whether the value is nil.
func (v Value) IsNil() bool { return v.Type == ValNil }

// IsBool reports whether the value is a boolean.
func (v Value) IsBool() bool { return v.Type == ValBool }

// IsNumber reports whether the value is a number.
func (v Value) IsNumber() bool { return v.Type == ValNumber }

// IsObj reports whether the value references a heap object.
func (v Value) IsObj() bool { return v.Type == ValObj }

// AsBool returns the boolean payload. Only valid when IsBool.
func (v Value) AsBool() bool { return v.boolean }

// AsNumber returns the numeric payload. Only valid when IsNumber.
func (v Value) AsNumber() float64 { return v.number }

// AsObj returns the object payload. Only valid when IsObj.
func (v Value) AsObj() Obj { return v.obj }

// AsString returns the object payload as a string object, or nil if the
// value is not a string.
func (v Value) AsString() *ObjString {
	if v.Type != ValObj {
		return nil
	}
	s, _ := v.obj.(*ObjString)
	return s
}

// IsFalsey reports Fern truthiness: nil and false are falsey, everything
// else is truthy.
func (v Value) IsFalsey() bool {
	return v.Type == ValNil || (v.Type == ValBool && !v.boolean)
}

// Equals implements Fern equality: structural for nil/bool/number,
// identity for objects. Interned strings make content equality and
// identity coincide for strings.
func (v Value) Equals(other Value) bool {
	if v.Type != other.Type {
		return false
	}
	switch v.Type {
	case ValNil:
		return true
	case ValBool:
		return v.boolean == other.boolean
	case ValNumber:
		return v.number == other.number
	case ValObj:
		return v.obj == other.obj
	default:
		return false
	}
}

// String renders the value the way the print statement does.
func (v Value) String() string {
	switch v.Type {
	case ValNil:
		return "nil"
	case ValBool:
		if v.boolean {
			return "true"
		}
		return "false"
	case ValNumber:
		return formatNumber(v.number)
	case ValObj:
		return objString(v.obj)
	default:
		return fmt.Sprintf("Value(%d)", int(v.Type))
	}
}

// formatNumber renders the shortest decimal form that round-trips to n,
// in %g style: integral values below 1e6 print with no fraction (7),
// larger or very small magnitudes use exponent form (1e+06). Unlike C's
// %g it does not round to six significant digits.
func formatNumber(n float64) string {
	return strconv.FormatFloat(n, 'g', -1, 64)
}
