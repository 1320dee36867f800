package vm

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// Type identifies the variant held by a Value. Types are single bits so a
// set of acceptable types (a type mask) is a plain bitwise OR.
type Type uint32

const (
	TypeNull Type = 1 << iota
	TypeInteger
	TypeFloat
	TypeBool
	TypeString
	TypeTable
	TypeArray
	TypeUserData
	TypeClosure
	TypeNativeClosure
	TypeGenerator
	TypeUserPointer
	TypeThread
	TypeFuncProto
	TypeClass
	TypeInstance
	TypeWeakRef
	TypeOuter
)

// TypeAny matches every type in a parameter mask.
const TypeAny Type = 0xFFFFFFFF

const (
	typeNumeric     = TypeInteger | TypeFloat
	typeRefCounted  = TypeString | TypeTable | TypeArray | TypeUserData | TypeClosure | TypeNativeClosure | TypeGenerator | TypeThread | TypeFuncProto | TypeClass | TypeInstance | TypeWeakRef | TypeOuter
	typeCollectable = TypeTable | TypeArray | TypeUserData | TypeClosure | TypeNativeClosure | TypeGenerator | TypeThread | TypeClass | TypeInstance | TypeOuter
	typeDelegable   = TypeTable | TypeUserData | TypeInstance
)

var typeNames = map[Type]string{
	TypeNull:          "null",
	TypeInteger:       "integer",
	TypeFloat:         "float",
	TypeBool:          "bool",
	TypeString:        "string",
	TypeTable:         "table",
	TypeArray:         "array",
	TypeUserData:      "userdata",
	TypeClosure:       "function",
	TypeNativeClosure: "function",
	TypeGenerator:     "generator",
	TypeUserPointer:   "userpointer",
	TypeThread:        "thread",
	TypeFuncProto:     "function",
	TypeClass:         "class",
	TypeInstance:      "instance",
	TypeWeakRef:       "weakref",
	TypeOuter:         "outer",
}

// String returns the script-visible name of the type.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#x)", uint32(t))
}

// ---------------------------------------------------------------------------
// Value
// ---------------------------------------------------------------------------

// Value is the tagged union every script datum travels in.
//
// Null, Bool, Integer, Float and UserPointer are carried inline and copied
// by value. Every other variant refers to a heap Object whose lifetime is
// governed by an explicit strong count (see refcount.go). A Value held in a
// Go local is a borrowed reference; containers, stack slots and captured
// cells own theirs and adjust the count through assign/release.
//
// Value is comparable, so it can key a Go map directly: strings are
// interned, which turns pointer identity into content equality.
type Value struct {
	typ  Type
	bits uint64
	ref  any
}

// Null is the zero Value.
var Null = Value{typ: TypeNull}

// Predefined booleans.
var (
	True  = Value{typ: TypeBool, bits: 1}
	False = Value{typ: TypeBool}
)

// Int returns an Integer value.
func Int(i int64) Value { return Value{typ: TypeInteger, bits: uint64(i)} }

// Float returns a Float value.
func Float(f float64) Value { return Value{typ: TypeFloat, bits: math.Float64bits(f)} }

// Bool returns a Bool value.
func Bool(b bool) Value {
	if b {
		return True
	}
	return False
}

// UserPointer wraps an opaque host pointer. The VM never dereferences it.
// A payload Go cannot compare (a slice, a map, a func) is boxed, so such a
// value is only equal to itself and its copies.
func UserPointer(p any) Value {
	if p != nil && !reflect.ValueOf(p).Comparable() {
		p = &pointerBox{p: p}
	}
	return Value{typ: TypeUserPointer, ref: p}
}

// pointerBox gives an uncomparable host payload a comparable identity.
type pointerBox struct {
	p any
}

// objectValue wraps a heap object without touching its count.
func objectValue(o Object) Value {
	if o == nil {
		return Null
	}
	return Value{typ: o.Type(), ref: o}
}

// Type returns the variant tag. The zero Value reports TypeNull.
func (v Value) Type() Type {
	if v.typ == 0 {
		return TypeNull
	}
	return v.typ
}

// IsNull reports whether v is Null.
func (v Value) IsNull() bool {
	return v.typ == 0 || v.typ == TypeNull
}

// IsNumeric reports whether v is an Integer or a Float.
func (v Value) IsNumeric() bool {
	return v.typ&typeNumeric != 0
}

// IsString reports whether v is a String.
func (v Value) IsString() bool {
	return v.typ == TypeString
}

// IsRefCounted reports whether v refers to a heap object.
func (v Value) IsRefCounted() bool {
	return v.typ&typeRefCounted != 0
}

// Integer returns the payload of an Integer, converting Floats and Bools.
func (v Value) Integer() int64 {
	switch v.typ {
	case TypeInteger:
		return int64(v.bits)
	case TypeFloat:
		return int64(math.Float64frombits(v.bits))
	case TypeBool:
		return int64(v.bits)
	}
	return 0
}

// Float returns the payload of a Float, converting Integers.
func (v Value) Float() float64 {
	switch v.typ {
	case TypeFloat:
		return math.Float64frombits(v.bits)
	case TypeInteger:
		return float64(int64(v.bits))
	case TypeBool:
		return float64(v.bits)
	}
	return 0
}

// Bool returns the payload of a Bool value.
func (v Value) Bool() bool { return v.typ == TypeBool && v.bits != 0 }

// Truthy implements script truth: null, false, 0 and 0.0 are false.
func (v Value) Truthy() bool {
	switch v.Type() {
	case TypeNull:
		return false
	case TypeBool, TypeInteger:
		return v.bits != 0
	case TypeFloat:
		return math.Float64frombits(v.bits) != 0
	}
	return true
}

// Object returns the heap object behind a reference-counted Value, or nil.
func (v Value) Object() Object {
	if v.typ&typeRefCounted == 0 {
		return nil
	}
	o, _ := v.ref.(Object)
	return o
}

// Pointer returns the host pointer of a UserPointer value.
func (v Value) Pointer() any {
	if v.typ != TypeUserPointer {
		return nil
	}
	if b, ok := v.ref.(*pointerBox); ok {
		return b.p
	}
	return v.ref
}

// Str returns the Go string of a String value, or "".
func (v Value) Str() string {
	if s, ok := v.ref.(*String); ok && v.typ == TypeString {
		return s.s
	}
	return ""
}

func (v Value) stringObj() *String {
	p, _ := v.ref.(*String)
	return p
}

func (v Value) table() *Table {
	p, _ := v.ref.(*Table)
	return p
}

func (v Value) array() *Array {
	p, _ := v.ref.(*Array)
	return p
}

func (v Value) class() *Class {
	p, _ := v.ref.(*Class)
	return p
}

func (v Value) instance() *Instance {
	p, _ := v.ref.(*Instance)
	return p
}

func (v Value) closure() *Closure {
	p, _ := v.ref.(*Closure)
	return p
}

func (v Value) native() *NativeClosure {
	p, _ := v.ref.(*NativeClosure)
	return p
}

func (v Value) userData() *UserData {
	p, _ := v.ref.(*UserData)
	return p
}

func (v Value) generator() *Generator {
	p, _ := v.ref.(*Generator)
	return p
}

func (v Value) thread() *VM {
	p, _ := v.ref.(*VM)
	return p
}

func (v Value) weakRef() *WeakRef {
	p, _ := v.ref.(*WeakRef)
	return p
}

func (v Value) proto() *FuncProto {
	p, _ := v.ref.(*FuncProto)
	return p
}

// Table returns the table behind v, or nil.
func (v Value) Table() *Table { return v.table() }

// Array returns the array behind v, or nil.
func (v Value) Array() *Array { return v.array() }

// Class returns the class behind v, or nil.
func (v Value) Class() *Class { return v.class() }

// Instance returns the instance behind v, or nil.
func (v Value) Instance() *Instance { return v.instance() }

// Closure returns the script closure behind v, or nil.
func (v Value) Closure() *Closure { return v.closure() }

// Thread returns the thread behind v, or nil.
func (v Value) Thread() *VM { return v.thread() }

// String renders v for diagnostics; script-level conversion goes through
// VM.ToString so that _tostring metamethods are honored.
func (v Value) String() string {
	switch v.Type() {
	case TypeNull:
		return "null"
	case TypeInteger:
		return strconv.FormatInt(v.Integer(), 10)
	case TypeFloat:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case TypeBool:
		if v.Bool() {
			return "true"
		}
		return "false"
	case TypeString:
		return v.Str()
	case TypeUserPointer:
		return fmt.Sprintf("(userpointer : %p)", v.ref)
	}
	if o := v.Object(); o != nil {
		return fmt.Sprintf("(%s : 0x%08x)", v.Type(), o.header().serial)
	}
	return "(" + v.Type().String() + ")"
}

// RawEqual compares without metamethods: numbers across Integer and Float,
// everything else by identity (which is content for interned strings).
func RawEqual(a, b Value) bool {
	ta, tb := a.Type(), b.Type()
	if ta == tb {
		switch ta {
		case TypeNull:
			return true
		case TypeFloat:
			return a.Float() == b.Float()
		case TypeInteger, TypeBool:
			return a.bits == b.bits
		}
		return a.ref == b.ref
	}
	if a.IsNumeric() && b.IsNumeric() {
		return a.Float() == b.Float()
	}
	return false
}
