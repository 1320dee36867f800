package vm

import "hash/maphash"

// ---------------------------------------------------------------------------
// String: interned, immutable script strings
// ---------------------------------------------------------------------------

// String is an immutable, interned byte string. Two live String objects
// never hold the same content, so identity comparison is content
// comparison and a String Value can key a Go map.
type String struct {
	RefCounted
	s    string
	hash uint64
}

func (s *String) Type() Type { return TypeString }

// Len returns the length in bytes.
func (s *String) Len() int {
	return len(s.s)
}

func (s *String) String() string {
	return s.s
}

func (s *String) finalize() {
	if s.ss != nil && s.ss.strings[s.s] == s {
		delete(s.ss.strings, s.s)
	}
}

func (s *String) traverse(func(Object)) {}

// ---------------------------------------------------------------------------
// StringTable: the interning map
// ---------------------------------------------------------------------------

// The intern map holds no references: a String leaves the table when its
// last owner releases it.
type stringTable map[string]*String

var stringSeed = maphash.MakeSeed()

// NewString returns the interned String value for s. The returned Value is
// borrowed; store it with assign or push it to take ownership.
func (ss *SharedState) NewString(s string) Value {
	if str, ok := ss.strings[s]; ok && !str.dead {
		return objectValue(str)
	}
	str := &String{s: s, hash: maphash.String(stringSeed, s)}
	ss.init(str)
	ss.strings[s] = str
	return objectValue(str)
}

// Hash returns a stable hash for keyed values. Strings hash by content,
// numbers by value and everything else by object serial.
func Hash(v Value) uint64 {
	switch v.Type() {
	case TypeString:
		return v.stringObj().hash
	case TypeInteger, TypeBool:
		return v.bits
	case TypeFloat:
		return v.bits
	case TypeNull:
		return 0
	}
	if o := v.Object(); o != nil {
		return o.header().serial
	}
	return 0
}
