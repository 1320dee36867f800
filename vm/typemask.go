package vm

import "strings"

// typeMaskLetters maps the compact parameter-mask alphabet to types.
var typeMaskLetters = map[byte]Type{
	'o': TypeNull,
	'i': TypeInteger,
	'f': TypeFloat,
	'n': TypeInteger | TypeFloat,
	's': TypeString,
	't': TypeTable,
	'a': TypeArray,
	'u': TypeUserData,
	'c': TypeClosure | TypeNativeClosure,
	'b': TypeBool,
	'g': TypeGenerator,
	'p': TypeUserPointer,
	'v': TypeThread,
	'x': TypeInstance,
	'y': TypeClass,
	'r': TypeWeakRef,
}

// CompileTypeMask turns a mask such as "tsn|o." into one Type set per
// parameter position. '|' joins alternatives for the same position, '.'
// accepts anything, spaces are ignored.
func CompileTypeMask(mask string) ([]Type, error) {
	var res []Type
	var cur Type
	for i := 0; i < len(mask); i++ {
		c := mask[i]
		switch {
		case c == ' ':
			continue
		case c == '.':
			res = append(res, TypeAny)
			cur = 0
			continue
		}
		t, ok := typeMaskLetters[c]
		if !ok {
			return nil, newError(ErrInvalidType, "invalid typemask")
		}
		cur |= t
		if i+1 < len(mask) && mask[i+1] == '|' {
			i++
			if i+1 >= len(mask) {
				return nil, newError(ErrInvalidType, "invalid typemask")
			}
			continue
		}
		res = append(res, cur)
		cur = 0
	}
	return res, nil
}

// maskString renders a compiled mask for error messages.
func maskString(mask Type) string {
	var names []string
	seen := map[string]bool{}
	for bit := TypeNull; bit <= TypeOuter; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		name := bit.String()
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return strings.Join(names, "|")
}
