package value

import (
	"fmt"
	"strings"
)

// Signature is a D-Bus type string built from the alphabet
// y b n q i u x t d s o g a ( ) { } v. It is the authoritative type
// descriptor at every interface this library exposes: Values, messages,
// arguments, properties and signals all carry one.
type Signature string

// Single-character type codes. See companion D-Bus specification §Type
// System.
const (
	TypeByte       = 'y'
	TypeBoolean    = 'b'
	TypeInt16      = 'n'
	TypeUint16     = 'q'
	TypeInt32      = 'i'
	TypeUint32     = 'u'
	TypeInt64      = 'x'
	TypeUint64     = 't'
	TypeDouble     = 'd'
	TypeString     = 's'
	TypeObjectPath = 'o'
	TypeSignature  = 'g'
	TypeArray      = 'a'
	TypeStructO    = '('
	TypeStructC    = ')'
	TypeDictO      = '{'
	TypeDictC      = '}'
	TypeVariant    = 'v'
)

// Empty is the empty signature: the type of a value with no arguments.
const Empty Signature = ""

func isFixedPrimitive(c byte) bool {
	switch c {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble:
		return true
	}
	return false
}

func isStringLike(c byte) bool {
	switch c {
	case TypeString, TypeObjectPath, TypeSignature:
		return true
	}
	return false
}

// IsBasic reports whether c denotes a primitive or string-like type, the
// only signatures a dictionary key may carry (§3 invariant 2).
func IsBasic(c byte) bool {
	return isFixedPrimitive(c) || isStringLike(c)
}

// Validate parses s as a possibly-empty sequence of complete single types
// and reports the first error found. A dict entry is valid only as an
// array's element type, so a top-level "{...}" is rejected.
func (s Signature) Validate() error {
	rest := string(s)
	for len(rest) > 0 {
		if rest[0] == TypeDictO {
			return fmt.Errorf("invalid signature %q: dict entry outside an array", string(s))
		}
		consumed, err := firstTypeLen(rest)
		if err != nil {
			return fmt.Errorf("invalid signature %q: %w", string(s), err)
		}
		rest = rest[consumed:]
	}
	return nil
}

// Elements splits a signature into its top-level complete types.
func (s Signature) Elements() ([]Signature, error) {
	var out []Signature
	rest := string(s)
	for len(rest) > 0 {
		n, err := firstTypeLen(rest)
		if err != nil {
			return nil, fmt.Errorf("invalid signature %q: %w", string(s), err)
		}
		out = append(out, Signature(rest[:n]))
		rest = rest[n:]
	}
	return out, nil
}

// IsSingleComplete reports whether s denotes exactly one complete type.
func (s Signature) IsSingleComplete() bool {
	n, err := firstTypeLen(string(s))
	return err == nil && n == len(s)
}

// firstTypeLen returns the byte length of the first complete type in s.
func firstTypeLen(s string) (int, error) {
	if len(s) == 0 {
		return 0, fmt.Errorf("empty signature has no type")
	}
	switch s[0] {
	case TypeByte, TypeBoolean, TypeInt16, TypeUint16, TypeInt32, TypeUint32,
		TypeInt64, TypeUint64, TypeDouble, TypeString, TypeObjectPath,
		TypeSignature, TypeVariant:
		return 1, nil
	case TypeArray:
		if len(s) < 2 {
			return 0, fmt.Errorf("array signature %q missing element type", s)
		}
		n, err := firstTypeLen(s[1:])
		if err != nil {
			return 0, err
		}
		return 1 + n, nil
	case TypeStructO:
		total := 1
		rest := s[1:]
		if len(rest) == 0 || rest[0] == TypeStructC {
			return 0, fmt.Errorf("empty struct signature %q", s)
		}
		for {
			if len(rest) == 0 {
				return 0, fmt.Errorf("unterminated struct signature %q", s)
			}
			if rest[0] == TypeStructC {
				return total + 1, nil
			}
			n, err := firstTypeLen(rest)
			if err != nil {
				return 0, err
			}
			total += n
			rest = rest[n:]
		}
	case TypeDictO:
		// Only ever appears preceded by 'a' in legal signatures, but we
		// accept it standalone too for use by the codec when it has
		// already stripped the leading 'a'.
		total := 1
		rest := s[1:]
		if len(rest) == 0 {
			return 0, fmt.Errorf("unterminated dict entry signature %q", s)
		}
		keyLen, err := firstTypeLen(rest)
		if err != nil {
			return 0, err
		}
		if keyLen != 1 || !IsBasic(rest[0]) {
			return 0, fmt.Errorf("dict entry key %q is not a primitive or string-like type", rest[:keyLen])
		}
		total += keyLen
		rest = rest[keyLen:]
		valLen, err := firstTypeLen(rest)
		if err != nil {
			return 0, err
		}
		total += valLen
		rest = rest[valLen:]
		if len(rest) == 0 || rest[0] != TypeDictC {
			return 0, fmt.Errorf("unterminated dict entry signature %q", s)
		}
		return total + 1, nil
	default:
		return 0, fmt.Errorf("unknown type code %q", string(s[0]))
	}
}

// ArrayElement returns the element signature of an array signature "a...".
func (s Signature) ArrayElement() (Signature, error) {
	str := string(s)
	if len(str) < 2 || str[0] != TypeArray {
		return "", fmt.Errorf("signature %q is not an array", str)
	}
	n, err := firstTypeLen(str[1:])
	if err != nil {
		return "", err
	}
	return Signature(str[1 : 1+n]), nil
}

// IsDictArray reports whether s is an array of dict-entries, i.e. "a{...}".
func (s Signature) IsDictArray() bool {
	elem, err := s.ArrayElement()
	if err != nil {
		return false
	}
	return strings.HasPrefix(string(elem), "{")
}

// DictEntry splits a dict-entry element signature "{kv}" into its key and
// value signatures.
func (s Signature) DictEntry() (key, val Signature, err error) {
	str := string(s)
	if len(str) < 3 || str[0] != TypeDictO || str[len(str)-1] != TypeDictC {
		return "", "", fmt.Errorf("signature %q is not a dict entry", str)
	}
	inner := str[1 : len(str)-1]
	keyLen, err := firstTypeLen(inner)
	if err != nil {
		return "", "", err
	}
	return Signature(inner[:keyLen]), Signature(inner[keyLen:]), nil
}

// StructFields splits a struct signature "(...)" into its field signatures.
func (s Signature) StructFields() ([]Signature, error) {
	str := string(s)
	if len(str) < 2 || str[0] != TypeStructO || str[len(str)-1] != TypeStructC {
		return nil, fmt.Errorf("signature %q is not a struct", str)
	}
	return Signature(str[1 : len(str)-1]).Elements()
}

// String implements fmt.Stringer.
func (s Signature) String() string { return string(s) }
