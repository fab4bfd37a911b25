// Package value implements the polymorphic, self-describing value model
// that every other package in this module builds on: a Value carries both
// a wire signature and a payload of any supported D-Bus type, and is
// immutable and deeply comparable once constructed.
package value

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Kind discriminates the variant a Value holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindByte
	KindBoolean
	KindInt16
	KindUint16
	KindInt32
	KindUint32
	KindInt64
	KindUint64
	KindDouble
	KindString
	KindObjectPath
	KindSignature
	KindArray
	KindStruct
	KindDict
	KindVariant
)

func (k Kind) String() string {
	switch k {
	case KindByte:
		return "byte"
	case KindBoolean:
		return "boolean"
	case KindInt16:
		return "int16"
	case KindUint16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindObjectPath:
		return "object-path"
	case KindSignature:
		return "signature"
	case KindArray:
		return "array"
	case KindStruct:
		return "struct"
	case KindDict:
		return "dict"
	case KindVariant:
		return "variant"
	default:
		return "invalid"
	}
}

// DictEntry is one (key, value) pair of a Dict Value. Order is preserved
// because the wire format is an ordered array of entries.
type DictEntry struct {
	Key Value
	Val Value
}

// Value is a single, fully-constructed D-Bus value: every Value's payload
// matches its Signature by construction (§3 invariant 1); there is no
// half-constructed state reachable from exported constructors.
type Value struct {
	kind Kind
	sig  Signature

	// Scalar payloads. Only the field matching kind is meaningful.
	u64 uint64
	f64 float64
	str string

	// Compound payloads, reference-counted by Go's own GC since Values
	// are tree-shaped and therefore cycle-free by construction.
	elemSig Signature   // element signature for arrays/dicts
	array   []Value     // KindArray
	strct   []Value     // KindStruct
	dict    []DictEntry // KindDict
	variant *Value      // KindVariant
}

// Kind returns the discriminant of v.
func (v Value) Kind() Kind { return v.kind }

// Signature returns the wire signature of v.
func (v Value) Signature() Signature { return v.sig }

// IsValid reports whether v was produced by one of this package's
// constructors (the zero Value is not valid).
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// --- primitive constructors ---

func Byte(b byte) Value    { return Value{kind: KindByte, sig: "y", u64: uint64(b)} }
func Bool(b bool) Value {
	var u uint64
	if b {
		u = 1
	}
	return Value{kind: KindBoolean, sig: "b", u64: u}
}
func Int16(i int16) Value   { return Value{kind: KindInt16, sig: "n", u64: uint64(uint16(i))} }
func Uint16(u uint16) Value { return Value{kind: KindUint16, sig: "q", u64: uint64(u)} }
func Int32(i int32) Value   { return Value{kind: KindInt32, sig: "i", u64: uint64(uint32(i))} }
func Uint32(u uint32) Value { return Value{kind: KindUint32, sig: "u", u64: uint64(u)} }
func Int64(i int64) Value   { return Value{kind: KindInt64, sig: "x", u64: uint64(i)} }
func Uint64(u uint64) Value { return Value{kind: KindUint64, sig: "t", u64: u} }
func Double(f float64) Value { return Value{kind: KindDouble, sig: "d", f64: f} }

// Byte returns the byte payload; callers must check Kind first.
func (v Value) Byte() byte       { return byte(v.u64) }
func (v Value) Bool() bool       { return v.u64 != 0 }
func (v Value) Int16() int16     { return int16(uint16(v.u64)) }
func (v Value) Uint16() uint16   { return uint16(v.u64) }
func (v Value) Int32() int32     { return int32(uint32(v.u64)) }
func (v Value) Uint32() uint32   { return uint32(v.u64) }
func (v Value) Int64() int64     { return int64(v.u64) }
func (v Value) Uint64() uint64   { return v.u64 }
func (v Value) Double() float64  { return v.f64 }
func (v Value) Str() string      { return v.str }

// --- string-like constructors ---
//
// String, ObjectPath and Signature all carry UTF-8 text but are distinct
// variants because the wire encoding differs (object paths and signatures
// have their own syntactic constraints) and the codec must preserve the
// distinction (§3).

// String constructs a string Value, validating UTF-8 and the absence of
// interior NUL bytes (§3 invariant 4).
func String(s string) (Value, error) {
	if err := validateText(s); err != nil {
		return Value{}, fmt.Errorf("string: %w", err)
	}
	return Value{kind: KindString, sig: "s", str: s}, nil
}

// ObjectPath constructs an object-path Value, validating UTF-8 and object
// path syntax: starts with '/', contains only '[A-Za-z0-9_]' between
// slashes, no trailing slash unless the path is exactly "/", no "//".
func ObjectPath(s string) (Value, error) {
	if err := validateText(s); err != nil {
		return Value{}, fmt.Errorf("object path: %w", err)
	}
	if err := validateObjectPathSyntax(s); err != nil {
		return Value{}, fmt.Errorf("object path %q: %w", s, err)
	}
	return Value{kind: KindObjectPath, sig: "o", str: s}, nil
}

// SignatureValue constructs a signature-typed Value, validating UTF-8 and
// that the text is itself a well-formed (possibly empty) D-Bus signature.
func SignatureValue(s Signature) (Value, error) {
	if err := validateText(string(s)); err != nil {
		return Value{}, fmt.Errorf("signature: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Value{}, err
	}
	if len(s) > 255 {
		return Value{}, fmt.Errorf("signature %q exceeds 255 bytes", string(s))
	}
	return Value{kind: KindSignature, sig: "g", str: string(s)}, nil
}

// trustedString/ObjectPath/Signature bypass validation for values coming
// out of the codec, which has already validated them off the wire
// (§3 invariant 4: "trusted when supplied by the codec since the
// transport has already validated").
func trustedString(s string) Value     { return Value{kind: KindString, sig: "s", str: s} }
func trustedObjectPath(s string) Value { return Value{kind: KindObjectPath, sig: "o", str: s} }
func trustedSignature(s string) Value  { return Value{kind: KindSignature, sig: "g", str: s} }

// TrustedString, TrustedObjectPath and TrustedSignature construct
// string-like Values without re-validating syntax. Reserved for the codec
// package; library users should use the validating constructors.
func TrustedString(s string) Value     { return trustedString(s) }
func TrustedObjectPath(s string) Value { return trustedObjectPath(s) }
func TrustedSignature(s string) Value  { return trustedSignature(s) }

func validateText(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("not valid UTF-8")
	}
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("contains interior NUL byte")
	}
	return nil
}

func validateObjectPathSyntax(s string) error {
	if s == "" || s[0] != '/' {
		return fmt.Errorf("must start with '/'")
	}
	if s == "/" {
		return nil
	}
	if strings.HasSuffix(s, "/") {
		return fmt.Errorf("must not end with '/' unless it is the root path")
	}
	for _, seg := range strings.Split(s[1:], "/") {
		if seg == "" {
			return fmt.Errorf("contains an empty path segment (\"//\")")
		}
		for _, r := range seg {
			if !isPathChar(r) {
				return fmt.Errorf("segment %q contains illegal character %q", seg, r)
			}
		}
	}
	return nil
}

func isPathChar(r rune) bool {
	return (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_'
}

// --- compound constructors ---

// Array constructs a homogeneous array Value. elemSig must be a single
// complete type (§3 invariant 3) and every element's signature must match
// it exactly.
func Array(elemSig Signature, elems []Value) (Value, error) {
	if !elemSig.IsSingleComplete() {
		return Value{}, fmt.Errorf("array element signature %q is not exactly one complete type", string(elemSig))
	}
	for i, e := range elems {
		if e.sig != elemSig {
			return Value{}, fmt.Errorf("array element %d has signature %q, want %q", i, string(e.sig), string(elemSig))
		}
	}
	cp := make([]Value, len(elems))
	copy(cp, elems)
	return Value{
		kind:    KindArray,
		sig:     Signature("a") + elemSig,
		elemSig: elemSig,
		array:   cp,
	}, nil
}

// Struct constructs an ordered, heterogeneous tuple of Values.
func Struct(fields []Value) (Value, error) {
	if len(fields) == 0 {
		return Value{}, fmt.Errorf("struct must have at least one field")
	}
	var sig strings.Builder
	sig.WriteByte('(')
	cp := make([]Value, len(fields))
	for i, f := range fields {
		sig.WriteString(string(f.sig))
		cp[i] = f
	}
	sig.WriteByte(')')
	return Value{kind: KindStruct, sig: Signature(sig.String()), strct: cp}, nil
}

// Dict constructs an ordered dictionary. keySig must be a primitive or
// string-like type (§3 invariant 2, enforced on construction) and every
// entry's key/value signature must match keySig/valSig exactly.
func Dict(keySig, valSig Signature, entries []DictEntry) (Value, error) {
	if len(keySig) != 1 || !IsBasic(byte(keySig[0])) {
		return Value{}, fmt.Errorf("dict key signature %q is not a primitive or string-like type", string(keySig))
	}
	if !valSig.IsSingleComplete() {
		return Value{}, fmt.Errorf("dict value signature %q is not exactly one complete type", string(valSig))
	}
	cp := make([]DictEntry, len(entries))
	for i, e := range entries {
		if e.Key.sig != keySig {
			return Value{}, fmt.Errorf("dict entry %d key has signature %q, want %q", i, string(e.Key.sig), string(keySig))
		}
		if e.Val.sig != valSig {
			return Value{}, fmt.Errorf("dict entry %d value has signature %q, want %q", i, string(e.Val.sig), string(valSig))
		}
		cp[i] = e
	}
	entrySig := Signature("{") + keySig + valSig + "}"
	return Value{
		kind:    KindDict,
		sig:     Signature("a") + entrySig,
		elemSig: entrySig,
		dict:    cp,
	}, nil
}

// Variant boxes inner under the "v" signature. inner may itself be a
// variant: nested variants are fully transparent to the codec (§4.1).
func Variant(inner Value) Value {
	iv := inner
	return Value{kind: KindVariant, sig: "v", variant: &iv}
}

// --- compound accessors ---

// Elements returns the elements of an Array Value.
func (v Value) Elements() []Value { return v.array }

// ElementSignature returns the element signature of an Array or Dict Value.
func (v Value) ElementSignature() Signature { return v.elemSig }

// Fields returns the fields of a Struct Value.
func (v Value) Fields() []Value { return v.strct }

// Entries returns the entries of a Dict Value.
func (v Value) Entries() []DictEntry { return v.dict }

// Inner returns the boxed Value of a Variant Value.
func (v Value) Inner() Value { return *v.variant }

// Equal reports deep equality: same kind, same signature, and recursively
// equal payloads.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind || v.sig != o.sig {
		return false
	}
	switch v.kind {
	case KindByte, KindBoolean, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64:
		return v.u64 == o.u64
	case KindDouble:
		return v.f64 == o.f64
	case KindString, KindObjectPath, KindSignature:
		return v.str == o.str
	case KindArray:
		if len(v.array) != len(o.array) {
			return false
		}
		for i := range v.array {
			if !v.array[i].Equal(o.array[i]) {
				return false
			}
		}
		return true
	case KindStruct:
		if len(v.strct) != len(o.strct) {
			return false
		}
		for i := range v.strct {
			if !v.strct[i].Equal(o.strct[i]) {
				return false
			}
		}
		return true
	case KindDict:
		if len(v.dict) != len(o.dict) {
			return false
		}
		for i := range v.dict {
			if !v.dict[i].Key.Equal(o.dict[i].Key) || !v.dict[i].Val.Equal(o.dict[i].Val) {
				return false
			}
		}
		return true
	case KindVariant:
		return v.variant.Equal(*o.variant)
	default:
		return true // both invalid
	}
}

// String renders v for debugging/log messages; it is not a wire format.
func (v Value) String() string {
	switch v.kind {
	case KindInvalid:
		return "<invalid>"
	case KindByte, KindBoolean, KindInt16, KindUint16, KindInt32, KindUint32, KindInt64, KindUint64:
		return fmt.Sprintf("%s(%d)", v.kind, v.u64)
	case KindDouble:
		return fmt.Sprintf("double(%v)", v.f64)
	case KindString, KindObjectPath, KindSignature:
		return fmt.Sprintf("%s(%q)", v.kind, v.str)
	case KindArray:
		return fmt.Sprintf("array<%s>(%d elems)", string(v.elemSig), len(v.array))
	case KindStruct:
		return fmt.Sprintf("struct(%d fields)", len(v.strct))
	case KindDict:
		return fmt.Sprintf("dict<%s>(%d entries)", string(v.elemSig), len(v.dict))
	case KindVariant:
		return fmt.Sprintf("variant(%s)", v.variant.String())
	default:
		return "<unknown>"
	}
}

// EmptyTuple is the Value of the empty tuple, used for method results with no
// out-arguments (§4.1 edge cases).
var EmptyTuple = Value{kind: KindStruct, sig: Empty}
