package value

import "fmt"

// ArrayBuilder accumulates elements of a homogeneous array and is consumed
// by Finish into a single Array Value (§3 Lifecycle).
type ArrayBuilder struct {
	elemSig Signature
	elems   []Value
	done    bool
}

// NewArrayBuilder starts building an array of the given element signature.
func NewArrayBuilder(elemSig Signature) *ArrayBuilder {
	return &ArrayBuilder{elemSig: elemSig}
}

// Append adds one element. It panics if called after Finish, which would
// indicate a programmer error (reuse of a consumed builder).
func (b *ArrayBuilder) Append(v Value) *ArrayBuilder {
	b.mustNotBeDone()
	b.elems = append(b.elems, v)
	return b
}

// Finish consumes the builder and returns the completed Array Value.
func (b *ArrayBuilder) Finish() (Value, error) {
	b.mustNotBeDone()
	b.done = true
	return Array(b.elemSig, b.elems)
}

func (b *ArrayBuilder) mustNotBeDone() {
	if b.done {
		panic("value: builder reused after Finish")
	}
}

// StructBuilder accumulates the ordered, heterogeneous fields of a struct.
type StructBuilder struct {
	fields []Value
	done   bool
}

// NewStructBuilder starts building a struct.
func NewStructBuilder() *StructBuilder { return &StructBuilder{} }

// Append adds the next field in order.
func (b *StructBuilder) Append(v Value) *StructBuilder {
	b.mustNotBeDone()
	b.fields = append(b.fields, v)
	return b
}

// Finish consumes the builder and returns the completed Struct Value.
func (b *StructBuilder) Finish() (Value, error) {
	b.mustNotBeDone()
	b.done = true
	if len(b.fields) == 0 {
		return EmptyTuple, nil
	}
	return Struct(b.fields)
}

func (b *StructBuilder) mustNotBeDone() {
	if b.done {
		panic("value: builder reused after Finish")
	}
}

// DictBuilder accumulates (key, value) pairs of a dictionary.
type DictBuilder struct {
	keySig, valSig Signature
	entries        []DictEntry
	done           bool
}

// NewDictBuilder starts building a dictionary with the given key/value
// signatures. keySig must be a primitive or string-like type.
func NewDictBuilder(keySig, valSig Signature) *DictBuilder {
	return &DictBuilder{keySig: keySig, valSig: valSig}
}

// Append adds one (key, value) pair.
func (b *DictBuilder) Append(key, val Value) *DictBuilder {
	b.mustNotBeDone()
	b.entries = append(b.entries, DictEntry{Key: key, Val: val})
	return b
}

// Finish consumes the builder and returns the completed Dict Value.
func (b *DictBuilder) Finish() (Value, error) {
	b.mustNotBeDone()
	b.done = true
	return Dict(b.keySig, b.valSig, b.entries)
}

func (b *DictBuilder) mustNotBeDone() {
	if b.done {
		panic(fmt.Sprintf("value: dict builder (key=%s val=%s) reused after Finish", b.keySig, b.valSig))
	}
}
