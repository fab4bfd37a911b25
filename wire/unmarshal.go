package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/riftbus/dbus/value"
)

// byteCursor is the one concrete Cursor this repository ships, reading
// directly off a byte slice using real D-Bus alignment rules. pos is a
// pointer shared with any parent cursor: once a sub-cursor returned by
// Recurse is fully drained by the caller, the parent's own position has
// advanced by exactly the bytes consumed, with no separate bookkeeping.
type byteCursor struct {
	order binary.ByteOrder
	data  []byte
	pos   *int

	// Either repeating (array body: element type repeats until end) or a
	// fixed ordered list of distinct sibling types (struct fields, a
	// dict-entry's key+value, a variant's single inner type, or a
	// message body's top-level arguments).
	repeating bool
	elemSig   value.Signature
	types     []value.Signature
	idx       int
	end       int // exclusive byte offset bound; -1 when unbounded
}

// NewCursor returns a Cursor over data's top-level arguments, described by
// sig (a possibly-empty sequence of complete types).
func NewCursor(data []byte, sig value.Signature, order binary.ByteOrder) (Cursor, error) {
	types, err := sig.Elements()
	if err != nil {
		return nil, err
	}
	pos := 0
	return &byteCursor{order: order, data: data, pos: &pos, types: types, idx: -1, end: -1}, nil
}

func (c *byteCursor) currentSig() value.Signature {
	if c.repeating {
		return c.elemSig
	}
	return c.types[c.idx]
}

func (c *byteCursor) Next() bool {
	if c.repeating {
		return *c.pos < c.end
	}
	c.idx++
	return c.idx < len(c.types)
}

func (c *byteCursor) ArgType() byte {
	s := c.currentSig()
	if len(s) == 0 {
		return 0
	}
	return s[0]
}

func (c *byteCursor) Signature() value.Signature { return c.currentSig() }

func (c *byteCursor) align(n int) {
	*c.pos += padLen(*c.pos, n)
}

func (c *byteCursor) Basic() (any, error) {
	t := c.ArgType()
	switch t {
	case value.TypeByte:
		v := c.data[*c.pos]
		*c.pos++
		return v, nil
	case value.TypeBoolean:
		c.align(4)
		v := c.order.Uint32(c.data[*c.pos:])
		*c.pos += 4
		return v != 0, nil
	case value.TypeInt16:
		c.align(2)
		v := int16(c.order.Uint16(c.data[*c.pos:]))
		*c.pos += 2
		return v, nil
	case value.TypeUint16:
		c.align(2)
		v := c.order.Uint16(c.data[*c.pos:])
		*c.pos += 2
		return v, nil
	case value.TypeInt32:
		c.align(4)
		v := int32(c.order.Uint32(c.data[*c.pos:]))
		*c.pos += 4
		return v, nil
	case value.TypeUint32:
		c.align(4)
		v := c.order.Uint32(c.data[*c.pos:])
		*c.pos += 4
		return v, nil
	case value.TypeInt64:
		c.align(8)
		v := int64(c.order.Uint64(c.data[*c.pos:]))
		*c.pos += 8
		return v, nil
	case value.TypeUint64:
		c.align(8)
		v := c.order.Uint64(c.data[*c.pos:])
		*c.pos += 8
		return v, nil
	case value.TypeDouble:
		c.align(8)
		bits := c.order.Uint64(c.data[*c.pos:])
		*c.pos += 8
		return math.Float64frombits(bits), nil
	case value.TypeString, value.TypeObjectPath:
		c.align(4)
		ln := c.order.Uint32(c.data[*c.pos:])
		*c.pos += 4
		s := string(c.data[*c.pos : *c.pos+int(ln)])
		*c.pos += int(ln) + 1 // skip trailing NUL
		return s, nil
	case value.TypeSignature:
		ln := c.data[*c.pos]
		*c.pos++
		s := string(c.data[*c.pos : *c.pos+int(ln)])
		*c.pos += int(ln) + 1
		return s, nil
	default:
		return nil, fmt.Errorf("wire: %q is not a basic type", string(t))
	}
}

func (c *byteCursor) currentArrayElemSig() (value.Signature, error) {
	s := c.currentSig()
	return s.ArrayElement()
}

func (c *byteCursor) FixedArray() (data []byte, elemSize int, count int, err error) {
	if c.ArgType() != value.TypeArray {
		return nil, 0, 0, fmt.Errorf("wire: FixedArray called on non-array type %q", string(c.ArgType()))
	}
	elemSig, err := c.currentArrayElemSig()
	if err != nil {
		return nil, 0, 0, err
	}
	size := fixedSize(byte(elemSig[0]))
	if size == 0 {
		return nil, 0, 0, fmt.Errorf("wire: array element %q is not a fixed-width primitive", string(elemSig))
	}
	c.align(4)
	ln := c.order.Uint32(c.data[*c.pos:])
	*c.pos += 4
	c.align(alignment(byte(elemSig[0])))
	start := *c.pos
	data = c.data[start : start+int(ln)]
	*c.pos = start + int(ln)
	return data, size, int(ln) / size, nil
}

func (c *byteCursor) Recurse() (Cursor, error) {
	switch c.ArgType() {
	case value.TypeArray:
		elemSig, err := c.currentArrayElemSig()
		if err != nil {
			return nil, err
		}
		c.align(4)
		ln := c.order.Uint32(c.data[*c.pos:])
		*c.pos += 4
		if len(elemSig) > 0 {
			c.align(alignment(byte(elemSig[0])))
		}
		start := *c.pos
		end := start + int(ln)
		return &byteCursor{order: c.order, data: c.data, pos: c.pos, repeating: true, elemSig: elemSig, end: end}, nil
	case value.TypeStructO:
		fields, err := c.currentSig().StructFields()
		if err != nil {
			return nil, err
		}
		c.align(8)
		return &byteCursor{order: c.order, data: c.data, pos: c.pos, types: fields, idx: -1, end: -1}, nil
	case value.TypeDictO:
		key, val, err := c.currentSig().DictEntry()
		if err != nil {
			return nil, err
		}
		c.align(8)
		return &byteCursor{order: c.order, data: c.data, pos: c.pos, types: []value.Signature{key, val}, idx: -1, end: -1}, nil
	case value.TypeVariant:
		ln := int(c.data[*c.pos])
		*c.pos++
		innerSig := value.Signature(c.data[*c.pos : *c.pos+ln])
		*c.pos += ln + 1 // skip trailing NUL
		return &byteCursor{order: c.order, data: c.data, pos: c.pos, types: []value.Signature{innerSig}, idx: -1, end: -1}, nil
	default:
		return nil, fmt.Errorf("wire: %q is not a container type", string(c.ArgType()))
	}
}
