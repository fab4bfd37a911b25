package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/riftbus/dbus/value"
)

// alignment returns the wire alignment, in bytes, for a given type code.
func alignment(typeCode byte) int {
	switch typeCode {
	case value.TypeByte, value.TypeSignature:
		return 1
	case value.TypeInt16, value.TypeUint16:
		return 2
	case value.TypeBoolean, value.TypeInt32, value.TypeUint32, value.TypeString, value.TypeObjectPath, value.TypeArray:
		return 4
	case value.TypeInt64, value.TypeUint64, value.TypeDouble, value.TypeStructO, value.TypeDictO:
		return 8
	case value.TypeVariant:
		return 1
	default:
		return 1
	}
}

func fixedSize(typeCode byte) int {
	switch typeCode {
	case value.TypeByte:
		return 1
	case value.TypeInt16, value.TypeUint16:
		return 2
	case value.TypeBoolean, value.TypeInt32, value.TypeUint32:
		return 4
	case value.TypeInt64, value.TypeUint64, value.TypeDouble:
		return 8
	default:
		return 0
	}
}

func padLen(offset, align int) int {
	if align <= 1 {
		return 0
	}
	rem := offset % align
	if rem == 0 {
		return 0
	}
	return align - rem
}

// --- append side ---

type byteAppendCursor struct {
	order  binary.ByteOrder
	buf    *[]byte
	origin int // offset in *buf of an array's reserved length prefix; -1 for other containers

	// bodyStart is the offset in *buf where an array's element data
	// begins, after any padding that follows the length prefix.
	bodyStart int
}

// NewAppendCursor returns an AppendCursor that appends to buf starting at
// its current length, using order for multi-byte primitives.
func NewAppendCursor(buf *[]byte, order binary.ByteOrder) AppendCursor {
	return &byteAppendCursor{order: order, buf: buf, origin: 0}
}

func (c *byteAppendCursor) align(n int) {
	pad := padLen(len(*c.buf), n)
	for i := 0; i < pad; i++ {
		*c.buf = append(*c.buf, 0)
	}
}

func (c *byteAppendCursor) AppendBasic(typeCode byte, v any) error {
	switch typeCode {
	case value.TypeByte:
		*c.buf = append(*c.buf, v.(byte))
		return nil
	case value.TypeBoolean:
		c.align(4)
		var u uint32
		if v.(bool) {
			u = 1
		}
		c.appendUint32(u)
		return nil
	case value.TypeInt16:
		c.align(2)
		c.appendUint16(uint16(v.(int16)))
		return nil
	case value.TypeUint16:
		c.align(2)
		c.appendUint16(v.(uint16))
		return nil
	case value.TypeInt32:
		c.align(4)
		c.appendUint32(uint32(v.(int32)))
		return nil
	case value.TypeUint32:
		c.align(4)
		c.appendUint32(v.(uint32))
		return nil
	case value.TypeInt64:
		c.align(8)
		c.appendUint64(uint64(v.(int64)))
		return nil
	case value.TypeUint64:
		c.align(8)
		c.appendUint64(v.(uint64))
		return nil
	case value.TypeDouble:
		c.align(8)
		c.appendUint64(math.Float64bits(v.(float64)))
		return nil
	case value.TypeString, value.TypeObjectPath:
		c.align(4)
		s := v.(string)
		c.appendUint32(uint32(len(s)))
		*c.buf = append(*c.buf, s...)
		*c.buf = append(*c.buf, 0)
		return nil
	case value.TypeSignature:
		s := v.(string)
		if len(s) > 255 {
			return fmt.Errorf("wire: signature %q exceeds 255 bytes", s)
		}
		*c.buf = append(*c.buf, byte(len(s)))
		*c.buf = append(*c.buf, s...)
		*c.buf = append(*c.buf, 0)
		return nil
	default:
		return fmt.Errorf("wire: %q is not a basic type", string(typeCode))
	}
}

func (c *byteAppendCursor) appendUint16(v uint16) {
	var b [2]byte
	c.order.PutUint16(b[:], v)
	*c.buf = append(*c.buf, b[:]...)
}

func (c *byteAppendCursor) appendUint32(v uint32) {
	var b [4]byte
	c.order.PutUint32(b[:], v)
	*c.buf = append(*c.buf, b[:]...)
}

func (c *byteAppendCursor) appendUint64(v uint64) {
	var b [8]byte
	c.order.PutUint64(b[:], v)
	*c.buf = append(*c.buf, b[:]...)
}

// AppendFixedArray bulk-appends without per-element recursion: the hot
// path required by §4.1 for arrays of fixed-width primitives.
func (c *byteAppendCursor) AppendFixedArray(elemTypeCode byte, data []byte, count int) error {
	size := fixedSize(elemTypeCode)
	if size == 0 {
		return fmt.Errorf("wire: %q is not a fixed-width primitive", string(elemTypeCode))
	}
	if len(data) != size*count {
		return fmt.Errorf("wire: fixed array data length %d does not match %d elements of size %d", len(data), count, size)
	}
	c.align(4)
	c.appendUint32(uint32(len(data)))
	align := alignment(elemTypeCode)
	c.align(align)
	*c.buf = append(*c.buf, data...)
	return nil
}

func (c *byteAppendCursor) OpenContainer(kind ContainerKind, elemSig value.Signature) (AppendCursor, error) {
	switch kind {
	case ContainerArray:
		c.align(4)
		// Reserve the length prefix; CloseContainer patches it once the
		// body length is known.
		lenOffset := len(*c.buf)
		c.appendUint32(0)
		if len(elemSig) > 0 {
			c.align(alignment(byte(elemSig[0])))
		}
		return &byteAppendCursor{order: c.order, buf: c.buf, origin: lenOffset, bodyStart: len(*c.buf)}, nil
	case ContainerStruct, ContainerDictEntry:
		c.align(8)
		return &byteAppendCursor{order: c.order, buf: c.buf, origin: -1}, nil
	case ContainerVariant:
		if err := c.AppendBasic(value.TypeSignature, string(elemSig)); err != nil {
			return nil, err
		}
		return &byteAppendCursor{order: c.order, buf: c.buf, origin: -1}, nil
	default:
		return nil, fmt.Errorf("wire: unknown container kind %q", byte(kind))
	}
}

func (c *byteAppendCursor) CloseContainer(sub AppendCursor) error {
	bc, ok := sub.(*byteAppendCursor)
	if !ok {
		return fmt.Errorf("wire: CloseContainer given a cursor not produced by OpenContainer")
	}
	if bc.origin >= 0 {
		// Array: patch the reserved length prefix with the body length,
		// which excludes the padding between the prefix and the elements.
		bodyLen := len(*bc.buf) - bc.bodyStart
		c.order.PutUint32((*bc.buf)[bc.origin:bc.origin+4], uint32(bodyLen))
	}
	return nil
}
