package codec

import (
	"fmt"
	"math"

	"github.com/riftbus/dbus/dbuserr"
	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

// EncodeArgs appends every value in vs to cur in order, each under its own
// signature (the top-level argument list of a message body).
func EncodeArgs(cur wire.AppendCursor, vs []value.Value) error {
	for _, v := range vs {
		if err := Encode(cur, v.Signature(), v); err != nil {
			return err
		}
	}
	return nil
}

// Encode writes v to cur for the demanded signature sig. When v's own
// signature already matches sig it is written directly; otherwise Encode
// attempts the loss-free coercions §4.1 allows (re-boxing an integer
// Value under another integer signature whose range holds it, and boxing
// any value into a requested "v")
// before failing with ConversionFailed.
func Encode(cur wire.AppendCursor, sig value.Signature, v value.Value) error {
	if sig == "v" && v.Kind() != value.KindVariant {
		return encodeVariant(cur, v)
	}
	if v.Signature() == sig {
		return encodeExact(cur, v)
	}
	if coerced, ok := coerceNumeric(sig, v); ok {
		return encodeExact(cur, coerced)
	}
	return dbuserr.ConversionFailed(string(sig), fmt.Sprintf("value has signature %q", string(v.Signature())))
}

func encodeExact(cur wire.AppendCursor, v value.Value) error {
	switch v.Kind() {
	case value.KindByte:
		return cur.AppendBasic(value.TypeByte, v.Byte())
	case value.KindBoolean:
		return cur.AppendBasic(value.TypeBoolean, v.Bool())
	case value.KindInt16:
		return cur.AppendBasic(value.TypeInt16, v.Int16())
	case value.KindUint16:
		return cur.AppendBasic(value.TypeUint16, v.Uint16())
	case value.KindInt32:
		return cur.AppendBasic(value.TypeInt32, v.Int32())
	case value.KindUint32:
		return cur.AppendBasic(value.TypeUint32, v.Uint32())
	case value.KindInt64:
		return cur.AppendBasic(value.TypeInt64, v.Int64())
	case value.KindUint64:
		return cur.AppendBasic(value.TypeUint64, v.Uint64())
	case value.KindDouble:
		return cur.AppendBasic(value.TypeDouble, v.Double())
	case value.KindString:
		return cur.AppendBasic(value.TypeString, v.Str())
	case value.KindObjectPath:
		return cur.AppendBasic(value.TypeObjectPath, v.Str())
	case value.KindSignature:
		return cur.AppendBasic(value.TypeSignature, v.Str())
	case value.KindArray:
		return encodeArray(cur, v)
	case value.KindStruct:
		return encodeStruct(cur, v)
	case value.KindDict:
		return encodeDict(cur, v)
	case value.KindVariant:
		return encodeVariant(cur, v.Inner())
	default:
		return dbuserr.ConversionFailed(string(v.Signature()), "value is not valid")
	}
}

func encodeArray(cur wire.AppendCursor, v value.Value) error {
	elemSig := v.ElementSignature()
	elems := v.Elements()

	if data, _, ok := fixedArrayBytes(elemSig, elems); ok {
		return cur.AppendFixedArray(byte(elemSig[0]), data, len(elems))
	}

	sub, err := cur.OpenContainer(wire.ContainerArray, elemSig)
	if err != nil {
		return err
	}
	for _, e := range elems {
		if err := Encode(sub, elemSig, e); err != nil {
			return err
		}
	}
	return cur.CloseContainer(sub)
}

// fixedArrayBytes bulk-serialises an array of fixed-width primitives in
// one pass, the encode-side mirror of decodeFixedArrayBulk and the hot
// path §4.1 calls for.
func fixedArrayBytes(elemSig value.Signature, elems []value.Value) (data []byte, elemSize int, ok bool) {
	if len(elemSig) != 1 {
		return nil, 0, false
	}
	size := fixedElemSize(byte(elemSig[0]))
	if size == 0 {
		return nil, 0, false
	}
	buf := make([]byte, 0, size*len(elems))
	for _, e := range elems {
		buf = appendFixedElem(buf, e)
	}
	return buf, size, true
}

func fixedElemSize(code byte) int {
	switch code {
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

func appendFixedElem(buf []byte, v value.Value) []byte {
	switch v.Kind() {
	case value.KindByte:
		return append(buf, v.Byte())
	case value.KindBoolean:
		var b [4]byte
		u := uint32(0)
		if v.Bool() {
			u = 1
		}
		wire.NativeEndian.PutUint32(b[:], u)
		return append(buf, b[:]...)
	case value.KindInt16:
		var b [2]byte
		wire.NativeEndian.PutUint16(b[:], uint16(v.Int16()))
		return append(buf, b[:]...)
	case value.KindUint16:
		var b [2]byte
		wire.NativeEndian.PutUint16(b[:], v.Uint16())
		return append(buf, b[:]...)
	case value.KindInt32:
		var b [4]byte
		wire.NativeEndian.PutUint32(b[:], uint32(v.Int32()))
		return append(buf, b[:]...)
	case value.KindUint32:
		var b [4]byte
		wire.NativeEndian.PutUint32(b[:], v.Uint32())
		return append(buf, b[:]...)
	case value.KindInt64:
		var b [8]byte
		wire.NativeEndian.PutUint64(b[:], uint64(v.Int64()))
		return append(buf, b[:]...)
	case value.KindUint64:
		var b [8]byte
		wire.NativeEndian.PutUint64(b[:], v.Uint64())
		return append(buf, b[:]...)
	case value.KindDouble:
		var b [8]byte
		wire.NativeEndian.PutUint64(b[:], math.Float64bits(v.Double()))
		return append(buf, b[:]...)
	default:
		return buf
	}
}

func encodeStruct(cur wire.AppendCursor, v value.Value) error {
	sub, err := cur.OpenContainer(wire.ContainerStruct, "")
	if err != nil {
		return err
	}
	for _, f := range v.Fields() {
		if err := Encode(sub, f.Signature(), f); err != nil {
			return err
		}
	}
	return cur.CloseContainer(sub)
}

func encodeDict(cur wire.AppendCursor, v value.Value) error {
	keySig, valSig, err := v.ElementSignature().DictEntry()
	if err != nil {
		return err
	}
	sub, err := cur.OpenContainer(wire.ContainerArray, v.ElementSignature())
	if err != nil {
		return err
	}
	for _, entry := range v.Entries() {
		entryCur, err := sub.OpenContainer(wire.ContainerDictEntry, "")
		if err != nil {
			return err
		}
		if err := Encode(entryCur, keySig, entry.Key); err != nil {
			return err
		}
		if err := Encode(entryCur, valSig, entry.Val); err != nil {
			return err
		}
		if err := sub.CloseContainer(entryCur); err != nil {
			return err
		}
	}
	return cur.CloseContainer(sub)
}

func encodeVariant(cur wire.AppendCursor, inner value.Value) error {
	sub, err := cur.OpenContainer(wire.ContainerVariant, inner.Signature())
	if err != nil {
		return err
	}
	if err := Encode(sub, inner.Signature(), inner); err != nil {
		return err
	}
	return cur.CloseContainer(sub)
}

// coerceNumeric implements the loss-free numeric coercions §4.1 allows
// when a caller's Value doesn't carry exactly the signature a method
// argument or property demands: any fixed-width integer Value may be
// re-boxed under any integer signature, signed or unsigned and of any
// width, provided the value fits its range.
func coerceNumeric(sig value.Signature, v value.Value) (value.Value, bool) {
	if len(sig) != 1 {
		return value.Value{}, false
	}
	raw, ok := rawInteger(v)
	if !ok {
		return value.Value{}, false
	}
	switch sig[0] {
	case value.TypeByte:
		if raw < 0 || raw > 0xff {
			return value.Value{}, false
		}
		return value.Byte(byte(raw)), true
	case value.TypeInt16:
		if raw < -(1<<15) || raw > (1<<15)-1 {
			return value.Value{}, false
		}
		return value.Int16(int16(raw)), true
	case value.TypeUint16:
		if raw < 0 || raw > 0xffff {
			return value.Value{}, false
		}
		return value.Uint16(uint16(raw)), true
	case value.TypeInt32:
		if raw < -(1<<31) || raw > (1<<31)-1 {
			return value.Value{}, false
		}
		return value.Int32(int32(raw)), true
	case value.TypeUint32:
		if raw < 0 || raw > 0xffffffff {
			return value.Value{}, false
		}
		return value.Uint32(uint32(raw)), true
	case value.TypeInt64:
		return value.Int64(raw), true
	case value.TypeUint64:
		if raw < 0 {
			return value.Value{}, false
		}
		return value.Uint64(uint64(raw)), true
	default:
		return value.Value{}, false
	}
}

// rawInteger widens any fixed-width integer Value to an int64 so
// coerceNumeric can range-check it against the target width in one place.
func rawInteger(v value.Value) (int64, bool) {
	switch v.Kind() {
	case value.KindByte:
		return int64(v.Byte()), true
	case value.KindInt16:
		return int64(v.Int16()), true
	case value.KindUint16:
		return int64(v.Uint16()), true
	case value.KindInt32:
		return int64(v.Int32()), true
	case value.KindUint32:
		return int64(v.Uint32()), true
	case value.KindInt64:
		return v.Int64(), true
	case value.KindUint64:
		u := v.Uint64()
		if u > 1<<63-1 {
			return 0, false
		}
		return int64(u), true
	default:
		return 0, false
	}
}
