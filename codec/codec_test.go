package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

// roundTrip encodes v as a single top-level argument and decodes it back,
// asserting the result equals v (the property required by §8: decode(
// encode(V)) == V for every representable V).
func roundTrip(t *testing.T, v value.Value) value.Value {
	t.Helper()
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	require.NoError(t, Encode(appendCur, v.Signature(), v))

	cur, err := wire.NewCursor(buf, v.Signature(), wire.NativeEndian)
	require.NoError(t, err)
	require.True(t, cur.Next())
	got, err := Decode(cur)
	require.NoError(t, err)
	return got
}

func TestRoundTripPrimitives(t *testing.T) {
	cases := []value.Value{
		value.Byte(0),
		value.Byte(255),
		value.Bool(true),
		value.Bool(false),
		value.Int16(-32768),
		value.Uint16(65535),
		value.Int32(-1),
		value.Uint32(4294967295),
		value.Int64(-9223372036854775808),
		value.Uint64(18446744073709551615),
		value.Double(3.14159),
	}
	for _, v := range cases {
		got := roundTrip(t, v)
		assert.True(t, v.Equal(got), "%s round-trips", v)
	}
}

func TestRoundTripStrings(t *testing.T) {
	s, err := value.String("hello, world")
	require.NoError(t, err)
	assert.True(t, s.Equal(roundTrip(t, s)))

	op, err := value.ObjectPath("/org/example/Frobnicator")
	require.NoError(t, err)
	assert.True(t, op.Equal(roundTrip(t, op)))

	sig, err := value.SignatureValue("a{sv}")
	require.NoError(t, err)
	assert.True(t, sig.Equal(roundTrip(t, sig)))
}

func TestRoundTripEmptyArray(t *testing.T) {
	arr, err := value.Array("s", nil)
	require.NoError(t, err)
	got := roundTrip(t, arr)
	assert.True(t, arr.Equal(got))
	assert.Equal(t, 0, len(got.Elements()))
}

func TestRoundTripHugeFixedArray(t *testing.T) {
	elems := make([]value.Value, 10000)
	for i := range elems {
		elems[i] = value.Uint32(uint32(i))
	}
	arr, err := value.Array("u", elems)
	require.NoError(t, err)
	got := roundTrip(t, arr)
	assert.True(t, arr.Equal(got))
}

func TestRoundTripNestedStruct(t *testing.T) {
	inner2, err := value.Struct([]value.Value{value.Byte(9)})
	require.NoError(t, err)
	inner1, err := value.Struct([]value.Value{value.Int32(1), inner2})
	require.NoError(t, err)
	outer, err := value.Struct([]value.Value{value.Uint16(2), inner1})
	require.NoError(t, err)

	got := roundTrip(t, outer)
	assert.True(t, outer.Equal(got))
}

func TestRoundTripVariantInVariant(t *testing.T) {
	inner := value.Variant(value.Int32(42))
	outer := value.Variant(inner)
	got := roundTrip(t, outer)
	assert.True(t, outer.Equal(got))
	assert.Equal(t, value.KindVariant, got.Inner().Kind())
	assert.Equal(t, int32(42), got.Inner().Inner().Int32())
}

func TestRoundTripDictAllKeyTypes(t *testing.T) {
	strEntries := []value.DictEntry{
		{Key: mustString(t, "a"), Val: value.Int32(1)},
		{Key: mustString(t, "b"), Val: value.Int32(2)},
	}
	d, err := value.Dict("s", "i", strEntries)
	require.NoError(t, err)
	got := roundTrip(t, d)
	assert.True(t, d.Equal(got))

	u32Entries := []value.DictEntry{
		{Key: value.Uint32(1), Val: value.Bool(true)},
		{Key: value.Uint32(2), Val: value.Bool(false)},
	}
	d2, err := value.Dict("u", "b", u32Entries)
	require.NoError(t, err)
	got2 := roundTrip(t, d2)
	assert.True(t, d2.Equal(got2))

	byteEntries := []value.DictEntry{
		{Key: value.Byte(1), Val: value.Double(1.5)},
	}
	d3, err := value.Dict("y", "d", byteEntries)
	require.NoError(t, err)
	got3 := roundTrip(t, d3)
	assert.True(t, d3.Equal(got3))

	objKey, err := value.ObjectPath("/k")
	require.NoError(t, err)
	sigKey, err := value.SignatureValue("y")
	require.NoError(t, err)
	for _, key := range []value.Value{
		value.Bool(true), value.Int16(-3), value.Uint16(3), value.Int32(-4),
		value.Int64(-5), value.Uint64(5), value.Double(0.5), objKey, sigKey,
	} {
		dk, err := value.Dict(key.Signature(), "i", []value.DictEntry{{Key: key, Val: value.Int32(9)}})
		require.NoError(t, err)
		assert.True(t, dk.Equal(roundTrip(t, dk)), "key type %s", key.Signature())
	}
}

func TestRoundTripArrayOfStructs(t *testing.T) {
	s1, err := value.Struct([]value.Value{value.Int32(1), mustString(t, "x")})
	require.NoError(t, err)
	s2, err := value.Struct([]value.Value{value.Int32(2), mustString(t, "y")})
	require.NoError(t, err)
	arr, err := value.Array("(is)", []value.Value{s1, s2})
	require.NoError(t, err)
	got := roundTrip(t, arr)
	assert.True(t, arr.Equal(got))
}

func TestEncodeNumericCoercion(t *testing.T) {
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	// Int32 value written where a Uint32 is demanded, within range.
	require.NoError(t, Encode(appendCur, "u", value.Int32(7)))

	cur, err := wire.NewCursor(buf, "u", wire.NativeEndian)
	require.NoError(t, err)
	require.True(t, cur.Next())
	got, err := Decode(cur)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), got.Uint32())
}

func TestEncodeCoercionOutOfRangeFails(t *testing.T) {
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	err := Encode(appendCur, "y", value.Int32(-1))
	assert.Error(t, err)
}

func TestEncodeIntoVariantBoxesValue(t *testing.T) {
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	require.NoError(t, Encode(appendCur, "v", mustString(t, "boxed")))

	cur, err := wire.NewCursor(buf, "v", wire.NativeEndian)
	require.NoError(t, err)
	require.True(t, cur.Next())
	got, err := Decode(cur)
	require.NoError(t, err)
	assert.Equal(t, value.KindVariant, got.Kind())
	assert.Equal(t, "boxed", got.Inner().Str())
}

func TestEncodeConversionFailedOnSignatureMismatch(t *testing.T) {
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	err := Encode(appendCur, "s", value.Int32(5))
	assert.Error(t, err)
}

func TestDecodeArgsMultipleTopLevel(t *testing.T) {
	var buf []byte
	appendCur := wire.NewAppendCursor(&buf, wire.NativeEndian)
	require.NoError(t, EncodeArgs(appendCur, []value.Value{
		value.Uint32(1),
		mustString(t, "two"),
		value.Bool(true),
	}))

	cur, err := wire.NewCursor(buf, "usb", wire.NativeEndian)
	require.NoError(t, err)
	got, err := DecodeArgs(cur)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, uint32(1), got[0].Uint32())
	assert.Equal(t, "two", got[1].Str())
	assert.Equal(t, true, got[2].Bool())
}

func mustString(t *testing.T, s string) value.Value {
	t.Helper()
	v, err := value.String(s)
	require.NoError(t, err)
	return v
}
