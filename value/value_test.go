package value

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrimitiveRoundTripEquality(t *testing.T) {
	a := Uint32(42)
	b := Uint32(42)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(Uint32(43)))
	assert.Equal(t, Signature("u"), a.Signature())
}

func TestStringLikeDistinctVariants(t *testing.T) {
	s, err := String("/not/actually/a/path")
	require.NoError(t, err)
	o, err := ObjectPath("/not/actually/a/path")
	require.NoError(t, err)

	assert.Equal(t, KindString, s.Kind())
	assert.Equal(t, KindObjectPath, o.Kind())
	assert.False(t, s.Equal(o), "same text, different wire type, must not compare equal")
}

func TestObjectPathSyntax(t *testing.T) {
	valid := []string{"/", "/foo", "/foo/bar", "/foo/bar_baz/Qux9"}
	for _, p := range valid {
		_, err := ObjectPath(p)
		assert.NoError(t, err, p)
	}
	invalid := []string{"", "foo", "/foo/", "/foo//bar", "/foo/ba r"}
	for _, p := range invalid {
		_, err := ObjectPath(p)
		assert.Error(t, err, p)
	}
}

func TestDictRejectsNonBasicKey(t *testing.T) {
	elem, err := Array("y", nil)
	require.NoError(t, err)
	_, err = Dict(elem.Signature(), "s", nil)
	assert.Error(t, err, "array key type must be rejected")
}

func TestDictEveryPermittedKeyType(t *testing.T) {
	keyKinds := []Signature{"y", "b", "n", "q", "i", "u", "x", "t", "d", "s", "o", "g"}
	for _, k := range keyKinds {
		var key Value
		var err error
		switch k {
		case "y":
			key = Byte(1)
		case "b":
			key = Bool(true)
		case "n":
			key = Int16(1)
		case "q":
			key = Uint16(1)
		case "i":
			key = Int32(1)
		case "u":
			key = Uint32(1)
		case "x":
			key = Int64(1)
		case "t":
			key = Uint64(1)
		case "d":
			key = Double(1)
		case "s":
			key, err = String("k")
		case "o":
			key, err = ObjectPath("/k")
		case "g":
			key, err = SignatureValue("y")
		}
		require.NoError(t, err, string(k))
		d, err := Dict(k, "s", []DictEntry{{Key: key, Val: trustedString("v")}})
		assert.NoError(t, err, string(k))
		assert.Equal(t, KindDict, d.Kind())
	}
}

func TestVariantWrappingVariantWrappingPrimitive(t *testing.T) {
	inner := Uint32(7)
	v1 := Variant(inner)
	v2 := Variant(v1)

	assert.Equal(t, KindVariant, v2.Kind())
	assert.Equal(t, KindVariant, v2.Inner().Kind())
	assert.Equal(t, KindUint32, v2.Inner().Inner().Kind())
	assert.Equal(t, uint32(7), v2.Inner().Inner().Uint32())
}

func TestArrayOfFixedWidthLengths(t *testing.T) {
	empty, err := Array("y", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, len(empty.Elements()))

	n := 1<<16 + 5
	elems := make([]Value, n)
	for i := range elems {
		elems[i] = Byte(byte(i))
	}
	big, err := Array("y", elems)
	require.NoError(t, err)
	assert.Equal(t, n, len(big.Elements()))
}

func TestNestedStructsThreeDeep(t *testing.T) {
	innermost, err := Struct([]Value{Byte(1)})
	require.NoError(t, err)
	middle, err := Struct([]Value{innermost})
	require.NoError(t, err)
	outer, err := Struct([]Value{middle})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(outer.Signature()), "((("))
	assert.Equal(t, byte(1), outer.Fields()[0].Fields()[0].Fields()[0].Byte())
}

func TestEmptyTupleSignature(t *testing.T) {
	assert.Equal(t, Empty, EmptyTuple.Signature())
}

func TestEqualRequiresSameSignature(t *testing.T) {
	a := Int32(1)
	b := Uint32(1)
	assert.False(t, a.Equal(b))
}
