package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArrayBuilder(t *testing.T) {
	b := NewArrayBuilder("y")
	b.Append(Byte(1)).Append(Byte(2)).Append(Byte(3))
	v, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, 3, len(v.Elements()))
	assert.Panics(t, func() { b.Append(Byte(4)) }, "builder must not be reusable after Finish")
}

func TestStructBuilderEmptyYieldsEmptyTuple(t *testing.T) {
	v, err := NewStructBuilder().Finish()
	require.NoError(t, err)
	assert.Equal(t, Empty, v.Signature())
}

func TestDictBuilder(t *testing.T) {
	b := NewDictBuilder("s", "v")
	k1, _ := String("a")
	k2, _ := String("b")
	b.Append(k1, Variant(Int32(1))).Append(k2, Variant(Int32(2)))
	v, err := b.Finish()
	require.NoError(t, err)
	assert.Equal(t, 2, len(v.Entries()))
}
