package dbuserr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWellKnownRoundTrip(t *testing.T) {
	m := NewErrorMap()
	for name := range wellKnown {
		e := m.Classify(name, "boom")
		gotName, _ := m.Encode(e)
		// Multiple wire names can legitimately collapse onto one Kind
		// (Failed/NoMemory); the invariant is that re-encoding produces
		// *a* name that classifies back to the same Kind, not byte
		// identity with the original name in every case.
		assert.Equal(t, e.Kind, m.Classify(gotName, "boom").Kind, name)
	}
}

func TestCanonicalNameRoundTripsExactly(t *testing.T) {
	m := NewErrorMap()
	for name, kind := range wellKnown {
		if reverse[kind] != name {
			continue // not the canonical name for this kind
		}
		e := m.Classify(name, "msg")
		gotName, _ := m.Encode(e)
		assert.Equal(t, name, gotName)
	}
}

func TestUnmappedGErrorEncoding(t *testing.T) {
	name := EncodeUnmapped("MyDomain", 7)
	assert.Equal(t, "org.gtk.GDBus.UnmappedGError.Quark0x4d79446f6d61696e.Code7", name)

	domain, code, ok := decodeUnmapped(name)
	require.True(t, ok)
	assert.Equal(t, "MyDomain", domain)
	assert.Equal(t, 7, code)
}

func TestLocalErrorRoundTripsThroughUnmappedEncoding(t *testing.T) {
	m := NewErrorMap()
	local := LocalError("com.example.MyDomain", 3, "widget exploded")

	wireName, wireMsg := m.Encode(local)
	classified := m.Classify(wireName, wireMsg)

	domain, code, ok := classified.Domain()
	require.True(t, ok)
	assert.Equal(t, "com.example.MyDomain", domain)
	assert.Equal(t, 3, code)
	assert.True(t, errors.Is(classified, local))
}

func TestRemoteExceptionFallbackEncodingAndExtraction(t *testing.T) {
	m := NewErrorMap()
	e := m.Classify("com.example.TestException", "Yo is not a proper greeting")

	assert.Equal(t, KindRemoteException, e.Kind)
	wireName, wireMsg, ok := ExtractRemoteException(e.Message)
	require.True(t, ok)
	assert.Equal(t, "com.example.TestException", wireName)
	assert.Equal(t, "Yo is not a proper greeting", wireMsg)

	gotName, ok2 := e.WireName()
	require.True(t, ok2)
	assert.Equal(t, "com.example.TestException", gotName)
}

func TestDomainConsultedBeforeFallback(t *testing.T) {
	m := NewErrorMap().WithDomains(Domain{"com.example.Frob.Error.Busy": Kind(9000)})
	e := m.Classify("com.example.Frob.Error.Busy", "try again")
	assert.Equal(t, Kind(9000), e.Kind)
}

func TestConversionFailedCarriesSignature(t *testing.T) {
	e := ConversionFailed("a{sv}", "unexpected tag")
	assert.Equal(t, KindConversionFailed, e.Kind)
	assert.Equal(t, "a{sv}", e.Signature)
}

func TestErrorsAsRecoversStructuredError(t *testing.T) {
	wrapped := errors.New("outer context")
	e := Wrap(KindFailed, wrapped, "inner detail")
	var got *Error
	require.True(t, errors.As(e, &got))
	assert.Equal(t, KindFailed, got.Kind)
	assert.Equal(t, wrapped, errors.Unwrap(e))
}
