// Package wire defines the boundary this library consumes from the
// underlying D-Bus transport (§6): message framing, the read/append
// cursor abstractions over a message body, and the connection primitives
// used to send calls and subscribe to signals. The real transport
// (socket I/O, authentication, byte-level framing) is out of scope per
// spec §1 and is always reached through these interfaces; wire/fake.go is
// the one concrete, in-process implementation this repository ships, used
// to drive the Proxy/NameWatcher/NameOwner tests end to end.
package wire

import "github.com/riftbus/dbus/value"

// ContainerKind identifies which compound shape a cursor is recursing
// into or appending, mirroring the four container types the wire format
// distinguishes.
type ContainerKind byte

const (
	ContainerArray     ContainerKind = 'a'
	ContainerStruct    ContainerKind = '('
	ContainerDictEntry ContainerKind = '{'
	ContainerVariant   ContainerKind = 'v'
)

// Cursor is a read cursor positioned at zero or more complete D-Bus
// values, as produced by Recurse-ing into a container or by starting at
// the top of a message body.
type Cursor interface {
	// Next advances to the next sibling value and reports whether one is
	// available. It must be called once before the first Basic/Recurse
	// on a freshly-positioned cursor.
	Next() bool

	// ArgType returns the wire type code of the value Next most recently
	// positioned the cursor on.
	ArgType() byte

	// Signature returns the complete type signature of the value Next
	// most recently positioned the cursor on (e.g. "a{sv}", "(iu)"),
	// letting callers recover array element and dict key/value types
	// without widening every other method of this interface.
	Signature() value.Signature

	// Basic returns the current basic (primitive or string-like) value.
	// It is only valid when ArgType names a basic type.
	Basic() (any, error)

	// FixedArray returns the raw bytes of a fixed-width-element array in
	// one block, without per-element iteration, and the element count.
	// It is only valid when the cursor is positioned on an array of a
	// fixed-width primitive element.
	FixedArray() (data []byte, elemSize int, count int, err error)

	// Recurse opens the current container (array, struct, dict-entry or
	// variant) and returns a cursor over its contents.
	Recurse() (Cursor, error)
}

// AppendCursor is a write cursor that values are appended to in order.
type AppendCursor interface {
	// AppendBasic writes one primitive or string-like value of the given
	// wire type code.
	AppendBasic(typeCode byte, v any) error

	// AppendFixedArray bulk-appends a fixed-width-element array without
	// per-element iteration (the hot path of §4.1's encode contract).
	AppendFixedArray(elemTypeCode byte, data []byte, count int) error

	// OpenContainer starts a compound value and returns a cursor for its
	// contents; elemSig is the element/field signature being opened
	// (meaningful for arrays and variants, ignored for struct/dict-entry
	// since those are signature-driven by the caller's own recursion).
	OpenContainer(kind ContainerKind, elemSig value.Signature) (AppendCursor, error)

	// CloseContainer finishes a container previously returned by
	// OpenContainer, patching in any length prefix the wire format
	// requires (e.g. an array's byte length).
	CloseContainer(sub AppendCursor) error
}
