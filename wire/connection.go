package wire

import (
	"context"
	"encoding/binary"
	"time"
)

// NativeEndian is the byte order this process's architecture uses; D-Bus
// messages carry their own endianness flag and either order is legal on
// the wire, but a sender conventionally marshals in its native order.
var NativeEndian binary.ByteOrder = binary.LittleEndian

// MessageType identifies one of the four D-Bus message kinds.
type MessageType int

const (
	TypeMethodCall MessageType = iota + 1
	TypeMethodReturn
	TypeError
	TypeSignal
)

// Message is the header this library needs out of a D-Bus message; Body
// is consumed through a Cursor built with NewCursor, not accessed
// directly (§6).
type Message struct {
	Type        MessageType
	Sender      string
	Destination string
	Path        string
	Interface   string
	Member      string
	Serial      uint32
	ReplySerial uint32
	ErrorName   string
	Signature   string
	Body        []byte
}

// Handler processes an incoming method call and returns the reply body
// signature/value pair, or an error to be sent back as a D-Bus error
// reply.
type Handler func(ctx context.Context, msg *Message) (replySig string, replyBody []byte, err error)

// MatchRule selects which signals a Subscription receives. Empty fields
// are wildcards. Arg0 is compared with the key the bus publishes a signal
// under: the well-known name (its first argument) for NameOwnerChanged,
// and the recipient's unique name for NameLost/NameAcquired. A signal
// published without a key matches only rules that leave Arg0 empty.
type MatchRule struct {
	Sender    string
	Interface string
	Member    string
	Path      string
	Arg0      string
}

// Subscription is a live signal subscription; cancel it with Close.
type Subscription interface {
	Close() error
}

// PendingCall is an in-flight asynchronous method call.
type PendingCall interface {
	// Done is closed when a reply, error, cancellation or timeout has
	// been delivered.
	Done() <-chan struct{}
	// Result returns the reply (Message of type TypeMethodReturn or
	// TypeError) once Done is closed. Before Done is closed, or when
	// Cancel closed it with no reply, it returns a nil Message and a nil
	// error.
	Result() (*Message, error)
	// Cancel requests cancellation; best-effort per spec §5 — a reply
	// already in flight may still arrive and is dropped.
	Cancel()
}

// Connection is the lower-level transport boundary this library is
// layered on (§6): message send/reply primitives, signal subscription,
// and disconnect notification. Framing, authentication and socket I/O
// live below this interface and are out of scope.
type Connection interface {
	// Send dispatches msg with no reply expected (e.g. a signal or a
	// fire-and-forget call) and returns the serial it was sent with.
	Send(ctx context.Context, msg *Message) (serial uint32, err error)

	// SendWithReply dispatches msg and returns a PendingCall that
	// resolves asynchronously; timeout <= 0 means no deadline.
	SendWithReply(ctx context.Context, msg *Message, timeout time.Duration) (PendingCall, error)

	// SendWithReplySync dispatches msg and blocks the calling goroutine
	// until the reply arrives, without involving a main loop (§5's
	// "private wait").
	SendWithReplySync(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)

	// Subscribe registers a signal match rule; h is invoked for every
	// matching signal until the returned Subscription is closed.
	Subscribe(rule MatchRule, h func(*Message)) (Subscription, error)

	// ExportHandler registers h to answer method calls on the given
	// interface, object path and optional subtree marker.
	ExportHandler(path, interfaceName string, subtree bool, h Handler) (unregister func(), err error)

	// OnDisconnect registers a callback fired exactly once when the
	// connection is lost.
	OnDisconnect(func())

	// UniqueName returns this connection's bus-assigned unique name
	// (e.g. ":1.42"), used to recognise replies from a specific name
	// owner after it changes.
	UniqueName() string
}
