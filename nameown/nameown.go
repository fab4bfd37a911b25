// Package nameown implements NameOwner, the counterpart to namewatch:
// claiming a well-known bus name for this process and tracking whether
// it currently holds it, via org.freedesktop.DBus.RequestName and the
// NameLost/NameAcquired signals (§5).
//
// Grounded on the teacher's cs104 U-frame start/stop handshake
// (rob-gra-go-iecp5/cs104/apci.go: uStartDtActive/uStartDtConfirm and
// uStopDtActive/uStopDtConfirm are exactly an acquire/release pair guarded
// against firing out of order) and the registry-of-live-handles idea from
// kryptco-kr's keyring (a process-wide, mutex-protected table keyed by an
// opaque handle rather than a raw index).
package nameown

import (
	"context"
	"sync"

	"github.com/riftbus/dbus/codec"
	"github.com/riftbus/dbus/dlog"
	"github.com/riftbus/dbus/internal/idregistry"
	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

// State is this process's belief about whether it currently owns the name.
type State int

const (
	StateUninitialized State = iota
	StateAcquired
	StateLost
)

func (s State) String() string {
	switch s {
	case StateAcquired:
		return "acquired"
	case StateLost:
		return "lost"
	default:
		return "uninitialized"
	}
}

type lastCall int

const (
	lastCallNone lastCall = iota
	lastCallAcquired
	lastCallLost
)

// Flags mirror org.freedesktop.DBus.RequestName's request flags.
type Flags = wire.RequestNameFlags

const (
	FlagAllowReplacement = wire.FlagAllowReplacement
	FlagReplaceExisting  = wire.FlagReplaceExisting
	FlagDoNotQueue       = wire.FlagDoNotQueue
)

// Handle is the opaque, process-wide identifier returned by Own.
type Handle = idregistry.Handle

var registry = idregistry.New[Owner]()

// Lookup finds a still-live Owner by its Handle, for diagnostics and
// testing; ok is false once the Owner has been released.
func Lookup(h Handle) (o *Owner, ok bool) {
	return registry.Lookup(h)
}

// Owner holds a claim on one well-known bus name.
type Owner struct {
	conn wire.Connection
	name string
	log  dlog.Logger

	acquired func()
	lost     func()

	mu           sync.Mutex
	state        State
	last         lastCall
	closed       bool
	needsRelease bool
	handle       Handle
	sub          wire.Subscription
	cancelFn     context.CancelFunc
}

// Own requests name on conn with the given flags. acquired fires once
// this process becomes the name's owner; lost fires once it no longer
// is, including when a higher-priority requester replaces it while
// queued, or at release. Either callback may be nil.
func Own(conn wire.Connection, name string, flags Flags, acquired, lost func()) *Owner {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Owner{
		conn:     conn,
		name:     name,
		log:      dlog.New("nameown"),
		acquired: acquired,
		lost:     lost,
		cancelFn: cancel,
	}
	o.handle = registry.Register(o)

	// NameLost/NameAcquired are sent only to the unique name they concern,
	// never broadcast by well-known name, so the match filters on this
	// connection's own unique name rather than name (contrast
	// namewatch's NameOwnerChanged subscription, which filters by name).
	sub, err := conn.Subscribe(wire.MatchRule{
		Interface: "org.freedesktop.DBus",
		Member:    "NameLost",
		Arg0:      conn.UniqueName(),
	}, o.onNameLost)
	if err != nil {
		o.log.Warn("subscribe NameLost for %s failed: %v", name, err)
	}
	sub2, err2 := conn.Subscribe(wire.MatchRule{
		Interface: "org.freedesktop.DBus",
		Member:    "NameAcquired",
		Arg0:      conn.UniqueName(),
	}, o.onNameAcquired)
	if err2 != nil {
		o.log.Warn("subscribe NameAcquired for %s failed: %v", name, err2)
	}
	o.mu.Lock()
	o.sub = combinedSub{sub, sub2}
	o.mu.Unlock()

	conn.OnDisconnect(func() { o.transition(StateLost) })

	go o.requestName(ctx, flags)

	return o
}

type combinedSub struct{ a, b wire.Subscription }

func (c combinedSub) Close() error {
	if c.a != nil {
		_ = c.a.Close()
	}
	if c.b != nil {
		_ = c.b.Close()
	}
	return nil
}

func (o *Owner) requestName(ctx context.Context, flags Flags) {
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: "org.freedesktop.DBus",
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "RequestName",
		Signature:   "su",
	}
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if s, err := value.String(o.name); err == nil {
		_ = codec.Encode(ac, "s", s)
	}
	_ = codec.Encode(ac, "u", value.Uint32(uint32(flags)))
	msg.Body = buf

	reply, err := o.conn.SendWithReplySync(ctx, msg, 0)
	if ctx.Err() != nil {
		return
	}
	if err != nil || reply.Type == wire.TypeError {
		o.log.Warn("RequestName(%s) failed: %v", o.name, err)
		o.transition(StateLost)
		return
	}

	cur, err := wire.NewCursor(reply.Body, value.Signature(reply.Signature), wire.NativeEndian)
	if err != nil || !cur.Next() {
		o.transition(StateLost)
		return
	}
	v, err := codec.Decode(cur)
	if err != nil {
		o.transition(StateLost)
		return
	}

	switch wire.RequestNameReply(v.Uint32()) {
	case wire.ReplyPrimaryOwner:
		o.mu.Lock()
		o.needsRelease = true
		o.mu.Unlock()
		o.transition(StateAcquired)
	case wire.ReplyInQueue:
		o.mu.Lock()
		o.needsRelease = true
		o.mu.Unlock()
		// Stay lost until NameAcquired arrives once queued.
		o.transition(StateLost)
	case wire.ReplyExists, wire.ReplyAlreadyOwner:
		o.transition(StateLost)
	}
}

// onNameLost and onNameAcquired fire for every name this connection
// gains or loses, so each checks the signal body names this Owner's own
// name before transitioning — a single connection may hold several names
// concurrently, each with its own Owner.
func (o *Owner) onNameLost(msg *wire.Message) {
	if !o.signalNamesUs(msg) {
		return
	}
	o.transition(StateLost)
}

func (o *Owner) onNameAcquired(msg *wire.Message) {
	if !o.signalNamesUs(msg) {
		return
	}
	o.transition(StateAcquired)
}

func (o *Owner) signalNamesUs(msg *wire.Message) bool {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil || !cur.Next() {
		return false
	}
	v, err := codec.Decode(cur)
	if err != nil {
		return false
	}
	return v.Str() == o.name
}

func (o *Owner) transition(next State) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.state = next
	var fireAcquired, fireLost bool
	switch next {
	case StateAcquired:
		if o.last != lastCallAcquired {
			fireAcquired = true
			o.last = lastCallAcquired
		}
	case StateLost:
		if o.last != lastCallLost {
			fireLost = true
			o.last = lastCallLost
		}
	}
	acquired, lost := o.acquired, o.lost
	o.mu.Unlock()

	if fireAcquired && acquired != nil {
		acquired()
	} else if fireLost && lost != nil {
		lost()
	}
}

// CurrentState reports the owner's last-known state.
func (o *Owner) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Release gives up the name claim. If this process ever became its
// owner or joined its queue, ReleaseName is called synchronously on the
// bus before Release returns — documented bus-daemon workaround: without
// a synchronous release, a rapid Own/Release/Own sequence can race the
// daemon's own bookkeeping and leave the name queued under a stale
// request. If the name was held, lost fires exactly once.
func (o *Owner) Release() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sub := o.sub
	needsRelease := o.needsRelease
	needsLost := o.last == lastCallAcquired
	lost := o.lost
	o.last = lastCallLost
	o.mu.Unlock()

	o.cancelFn()
	if sub != nil {
		_ = sub.Close()
	}
	if needsRelease {
		o.conn.SendWithReplySync(context.Background(), &wire.Message{
			Type:        wire.TypeMethodCall,
			Destination: "org.freedesktop.DBus",
			Path:        "/org/freedesktop/DBus",
			Interface:   "org.freedesktop.DBus",
			Member:      "ReleaseName",
			Signature:   "s",
			Body:        encodeNameOnly(o.name),
		}, 0)
	}
	registry.Unregister(o.handle)
	if needsLost && lost != nil {
		lost()
	}
}

// Handle returns this owner's process-wide registry handle.
func (o *Owner) Handle() Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handle
}

func encodeNameOnly(name string) []byte {
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if s, err := value.String(name); err == nil {
		_ = codec.Encode(ac, "s", s)
	}
	return buf
}
