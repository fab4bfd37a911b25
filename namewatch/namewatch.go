// Package namewatch implements NameWatcher, the state machine that turns
// org.freedesktop.DBus's NameOwnerChanged signal into a strictly
// alternating appeared/vanished callback pair for a single well-known
// bus name (§5).
//
// Grounded on the teacher's cs104 connection lifecycle
// (rob-gra-go-iecp5/cs104/apci.go's U-frame start/stop/test handshake is
// itself a small appeared/alive/vanished state machine) and on
// other_examples/434e0c4d_soumya92-barista__base-watchers-dbus-properties.go.go
// for the convention of driving state transitions off a subscribed
// signal rather than polling.
package namewatch

import (
	"context"
	"sync"
	"time"

	"github.com/riftbus/dbus/codec"
	"github.com/riftbus/dbus/dlog"
	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

// State is the watcher's current belief about the name's ownership.
type State int

const (
	// StateUninitialized is the state before the first GetNameOwner
	// reply or NameOwnerChanged signal has been processed; no callback
	// has fired yet.
	StateUninitialized State = iota
	StateHasOwner
	StateNoOwner
)

func (s State) String() string {
	switch s {
	case StateHasOwner:
		return "has-owner"
	case StateNoOwner:
		return "no-owner"
	default:
		return "uninitialized"
	}
}

// lastCall is the alternation tracker (§5 design note: "previous_call"):
// appeared and vanished must strictly alternate, so a watcher never fires
// the same callback twice in a row.
type lastCall int

const (
	lastCallNone lastCall = iota
	lastCallAppeared
	lastCallVanished
)

// DefaultTimeout bounds the initial GetNameOwner query.
const DefaultTimeout = 25 * time.Second

// Watcher tracks a single well-known name's ownership for as long as it
// is open. Exactly one of appeared/vanished fires per ownership change,
// strictly alternating, starting with whichever the name's state is at
// construction time (never called synchronously from Watch; the first
// callback comes from another goroutine, possibly before Watch returns).
type Watcher struct {
	conn wire.Connection
	name string
	log  dlog.Logger

	appeared func(ownerUnique string)
	vanished func()

	mu       sync.Mutex
	state    State
	last     lastCall
	closed   bool
	sub      wire.Subscription
	cancelFn context.CancelFunc
}

// Watch begins tracking name on conn. appeared is called with the
// current owner's unique name every time name gains an owner; vanished
// is called every time it loses one, including synthetically on Close if
// the name was owned at the time. Either callback may be nil.
func Watch(conn wire.Connection, name string, appeared func(ownerUnique string), vanished func()) *Watcher {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		conn:     conn,
		name:     name,
		log:      dlog.New("namewatch"),
		appeared: appeared,
		vanished: vanished,
		cancelFn: cancel,
	}

	sub, err := conn.Subscribe(wire.MatchRule{
		Interface: "org.freedesktop.DBus",
		Member:    "NameOwnerChanged",
		Arg0:      name,
	}, w.onNameOwnerChanged)
	if err != nil {
		w.log.Warn("subscribe for %s failed: %v", name, err)
	} else {
		w.mu.Lock()
		w.sub = sub
		w.mu.Unlock()
	}

	conn.OnDisconnect(w.onDisconnect)

	// The first transition is always asynchronous: appeared or vanished
	// is never called from Watch itself, only from this goroutine.
	go w.queryInitialOwner(ctx)

	return w
}

func (w *Watcher) queryInitialOwner(ctx context.Context) {
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: "org.freedesktop.DBus",
		Path:        "/org/freedesktop/DBus",
		Interface:   "org.freedesktop.DBus",
		Member:      "GetNameOwner",
		Signature:   "s",
	}
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if s, err := value.String(w.name); err == nil {
		_ = codec.Encode(ac, "s", s)
	}
	msg.Body = buf

	reply, err := w.conn.SendWithReplySync(ctx, msg, DefaultTimeout)
	if ctx.Err() != nil {
		return
	}
	if err != nil || reply.Type == wire.TypeError {
		w.transition(StateNoOwner, "")
		return
	}

	cur, err := wire.NewCursor(reply.Body, value.Signature(reply.Signature), wire.NativeEndian)
	if err != nil || !cur.Next() {
		w.transition(StateNoOwner, "")
		return
	}
	v, err := codec.Decode(cur)
	if err != nil {
		w.transition(StateNoOwner, "")
		return
	}
	w.transition(StateHasOwner, v.Str())
}

func (w *Watcher) onNameOwnerChanged(msg *wire.Message) {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil {
		return
	}
	args, err := codec.DecodeArgs(cur)
	if err != nil || len(args) != 3 {
		return
	}
	newOwner := args[2].Str()
	if newOwner == "" {
		w.transition(StateNoOwner, "")
	} else {
		w.transition(StateHasOwner, newOwner)
	}
}

func (w *Watcher) onDisconnect() {
	w.transition(StateNoOwner, "")
}

// transition applies a new belief about ownership, firing at most one
// callback, and only when it differs from the last call made (the
// alternation invariant).
func (w *Watcher) transition(next State, owner string) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.state = next
	var fireAppeared, fireVanished bool
	switch next {
	case StateHasOwner:
		if w.last != lastCallAppeared {
			fireAppeared = true
			w.last = lastCallAppeared
		}
	case StateNoOwner:
		if w.last != lastCallVanished {
			fireVanished = true
			w.last = lastCallVanished
		}
	}
	appeared, vanished := w.appeared, w.vanished
	w.mu.Unlock()

	if fireAppeared && appeared != nil {
		appeared(owner)
	} else if fireVanished && vanished != nil {
		vanished()
	}
}

// CurrentState reports the watcher's last-known state.
func (w *Watcher) CurrentState() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Close stops watching. If the name was owned at the time, vanished
// fires exactly once more before Close returns, synthesizing the final
// transition a teardown implies.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	sub := w.sub
	needsVanished := w.last == lastCallAppeared
	vanished := w.vanished
	w.last = lastCallVanished
	w.mu.Unlock()

	w.cancelFn()
	if sub != nil {
		_ = sub.Close()
	}
	if needsVanished && vanished != nil {
		vanished()
	}
}
