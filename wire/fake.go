package wire

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Bus is an in-process stand-in for a D-Bus message bus daemon. It is the
// one concrete Connection implementation this repository ships (§6),
// used to drive the Proxy/NameWatcher/NameOwner/ObjectExport tests
// end-to-end without a real system bus.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	conns   map[string]*FakeConn // unique name -> conn
	names   map[string]*nameRegistration
	nextSer uint32
}

type nameRegistration struct {
	owner string   // unique name, "" if unowned
	queue []string // queued unique names, in arrival order
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{conns: map[string]*FakeConn{}, names: map[string]*nameRegistration{}}
}

// Connect attaches a new peer to the bus and returns its Connection.
func (b *Bus) Connect() *FakeConn {
	b.mu.Lock()
	b.nextID++
	unique := fmt.Sprintf(":1.%d", b.nextID)
	c := &FakeConn{
		bus:      b,
		unique:   unique,
		calls:    map[uint32]*fakeCall{},
		handlers: map[pathIface]Handler{},
		subtrees: map[string]Handler{},
		subs:     map[int]*fakeSub{},
		incoming: make(chan func(), 256),
	}
	b.conns[unique] = c
	b.mu.Unlock()
	go c.loop()
	return c
}

type pathIface struct{ path, iface string }

// resolveOwner returns the unique name currently owning dest, or "" if
// dest is itself a unique name or has no owner.
func (b *Bus) resolveOwner(dest string) string {
	if strings.HasPrefix(dest, ":") {
		return dest
	}
	if r, ok := b.names[dest]; ok {
		return r.owner
	}
	return ""
}

func (b *Bus) nextSerial() uint32 {
	b.nextSer++
	return b.nextSer
}

// --- name registry, used by NameOwnerChanged/RequestName/ReleaseName ---

// RequestNameReply mirrors the four org.freedesktop.DBus.RequestName
// result codes (§4.4).
type RequestNameReply uint32

const (
	ReplyPrimaryOwner RequestNameReply = 1
	ReplyInQueue      RequestNameReply = 2
	ReplyExists       RequestNameReply = 3
	ReplyAlreadyOwner RequestNameReply = 4
)

// RequestNameFlags mirrors the RequestName flags byte.
type RequestNameFlags uint32

const (
	FlagAllowReplacement RequestNameFlags = 1 << iota
	FlagReplaceExisting
	FlagDoNotQueue
)

// RequestName implements org.freedesktop.DBus.RequestName's semantics for
// the calling connection.
func (b *Bus) RequestName(owner, name string, flags RequestNameFlags) RequestNameReply {
	b.mu.Lock()
	reg, ok := b.names[name]
	if !ok {
		reg = &nameRegistration{}
		b.names[name] = reg
	}
	var reply RequestNameReply
	var events []func()
	switch {
	case reg.owner == owner:
		reply = ReplyAlreadyOwner
	case reg.owner == "":
		reg.owner = owner
		reply = ReplyPrimaryOwner
		events = append(events, func() { b.emitNameSignals(name, "", owner) })
	case flags&FlagDoNotQueue != 0:
		reply = ReplyExists
	default:
		reg.queue = append(reg.queue, owner)
		reply = ReplyInQueue
	}
	b.mu.Unlock()
	for _, ev := range events {
		ev()
	}
	return reply
}

// ReleaseName implements org.freedesktop.DBus.ReleaseName.
func (b *Bus) ReleaseName(owner, name string) {
	b.mu.Lock()
	reg, ok := b.names[name]
	if !ok || (reg.owner != owner && !containsStr(reg.queue, owner)) {
		b.mu.Unlock()
		return
	}
	wasOwner := reg.owner == owner
	if wasOwner {
		reg.owner = ""
		if len(reg.queue) > 0 {
			reg.owner, reg.queue = reg.queue[0], reg.queue[1:]
		}
	} else {
		reg.queue = removeStr(reg.queue, owner)
	}
	newOwner := reg.owner
	b.mu.Unlock()
	if wasOwner {
		b.emitNameSignals(name, owner, newOwner)
	}
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func removeStr(ss []string, s string) []string {
	out := ss[:0]
	for _, x := range ss {
		if x != s {
			out = append(out, x)
		}
	}
	return out
}

// GetNameOwner implements org.freedesktop.DBus.GetNameOwner. ok is false
// when the name currently has no owner (NameHasNoOwner).
func (b *Bus) GetNameOwner(name string) (owner string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	reg, exists := b.names[name]
	if !exists || reg.owner == "" {
		return "", false
	}
	return reg.owner, true
}

// Disconnect simulates a peer dropping off the bus: releases every name
// it owned or was queued for and fires disconnect callbacks.
func (b *Bus) Disconnect(c *FakeConn) {
	b.mu.Lock()
	var names []string
	for n, reg := range b.names {
		if reg.owner == c.unique || containsStr(reg.queue, c.unique) {
			names = append(names, n)
		}
	}
	delete(b.conns, c.unique)
	b.mu.Unlock()

	sort.Strings(names)
	for _, n := range names {
		b.ReleaseName(c.unique, n)
	}
	c.mu.Lock()
	c.closed = true
	cbs := c.disconnectCbs
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (b *Bus) emitNameSignals(name, oldOwner, newOwner string) {
	b.publishSignal(&Message{
		Type: TypeSignal, Sender: "org.freedesktop.DBus", Path: "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus", Member: "NameOwnerChanged", Signature: "sss",
		Body: encodeStrTuple(name, oldOwner, newOwner),
	}, name)
	if oldOwner != "" {
		b.publishSignal(&Message{
			Type: TypeSignal, Sender: "org.freedesktop.DBus", Path: "/org/freedesktop/DBus",
			Interface: "org.freedesktop.DBus", Member: "NameLost", Signature: "s",
			Body: encodeStrTuple(name),
		}, oldOwner)
	}
	if newOwner != "" {
		b.publishSignal(&Message{
			Type: TypeSignal, Sender: "org.freedesktop.DBus", Path: "/org/freedesktop/DBus",
			Interface: "org.freedesktop.DBus", Member: "NameAcquired", Signature: "s",
			Body: encodeStrTuple(name),
		}, newOwner)
	}
}

// publishSignal offers msg to every connection, each of which delivers it
// to its subscriptions whose rule matches. arg0 is the key compared with a
// rule's Arg0: the name for NameOwnerChanged, and the old or new owner's
// unique name for NameLost/NameAcquired, so a rule filtering on its own
// unique name receives only the NameLost/NameAcquired addressed to it.
func (b *Bus) publishSignal(msg *Message, arg0 string) {
	b.mu.Lock()
	var targets []*FakeConn
	for _, c := range b.conns {
		targets = append(targets, c)
	}
	b.mu.Unlock()

	for _, c := range targets {
		c.deliverSignal(msg, arg0)
	}
}
