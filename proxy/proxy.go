// Package proxy implements Proxy (§4.5): a local stand-in for one remote
// object on one bus name, composing namewatch's name-lifecycle tracking
// with property preload, PropertiesChanged maintenance, signal fan-out
// and request/reply correlation.
//
// Grounded on the teacher's cs104 connection (rob-gra-go-iecp5/cs104):
// a struct that owns a handful of long-lived subscriptions and tears them
// down and rebuilds them across reconnects, plus the pending-call
// correlation table pattern from
// _examples/other_examples/d8b78822_danderson-dbus__conn.go.go's
// Conn.calls map[uint32]*pendingCall (here keyed by a proxy-local id,
// since wire.Connection already owns the wire-serial correlation one
// layer down — this table exists so Proxy can cancel every call it has
// outstanding the moment its name vanishes, per §5 testable property 7).
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/riftbus/dbus/codec"
	"github.com/riftbus/dbus/dbuserr"
	"github.com/riftbus/dbus/dlog"
	"github.com/riftbus/dbus/namewatch"
	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

// SignalHandler receives one fired-once-per-signal event: the signal's
// member name and its arguments boxed as a single Struct Value (or
// value.EmptyTuple for a signal with no arguments).
type SignalHandler func(name string, args value.Value)

// PropertiesChangedHandler receives the changed-property map of a
// PropertiesChanged signal, after the proxy's cached map has already been
// updated to reflect it (§5 ordering guarantee).
type PropertiesChangedHandler func(changed map[string]value.Value)

// Options controls a Proxy's optional subsystems, validated the way
// cs104.Config.Valid defaults and range-checks its timing fields: the
// zero value is the fully-featured default.
type Options struct {
	// DisableProperties skips the GetAll preload and PropertiesChanged
	// subscription entirely; GetCachedProperty always fails.
	DisableProperties bool
	// DisableSignals skips the signal match-rule subscription; SignalHandler
	// is never called.
	DisableSignals bool
	// DefaultTimeout applies to any Invoke/InvokeSync call whose own
	// timeout argument is <= 0. Zero defaults to 25s.
	DefaultTimeout time.Duration
	// ErrorDomains are consulted, in order, before the unmapped-GError
	// fallback when classifying a method-call error reply (§4.2.2).
	ErrorDomains []dbuserr.Domain
}

// Valid defaults DefaultTimeout and rejects a negative one.
func (o *Options) Valid() error {
	if o == nil {
		return errors.New("proxy: invalid pointer")
	}
	if o.DefaultTimeout == 0 {
		o.DefaultTimeout = 25 * time.Second
	} else if o.DefaultTimeout < 0 {
		return errors.New("proxy: DefaultTimeout must not be negative")
	}
	return nil
}

// Proxy mirrors one interface on one object path owned by one bus name.
type Proxy struct {
	conn    wire.Connection
	busName string
	path    string
	iface   string
	opts    Options
	log     dlog.Logger
	errMap  *dbuserr.ErrorMap

	onSignal            SignalHandler
	onPropertiesChanged PropertiesChangedHandler

	watcher   *namewatch.Watcher
	readyOnce sync.Once
	ready     chan struct{}

	mu          sync.RWMutex
	owner       string
	cachedProps map[string]value.Value
	propsLoaded bool
	propsSub    wire.Subscription
	signalSub   wire.Subscription
	loadCancel  context.CancelFunc
	closed      bool

	callMu sync.Mutex
	nextID uint64
	calls  map[uint64]*trackedCall
}

type trackedCall struct {
	pc    wire.PendingCall
	call  *Call
	timer *time.Timer
}

// New constructs a Proxy without waiting for its first property load and
// signal subscription to complete — the asynchronous construction mode of
// §4.5. The name-watch, property preload and signal wiring all proceed in
// the background from here.
func New(conn wire.Connection, busName, path, iface string, opts Options, onSignal SignalHandler, onPropertiesChanged PropertiesChangedHandler) (*Proxy, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	return newProxy(conn, busName, path, iface, opts, onSignal, onPropertiesChanged), nil
}

// NewSync constructs a Proxy and blocks until its first name resolution
// has settled and, if the name currently has an owner, until the property
// preload and signal subscription both complete — the synchronous
// construction mode of §4.5, using an errgroup.Group so the two are
// issued concurrently rather than one after another.
func NewSync(conn wire.Connection, busName, path, iface string, opts Options, onSignal SignalHandler, onPropertiesChanged PropertiesChangedHandler) (*Proxy, error) {
	if err := opts.Valid(); err != nil {
		return nil, err
	}
	p := newProxy(conn, busName, path, iface, opts, onSignal, onPropertiesChanged)
	<-p.ready
	return p, nil
}

func newProxy(conn wire.Connection, busName, path, iface string, opts Options, onSignal SignalHandler, onPropertiesChanged PropertiesChangedHandler) *Proxy {
	p := &Proxy{
		conn:                conn,
		busName:             busName,
		path:                path,
		iface:               iface,
		opts:                opts,
		log:                 dlog.New("proxy"),
		errMap:              dbuserr.NewErrorMap().WithDomains(opts.ErrorDomains...),
		onSignal:            onSignal,
		onPropertiesChanged: onPropertiesChanged,
		ready:               make(chan struct{}),
		calls:               map[uint64]*trackedCall{},
	}
	p.watcher = namewatch.Watch(conn, busName, p.onAppeared, p.onVanished)
	return p
}

// onAppeared runs on whatever goroutine namewatch delivers the transition
// on (its own query goroutine, or the connection's event-loop goroutine
// for a later NameOwnerChanged) — it must not block that goroutine, so
// the actual GetAll/Subscribe work always happens on a fresh goroutine,
// the same discipline namewatch itself uses for its GetNameOwner query.
func (p *Proxy) onAppeared(owner string) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.owner = owner
	if p.loadCancel != nil {
		p.loadCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.loadCancel = cancel
	p.mu.Unlock()

	go func() {
		p.setupForOwner(ctx, owner)
		p.readyOnce.Do(func() { close(p.ready) })
	}()
}

func (p *Proxy) onVanished() {
	p.mu.Lock()
	p.owner = ""
	cancel := p.loadCancel
	propsSub := p.propsSub
	sigSub := p.signalSub
	p.loadCancel = nil
	p.propsSub = nil
	p.signalSub = nil
	p.cachedProps = nil
	p.propsLoaded = false
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if propsSub != nil {
		_ = propsSub.Close()
	}
	if sigSub != nil {
		_ = sigSub.Close()
	}

	p.abortAllCalls(dbuserr.New(dbuserr.KindDisconnected, "proxy's name no longer has an owner"))

	p.readyOnce.Do(func() { close(p.ready) })
}

// setupForOwner loads properties and subscribes to signals for the
// current owner concurrently (§4.5's "both ... before considering
// construction complete"), grounded on the DOMAIN STACK's errgroup usage.
func (p *Proxy) setupForOwner(ctx context.Context, owner string) {
	var g errgroup.Group
	var props map[string]value.Value
	var propsSub, sigSub wire.Subscription

	if !p.opts.DisableProperties {
		g.Go(func() error {
			m, err := p.loadProperties(ctx, owner)
			if err != nil {
				p.log.Warn("GetAll(%s) on %s failed: %v", p.iface, p.busName, err)
				return nil
			}
			props = m
			return nil
		})
		g.Go(func() error {
			sub, err := p.conn.Subscribe(wire.MatchRule{
				Sender:    owner,
				Path:      p.path,
				Interface: "org.freedesktop.DBus.Properties",
				Member:    "PropertiesChanged",
			}, p.onPropertiesChangedMsg)
			if err != nil {
				p.log.Warn("subscribe PropertiesChanged on %s failed: %v", p.path, err)
				return nil
			}
			propsSub = sub
			return nil
		})
	}
	if !p.opts.DisableSignals {
		g.Go(func() error {
			sub, err := p.conn.Subscribe(wire.MatchRule{
				Sender:    owner,
				Path:      p.path,
				Interface: p.iface,
			}, p.onSignalMsg)
			if err != nil {
				p.log.Warn("subscribe signals on %s failed: %v", p.path, err)
				return nil
			}
			sigSub = sub
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	if p.owner == owner && !p.closed {
		if props != nil {
			p.cachedProps = props
			p.propsLoaded = true
		}
		p.propsSub = propsSub
		p.signalSub = sigSub
	} else {
		// The name already vanished (or re-appeared under a new owner)
		// while setup was in flight; don't install stale subscriptions.
		if propsSub != nil {
			_ = propsSub.Close()
		}
		if sigSub != nil {
			_ = sigSub.Close()
		}
	}
	p.mu.Unlock()
}

func (p *Proxy) loadProperties(ctx context.Context, owner string) (map[string]value.Value, error) {
	ifaceVal, err := value.String(p.iface)
	if err != nil {
		return nil, err
	}
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if err := codec.Encode(ac, "s", ifaceVal); err != nil {
		return nil, err
	}
	msg := &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: p.busName,
		Path:        p.path,
		Interface:   "org.freedesktop.DBus.Properties",
		Member:      "GetAll",
		Signature:   "s",
		Body:        buf,
	}
	reply, err := p.conn.SendWithReplySync(ctx, msg, 0)
	if err != nil {
		return nil, err
	}
	if reply.Type == wire.TypeError {
		return nil, p.errMap.Classify(reply.ErrorName, firstBodyString(reply))
	}
	cur, err := wire.NewCursor(reply.Body, value.Signature(reply.Signature), wire.NativeEndian)
	if err != nil || !cur.Next() {
		return nil, dbuserr.ConversionFailed("a{sv}", "GetAll reply has no body")
	}
	v, err := codec.Decode(cur)
	if err != nil {
		return nil, err
	}
	out := make(map[string]value.Value, len(v.Entries()))
	for _, e := range v.Entries() {
		out[e.Key.Str()] = e.Val.Inner()
	}
	return out, nil
}

func (p *Proxy) onPropertiesChangedMsg(msg *wire.Message) {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil {
		return
	}
	args, err := codec.DecodeArgs(cur)
	if err != nil || len(args) < 2 {
		return
	}
	if args[0].Str() != p.iface {
		return
	}
	changed := make(map[string]value.Value, len(args[1].Entries()))
	for _, e := range args[1].Entries() {
		changed[e.Key.Str()] = e.Val.Inner()
	}

	p.mu.Lock()
	if p.cachedProps == nil {
		p.cachedProps = map[string]value.Value{}
	}
	for k, v := range changed {
		p.cachedProps[k] = v
	}
	p.propsLoaded = true
	p.mu.Unlock()

	if p.onPropertiesChanged != nil {
		p.onPropertiesChanged(changed)
	}
}

func (p *Proxy) onSignalMsg(msg *wire.Message) {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil {
		return
	}
	args, err := codec.DecodeArgs(cur)
	if err != nil {
		return
	}
	tuple := value.EmptyTuple
	if len(args) > 0 {
		tuple, err = value.Struct(args)
		if err != nil {
			return
		}
	}
	if p.onSignal != nil {
		p.onSignal(msg.Member, tuple)
	}
}

// GetCachedProperty returns a purely in-memory property lookup (§4.5).
func (p *Proxy) GetCachedProperty(name string) (value.Value, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.opts.DisableProperties {
		return value.Value{}, dbuserr.New(dbuserr.KindFailed, "properties are disabled for this proxy")
	}
	if !p.propsLoaded {
		return value.Value{}, dbuserr.New(dbuserr.KindFailed, "properties have not been loaded yet")
	}
	v, ok := p.cachedProps[name]
	if !ok {
		return value.Value{}, dbuserr.New(dbuserr.KindFailed, fmt.Sprintf("unknown property %q", name))
	}
	return v, nil
}

// Call is an in-flight asynchronous Invoke, mirroring wire.PendingCall's
// shape one layer up (post-codec, post-error-classification).
type Call struct {
	done chan struct{}
	once sync.Once

	values []value.Value
	err    error

	cancelFn func()
}

// Done is closed once a reply, error, timeout or cancellation has been
// delivered.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the decoded reply arguments, or the classified error.
// Before Done is closed it returns nil values and a nil error.
func (c *Call) Result() ([]value.Value, error) { return c.values, c.err }

// Cancel requests cancellation; best-effort, and idempotent with the
// reply arriving anyway — whichever resolves first wins (§5).
func (c *Call) Cancel() {
	if c.cancelFn != nil {
		c.cancelFn()
	}
}

// Invoke serialises args per inSig, sends a method call and returns
// immediately with a Call that resolves once the reply (or a timeout,
// cancellation, or classified error) arrives. A dotted method name's
// final component is the member; everything before it is the interface,
// letting one proxy reach a sibling interface on the same object path
// (§4.5, e.g. "org.freedesktop.DBus.Properties.GetAll").
func (p *Proxy) Invoke(ctx context.Context, method string, inSig, outSig value.Signature, timeout time.Duration, args []value.Value) (*Call, error) {
	iface, member := p.splitMethod(method)
	msg, err := p.buildCall(iface, member, inSig, args)
	if err != nil {
		return nil, err
	}

	pc, err := p.conn.SendWithReply(context.Background(), msg, 0)
	if err != nil {
		return nil, err
	}

	call := &Call{done: make(chan struct{})}
	id := p.track(pc, call)

	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, func() {
			pc.Cancel()
			p.resolveCall(id, nil, dbuserr.New(dbuserr.KindNoReply, fmt.Sprintf("no reply within %s", timeout)))
		})
	}
	p.callMu.Lock()
	if tc, ok := p.calls[id]; ok {
		tc.timer = timer
	}
	p.callMu.Unlock()

	call.cancelFn = func() {
		pc.Cancel()
		p.resolveCall(id, nil, dbuserr.New(dbuserr.KindCancelled, "call cancelled"))
	}

	go func() {
		<-pc.Done()
		reply, perr := pc.Result()
		if reply == nil && perr == nil {
			// Done was closed by a local Cancel (timeout, Call.Cancel or
			// abortAllCalls), and that path resolves the Call itself.
			return
		}
		vals, cerr := p.decodeReply(reply, perr, outSig)
		p.resolveCall(id, vals, cerr)
	}()

	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				call.Cancel()
			case <-call.done:
			}
		}()
	}

	return call, nil
}

// InvokeSync is Invoke, but blocks the calling goroutine until the reply
// (or error) is available rather than returning a Call — the "private
// wait" of §5, implemented as a channel receive so the connection's own
// event loop stays free to deliver the very reply being awaited.
func (p *Proxy) InvokeSync(ctx context.Context, method string, inSig, outSig value.Signature, timeout time.Duration, args []value.Value) ([]value.Value, error) {
	call, err := p.Invoke(ctx, method, inSig, outSig, timeout, args)
	if err != nil {
		return nil, err
	}
	<-call.Done()
	return call.Result()
}

func (p *Proxy) splitMethod(method string) (iface, member string) {
	if i := strings.LastIndex(method, "."); i >= 0 {
		return method[:i], method[i+1:]
	}
	return p.iface, method
}

func (p *Proxy) buildCall(iface, member string, inSig value.Signature, args []value.Value) (*wire.Message, error) {
	sigs, err := inSig.Elements()
	if err != nil {
		return nil, dbuserr.ConversionFailed(string(inSig), err.Error())
	}
	if len(sigs) != len(args) {
		return nil, dbuserr.ConversionFailed(string(inSig), fmt.Sprintf("expected %d arguments, got %d", len(sigs), len(args)))
	}
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	for i, s := range sigs {
		if err := codec.Encode(ac, s, args[i]); err != nil {
			return nil, err
		}
	}
	return &wire.Message{
		Type:        wire.TypeMethodCall,
		Destination: p.busName,
		Path:        p.path,
		Interface:   iface,
		Member:      member,
		Signature:   string(inSig),
		Body:        buf,
	}, nil
}

func (p *Proxy) decodeReply(reply *wire.Message, err error, outSig value.Signature) ([]value.Value, error) {
	if err != nil {
		return nil, dbuserr.Wrap(dbuserr.KindNoReply, err, err.Error())
	}
	if reply.Type == wire.TypeError {
		return nil, p.errMap.Classify(reply.ErrorName, firstBodyString(reply))
	}
	if outSig == value.Empty {
		return nil, nil
	}
	cur, err := wire.NewCursor(reply.Body, value.Signature(reply.Signature), wire.NativeEndian)
	if err != nil {
		return nil, dbuserr.ConversionFailed(string(outSig), err.Error())
	}
	return codec.DecodeArgs(cur)
}

func firstBodyString(msg *wire.Message) string {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil || !cur.Next() {
		return ""
	}
	v, err := codec.Decode(cur)
	if err != nil {
		return ""
	}
	return v.Str()
}

func (p *Proxy) track(pc wire.PendingCall, call *Call) uint64 {
	p.callMu.Lock()
	defer p.callMu.Unlock()
	p.nextID++
	id := p.nextID
	p.calls[id] = &trackedCall{pc: pc, call: call}
	return id
}

func (p *Proxy) resolveCall(id uint64, vals []value.Value, err error) {
	p.callMu.Lock()
	tc, ok := p.calls[id]
	if ok {
		delete(p.calls, id)
	}
	p.callMu.Unlock()
	if !ok {
		return
	}
	if tc.timer != nil {
		tc.timer.Stop()
	}
	tc.call.once.Do(func() {
		tc.call.values = vals
		tc.call.err = err
		close(tc.call.done)
	})
}

// abortAllCalls completes every outstanding call with err, used when the
// proxy's name vanishes (§5 testable property 7: an in-flight call never
// hangs indefinitely).
func (p *Proxy) abortAllCalls(err *dbuserr.Error) {
	p.callMu.Lock()
	calls := p.calls
	p.calls = map[uint64]*trackedCall{}
	p.callMu.Unlock()

	for _, tc := range calls {
		tc.pc.Cancel()
		if tc.timer != nil {
			tc.timer.Stop()
		}
		tc.call.once.Do(func() {
			tc.call.err = err
			close(tc.call.done)
		})
	}
}

// CurrentOwner reports the proxy's belief about the name's current owner,
// or "" if the name has no owner right now.
func (p *Proxy) CurrentOwner() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner
}

// Close stops watching the proxy's name, tears down any live
// subscriptions and aborts every outstanding call.
func (p *Proxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	propsSub := p.propsSub
	sigSub := p.signalSub
	cancel := p.loadCancel
	p.propsSub, p.signalSub, p.loadCancel = nil, nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if propsSub != nil {
		_ = propsSub.Close()
	}
	if sigSub != nil {
		_ = sigSub.Close()
	}
	p.abortAllCalls(dbuserr.New(dbuserr.KindCancelled, "proxy closed"))
	p.watcher.Close()
}
