package proxy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftbus/dbus/codec"
	"github.com/riftbus/dbus/dbuserr"
	"github.com/riftbus/dbus/proxy"
	"github.com/riftbus/dbus/value"
	"github.com/riftbus/dbus/wire"
)

const (
	frobBusName = "com.example.Frob"
	frobPath    = "/com/example/Frob"
	frobIface   = "com.example.Frob"
)

// wireError lets the test service name a D-Bus error, mirroring how a
// real exported object reports a domain-specific failure.
type wireError struct{ name, msg string }

func (e wireError) Error() string      { return e.msg }
func (e wireError) ErrorName() string  { return e.name }

// frobService is a minimal hand-rolled stand-in for an exported object,
// used here instead of objexport so proxy's tests don't depend on a
// sibling package still under construction.
type frobService struct {
	conn *wire.FakeConn

	mu    sync.Mutex
	props map[string]value.Value
}

func newFrobService(t *testing.T, bus *wire.Bus) *frobService {
	t.Helper()
	conn := bus.Connect()
	svc := &frobService{conn: conn, props: map[string]value.Value{"y": value.Byte(1)}}

	_, err := conn.ExportHandler(frobPath, frobIface, false, svc.handleFrob)
	require.NoError(t, err)
	_, err = conn.ExportHandler(frobPath, "org.freedesktop.DBus.Properties", false, svc.handleProps)
	require.NoError(t, err)

	reply := conn.RequestName(frobBusName, 0)
	require.EqualValues(t, wire.ReplyPrimaryOwner, reply)
	return svc
}

func (s *frobService) handleFrob(ctx context.Context, msg *wire.Message) (string, []byte, error) {
	cur, err := wire.NewCursor(msg.Body, value.Signature(msg.Signature), wire.NativeEndian)
	if err != nil {
		return "", nil, err
	}
	args, err := codec.DecodeArgs(cur)
	if err != nil {
		return "", nil, err
	}

	switch msg.Member {
	case "HelloWorld":
		greeting := args[0].Str()
		if greeting == "Yo" {
			return "", nil, wireError{"com.example.TestException", "Yo is not a proper greeting"}
		}
		reply, err := value.String("You greeted me with '" + greeting + "'. Thanks!")
		if err != nil {
			return "", nil, err
		}
		return encodeOne("s", reply)
	case "Sleep":
		ms := args[0].Uint32()
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return "", nil, nil
	case "FrobSetProperty":
		name := args[0].Str()
		newVal := args[1].Inner()
		s.mu.Lock()
		s.props[name] = newVal
		s.mu.Unlock()
		s.emitPropertiesChanged(map[string]value.Value{name: newVal})
		return "", nil, nil
	case "EmitSignal":
		greeting := args[0].Str()
		path := args[1].Str()
		v1, err := value.String(greeting + " .. in bed!")
		if err != nil {
			return "", nil, err
		}
		v2, err := value.ObjectPath(path + "/in/bed")
		if err != nil {
			return "", nil, err
		}
		v3, err := value.String("a variant")
		if err != nil {
			return "", nil, err
		}
		var buf []byte
		ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
		if err := codec.Encode(ac, "s", v1); err != nil {
			return "", nil, err
		}
		if err := codec.Encode(ac, "o", v2); err != nil {
			return "", nil, err
		}
		if err := codec.Encode(ac, "v", value.Variant(v3)); err != nil {
			return "", nil, err
		}
		s.conn.EmitSignal(&wire.Message{
			Path:      frobPath,
			Interface: frobIface,
			Member:    "TestSignal",
			Signature: "sov",
			Body:      buf,
		})
		return "", nil, nil
	default:
		return "", nil, wireError{"org.freedesktop.DBus.Error.UnknownMethod", "no such method " + msg.Member}
	}
}

func (s *frobService) handleProps(ctx context.Context, msg *wire.Message) (string, []byte, error) {
	if msg.Member != "GetAll" {
		return "", nil, wireError{"org.freedesktop.DBus.Error.UnknownMethod", "no such method " + msg.Member}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]value.DictEntry, 0, len(s.props))
	for k, v := range s.props {
		key, _ := value.String(k)
		entries = append(entries, value.DictEntry{Key: key, Val: value.Variant(v)})
	}
	dict, err := value.Dict("s", "v", entries)
	if err != nil {
		return "", nil, err
	}
	return encodeOne("a{sv}", dict)
}

func (s *frobService) emitPropertiesChanged(changed map[string]value.Value) {
	entries := make([]value.DictEntry, 0, len(changed))
	for k, v := range changed {
		key, _ := value.String(k)
		entries = append(entries, value.DictEntry{Key: key, Val: value.Variant(v)})
	}
	dict, err := value.Dict("s", "v", entries)
	if err != nil {
		return
	}
	ifaceVal, err := value.String(frobIface)
	if err != nil {
		return
	}
	invalidated, err := value.Array("s", nil)
	if err != nil {
		return
	}
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if err := codec.Encode(ac, "s", ifaceVal); err != nil {
		return
	}
	if err := codec.Encode(ac, "a{sv}", dict); err != nil {
		return
	}
	if err := codec.Encode(ac, "as", invalidated); err != nil {
		return
	}
	s.conn.EmitSignal(&wire.Message{
		Path:      frobPath,
		Interface: "org.freedesktop.DBus.Properties",
		Member:    "PropertiesChanged",
		Signature: "sa{sv}as",
		Body:      buf,
	})
}

func encodeOne(sig value.Signature, v value.Value) (string, []byte, error) {
	var buf []byte
	ac := wire.NewAppendCursor(&buf, wire.NativeEndian)
	if err := codec.Encode(ac, sig, v); err != nil {
		return "", nil, err
	}
	return string(sig), buf, nil
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met before deadline")
}

func TestInvokeSyncHelloWorld(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	arg, err := value.String("Hey")
	require.NoError(t, err)
	out, err := p.InvokeSync(context.Background(), "HelloWorld", "s", "s", 0, []value.Value{arg})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "You greeted me with 'Hey'. Thanks!", out[0].Str())
}

func TestInvokeSyncRemoteException(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	arg, err := value.String("Yo")
	require.NoError(t, err)
	_, err = p.InvokeSync(context.Background(), "HelloWorld", "s", "s", 0, []value.Value{arg})
	require.Error(t, err)

	var derr *dbuserr.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, dbuserr.KindRemoteException, derr.Kind)
	name, ok := derr.WireName()
	require.True(t, ok)
	assert.Equal(t, "com.example.TestException", name)
	msg, ok := derr.WireMessage()
	require.True(t, ok)
	assert.Equal(t, "Yo is not a proper greeting", msg)
}

func TestInvokeSyncTimeoutNoReply(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	start := time.Now()
	_, err = p.InvokeSync(context.Background(), "Sleep", "u", "", 80*time.Millisecond, []value.Value{value.Uint32(400)})
	elapsed := time.Since(start)

	require.Error(t, err)
	var derr *dbuserr.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, dbuserr.KindNoReply, derr.Kind)
	assert.Less(t, elapsed, 300*time.Millisecond)
}

func TestCachedPropertyAndPropertiesChanged(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	var mu sync.Mutex
	var changedEvents []map[string]value.Value
	onChanged := func(m map[string]value.Value) {
		mu.Lock()
		defer mu.Unlock()
		changedEvents = append(changedEvents, m)
	}

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, onChanged)
	require.NoError(t, err)
	defer p.Close()

	v, err := p.GetCachedProperty("y")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v.Byte())

	nameArg, err := value.String("y")
	require.NoError(t, err)
	_, err = p.InvokeSync(context.Background(), "FrobSetProperty", "sv", "", 0, []value.Value{nameArg, value.Variant(value.Byte(42))})
	require.NoError(t, err)

	waitForCond(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changedEvents) == 1
	})

	v2, err := p.GetCachedProperty("y")
	require.NoError(t, err)
	assert.EqualValues(t, 42, v2.Byte())

	mu.Lock()
	assert.EqualValues(t, 42, changedEvents[0]["y"].Byte())
	mu.Unlock()
}

func TestSignalReceivedBeforeInvokeReplyReturns(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	var mu sync.Mutex
	var sigName string
	var sigArgs value.Value
	var sigSeen bool
	onSignal := func(name string, args value.Value) {
		mu.Lock()
		defer mu.Unlock()
		sigName, sigArgs, sigSeen = name, args, true
	}

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, onSignal, nil)
	require.NoError(t, err)
	defer p.Close()

	greet, err := value.String("greet")
	require.NoError(t, err)
	pathArg, err := value.String("/some/path")
	require.NoError(t, err)

	_, err = p.InvokeSync(context.Background(), "EmitSignal", "ss", "", 0, []value.Value{greet, pathArg})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.True(t, sigSeen, "signal must have been delivered before InvokeSync returned")
	assert.Equal(t, "TestSignal", sigName)
	require.Equal(t, value.KindStruct, sigArgs.Kind())
	fields := sigArgs.Fields()
	require.Len(t, fields, 3)
	assert.Equal(t, "greet .. in bed!", fields[0].Str())
	assert.Equal(t, "/some/path/in/bed", fields[1].Str())
}

func TestInvokeDottedMethodNameSelectsSiblingInterface(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{DisableProperties: true, DisableSignals: true}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	ifaceArg, err := value.String(frobIface)
	require.NoError(t, err)
	out, err := p.InvokeSync(context.Background(), "org.freedesktop.DBus.Properties.GetAll", "s", "a{sv}", 0, []value.Value{ifaceArg})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, value.KindDict, out[0].Kind())
}

func TestGetCachedPropertyFailsWhenDisabled(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{DisableProperties: true}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.GetCachedProperty("y")
	require.Error(t, err)
	var derr *dbuserr.Error
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, dbuserr.KindFailed, derr.Kind)
}

func TestGetCachedPropertyFailsForUnknownName(t *testing.T) {
	bus := wire.NewBus()
	newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.GetCachedProperty("doesNotExist")
	require.Error(t, err)
}

func TestInFlightCallAbortedWhenNameVanishes(t *testing.T) {
	bus := wire.NewBus()
	svc := newFrobService(t, bus)
	conn := bus.Connect()

	p, err := proxy.NewSync(conn, frobBusName, frobPath, frobIface, proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()

	call, err := p.Invoke(context.Background(), "Sleep", "u", "", 2*time.Second, []value.Value{value.Uint32(3000)})
	require.NoError(t, err)

	svc.conn.Close()

	select {
	case <-call.Done():
	case <-time.After(time.Second):
		t.Fatal("in-flight call did not complete after the proxy's name vanished")
	}
	_, err = call.Result()
	require.Error(t, err)
}

func TestNewSyncCompletesImmediatelyWithNoOwner(t *testing.T) {
	bus := wire.NewBus()
	conn := bus.Connect()

	start := time.Now()
	p, err := proxy.NewSync(conn, "com.example.NoSuchService", "/com/example/NoSuchService", "com.example.NoSuchService", proxy.Options{}, nil, nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	_, err = p.GetCachedProperty("anything")
	require.Error(t, err)
}
