package nameown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riftbus/dbus/wire"
)

type recorder struct {
	mu       sync.Mutex
	acquired int
	lost     int
}

func (r *recorder) onAcquired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired++
}

func (r *recorder) onLost() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lost++
}

func (r *recorder) snapshot() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.acquired, r.lost
}

func waitFor(t *testing.T, cond func() bool) {
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

func TestOwnUncontestedNameAcquires(t *testing.T) {
	bus := wire.NewBus()
	conn := bus.Connect()

	var rec recorder
	owner := Own(conn, "com.example.Solo", 0, rec.onAcquired, rec.onLost)
	defer owner.Release()

	waitFor(t, func() bool { return owner.CurrentState() == StateAcquired })
	acquired, lost := rec.snapshot()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 0, lost)

	_, found := Lookup(owner.Handle())
	assert.True(t, found)
}

func TestReleaseFiresLostAndRemovesFromRegistry(t *testing.T) {
	bus := wire.NewBus()
	conn := bus.Connect()

	var rec recorder
	owner := Own(conn, "com.example.ToRelease", 0, rec.onAcquired, rec.onLost)
	waitFor(t, func() bool { return owner.CurrentState() == StateAcquired })

	h := owner.Handle()
	owner.Release()

	_, lost := rec.snapshot()
	assert.Equal(t, 1, lost)
	_, found := Lookup(h)
	assert.False(t, found)
}

func TestOwnExistingNameWithoutQueueStaysLost(t *testing.T) {
	bus := wire.NewBus()
	first := bus.Connect()
	reply := first.RequestName("com.example.Taken", wire.FlagDoNotQueue)
	require.EqualValues(t, wire.ReplyPrimaryOwner, reply)

	second := bus.Connect()
	var rec recorder
	owner := Own(second, "com.example.Taken", FlagDoNotQueue, rec.onAcquired, rec.onLost)
	defer owner.Release()

	waitFor(t, func() bool { return owner.CurrentState() == StateLost })
	waitFor(t, func() bool { _, l := rec.snapshot(); return l == 1 })
	acquired, lost := rec.snapshot()
	assert.Equal(t, 0, acquired)
	assert.Equal(t, 1, lost) // initial Exists reply schedules the first callback: lost
}

func TestQueuedOwnerAcquiresAfterPrimaryReleases(t *testing.T) {
	bus := wire.NewBus()
	first := bus.Connect()
	reply := first.RequestName("com.example.Queue", 0)
	require.EqualValues(t, wire.ReplyPrimaryOwner, reply)

	second := bus.Connect()
	var rec recorder
	owner := Own(second, "com.example.Queue", 0, rec.onAcquired, rec.onLost)
	defer owner.Release()

	waitFor(t, func() bool { return owner.CurrentState() == StateLost })
	waitFor(t, func() bool { _, l := rec.snapshot(); return l == 1 })

	first.ReleaseName("com.example.Queue")
	waitFor(t, func() bool { a, _ := rec.snapshot(); return a == 1 })

	acquired, lost := rec.snapshot()
	assert.Equal(t, 1, acquired)
	assert.Equal(t, 1, lost) // initial InQueue reply fires lost before acquiring
}

func TestDisconnectWhileOwnedFiresLost(t *testing.T) {
	bus := wire.NewBus()
	conn := bus.Connect()

	var rec recorder
	owner := Own(conn, "com.example.Dropped", 0, rec.onAcquired, rec.onLost)
	waitFor(t, func() bool { return owner.CurrentState() == StateAcquired })

	conn.Close()
	waitFor(t, func() bool { _, l := rec.snapshot(); return l == 1 })
}
