package namewatch

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
	appeared []string
	vanished int
}

func (r *recorder) onAppeared(owner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appeared = append(r.appeared, owner)
}

func (r *recorder) onVanished() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vanished++
}

func (r *recorder) snapshot() ([]string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.appeared...), r.vanished
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

func TestWatchNoOwnerAtStart(t *testing.T) {
	bus := wire.NewBus()
	watcher := bus.Connect()

	var rec recorder
	w := Watch(watcher, "com.example.Nope", rec.onAppeared, rec.onVanished)
	defer w.Close()

	waitFor(t, func() bool { return w.CurrentState() == StateNoOwner })
	waitFor(t, func() bool { _, v := rec.snapshot(); return v == 1 })
	appeared, vanished := rec.snapshot()
	assert.Empty(t, appeared)
	assert.Equal(t, 1, vanished) // initial no-owner determination schedules the first callback: vanished
}

func TestWatchOwnerAtStart(t *testing.T) {
	bus := wire.NewBus()
	owner := bus.Connect()
	reply := owner.RequestName("com.example.Present", 0)
	require.EqualValues(t, wire.ReplyPrimaryOwner, reply)

	watcher := bus.Connect()
	var rec recorder
	w := Watch(watcher, "com.example.Present", rec.onAppeared, rec.onVanished)
	defer w.Close()

	waitFor(t, func() bool { return w.CurrentState() == StateHasOwner })
	appeared, vanished := rec.snapshot()
	require.Len(t, appeared, 1)
	assert.Equal(t, owner.UniqueName(), appeared[0])
	assert.Equal(t, 0, vanished)
}

func TestWatchAppearsThenVanishes(t *testing.T) {
	bus := wire.NewBus()
	watcher := bus.Connect()

	var rec recorder
	w := Watch(watcher, "com.example.Flicker", rec.onAppeared, rec.onVanished)
	defer w.Close()
	waitFor(t, func() bool { return w.CurrentState() == StateNoOwner })
	waitFor(t, func() bool { _, v := rec.snapshot(); return v == 1 }) // initial no-owner fires vanished

	owner := bus.Connect()
	reply := owner.RequestName("com.example.Flicker", 0)
	require.EqualValues(t, wire.ReplyPrimaryOwner, reply)
	waitFor(t, func() bool { a, _ := rec.snapshot(); return len(a) == 1 })

	owner.Close()
	waitFor(t, func() bool { _, v := rec.snapshot(); return v == 2 })

	appeared, vanished := rec.snapshot()
	require.Len(t, appeared, 1)
	assert.Equal(t, 2, vanished)
}

func TestCloseSynthesizesFinalVanished(t *testing.T) {
	bus := wire.NewBus()
	owner := bus.Connect()
	_ = owner.RequestName("com.example.Held", 0)

	watcher := bus.Connect()
	var rec recorder
	w := Watch(watcher, "com.example.Held", rec.onAppeared, rec.onVanished)
	waitFor(t, func() bool { return w.CurrentState() == StateHasOwner })

	w.Close()
	_, vanished := rec.snapshot()
	assert.Equal(t, 1, vanished)
}

func TestCloseWithoutOwnerFiresNoAdditionalVanished(t *testing.T) {
	bus := wire.NewBus()
	watcher := bus.Connect()

	var rec recorder
	w := Watch(watcher, "com.example.NeverOwned", rec.onAppeared, rec.onVanished)
	waitFor(t, func() bool { return w.CurrentState() == StateNoOwner })
	waitFor(t, func() bool { _, v := rec.snapshot(); return v == 1 }) // initial no-owner already fired vanished

	w.Close()
	_, vanished := rec.snapshot()
	assert.Equal(t, 1, vanished) // Close is a no-op: last call was already vanished
}

func TestAlternationNeverFiresVanishedTwiceInARow(t *testing.T) {
	bus := wire.NewBus()
	watcher := bus.Connect()

	var rec recorder
	w := Watch(watcher, "com.example.Churn", rec.onAppeared, rec.onVanished)
	defer w.Close()
	waitFor(t, func() bool { return w.CurrentState() == StateNoOwner })
	waitFor(t, func() bool { _, v := rec.snapshot(); return v == 1 }) // initial no-owner fires vanished

	for i := 0; i < 3; i++ {
		owner := bus.Connect()
		_ = owner.RequestName("com.example.Churn", 0)
		waitFor(t, func() bool { a, _ := rec.snapshot(); return len(a) == i+1 })
		owner.Close()
		waitFor(t, func() bool { _, v := rec.snapshot(); return v == i+2 })
	}

	appeared, vanished := rec.snapshot()
	assert.Len(t, appeared, 3)
	assert.Equal(t, 4, vanished)
}
