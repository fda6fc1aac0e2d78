package server

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/NTitterton/agorusta/internal/dispatch"
	"github.com/NTitterton/agorusta/internal/telemetry"
)

type fakeDirectory struct {
	mu           sync.Mutex
	deregistered []string
}

func (f *fakeDirectory) Register(connID, userID string) error   { return nil }
func (f *fakeDirectory) Subscribe(connID, topic string) error   { return nil }
func (f *fakeDirectory) Unsubscribe(connID, topic string) error { return nil }
func (f *fakeDirectory) Deregister(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, connID)
	return nil
}

func (f *fakeDirectory) deregisteredIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deregistered...)
}

func newTestHub(t *testing.T) (*Hub, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{}
	hub := NewHub(dir, telemetry.New(), zerolog.Nop())
	go hub.Run()
	t.Cleanup(func() {
		require.NoError(t, hub.Shutdown(time.Second))
	})
	return hub, dir
}

// attach inserts a socket-less connection straight into the hub's table. The
// pump goroutines need a real websocket, but Push and the unregister path do
// not.
func attach(hub *Hub, id string) *conn {
	c := newConn(nil, hub, hub.directory, id, "user-1", 4096, rate.NewLimiter(rate.Inf, 1), zerolog.Nop())
	hub.mutex.Lock()
	hub.conns[c.id] = c
	hub.mutex.Unlock()
	return c
}

func TestPushUnknownConnection(t *testing.T) {
	hub, _ := newTestHub(t)
	assert.ErrorIs(t, hub.Push("ghost", []byte("payload")), dispatch.ErrConnectionGone)
}

func TestPushDeliversToSendBuffer(t *testing.T) {
	hub, dir := newTestHub(t)
	c := attach(hub, "conn-1")

	require.NoError(t, hub.Push("conn-1", []byte("payload")))

	select {
	case got := <-c.send:
		assert.Equal(t, []byte("payload"), got)
	case <-time.After(time.Second):
		t.Fatal("payload never reached the send buffer")
	}

	hub.drop(c)
	require.Eventually(t, func() bool {
		return len(dir.deregisteredIDs()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestPushFullBufferDropsConnection(t *testing.T) {
	hub, dir := newTestHub(t)
	c := attach(hub, "conn-1")
	for i := 0; i < sendBufferSize; i++ {
		c.send <- []byte("filler")
	}

	assert.ErrorIs(t, hub.Push("conn-1", []byte("overflow")), dispatch.ErrConnectionGone)

	// The drop propagates through the unregister path: gone from the table,
	// removed from the directory.
	require.Eventually(t, func() bool {
		hub.mutex.RLock()
		_, present := hub.conns["conn-1"]
		hub.mutex.RUnlock()
		return !present
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"conn-1"}, dir.deregisteredIDs())

	assert.ErrorIs(t, hub.Push("conn-1", []byte("late")), dispatch.ErrConnectionGone)
}

func TestPushRacingDropIsSafe(t *testing.T) {
	hub, _ := newTestHub(t)

	// Pushes landing in the middle of the unregister path must degrade to
	// ErrConnectionGone, never touch a closed channel.
	for i := 0; i < 200; i++ {
		c := attach(hub, fmt.Sprintf("conn-%d", i))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = hub.Push(c.id, []byte("payload"))
			}
		}()
		go func() {
			defer wg.Done()
			hub.drop(c)
		}()
		wg.Wait()

		require.Eventually(t, func() bool {
			hub.mutex.RLock()
			_, present := hub.conns[c.id]
			hub.mutex.RUnlock()
			return !present
		}, time.Second, time.Millisecond)
		assert.ErrorIs(t, hub.Push(c.id, []byte("late")), dispatch.ErrConnectionGone)
	}
}

func TestPushAfterDropReturnsGone(t *testing.T) {
	hub, _ := newTestHub(t)
	c := attach(hub, "conn-1")

	hub.drop(c)
	require.Eventually(t, func() bool {
		hub.mutex.RLock()
		_, present := hub.conns["conn-1"]
		hub.mutex.RUnlock()
		return !present
	}, time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, hub.Push("conn-1", []byte("payload")), dispatch.ErrConnectionGone)
}
