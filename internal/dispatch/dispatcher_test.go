package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/NTitterton/agorusta/internal/telemetry"
	"github.com/NTitterton/agorusta/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDirectory struct {
	mu           sync.Mutex
	subscribers  map[string][]string
	deregistered []string
}

func (f *fakeDirectory) SubscribersOf(topic string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribers[topic]...), nil
}

func (f *fakeDirectory) Deregister(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, connID)
	for topic, conns := range f.subscribers {
		kept := conns[:0]
		for _, id := range conns {
			if id != connID {
				kept = append(kept, id)
			}
		}
		f.subscribers[topic] = kept
	}
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushes map[string][][]byte
	gone   map[string]bool
}

func newFakePusher() *fakePusher {
	return &fakePusher{pushes: make(map[string][][]byte), gone: make(map[string]bool)}
}

func (f *fakePusher) Push(connID string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gone[connID] {
		return ErrConnectionGone
	}
	f.pushes[connID] = append(f.pushes[connID], payload)
	return nil
}

func (f *fakePusher) pushCount(connID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes[connID])
}

func channelEvent(id, topic string) wire.Event {
	return wire.NewChannelMessage(wire.Message{ID: id, ChannelID: topic, Content: "hi", CreatedAt: 1000})
}

func TestDispatchDeliversToEverySubscriber(t *testing.T) {
	dir := &fakeDirectory{subscribers: map[string][]string{
		"chan-42": {"conn-1", "conn-2"},
		"chan-7":  {"conn-3"},
	}}
	pusher := newFakePusher()
	d := New(dir, pusher, telemetry.New(), zerolog.Nop(), 0, 0)

	require.NoError(t, d.Dispatch(context.Background(), channelEvent("msg-1", "chan-42")))

	assert.Equal(t, 1, pusher.pushCount("conn-1"))
	assert.Equal(t, 1, pusher.pushCount("conn-2"))
	assert.Equal(t, 0, pusher.pushCount("conn-3"), "other topics must not receive the event")
}

func TestDispatchRejectsTopiclessEvent(t *testing.T) {
	d := New(&fakeDirectory{}, newFakePusher(), telemetry.New(), zerolog.Nop(), 0, 0)
	assert.Error(t, d.Dispatch(context.Background(), wire.Event{Message: wire.Message{ID: "msg-1"}}))
}

func TestDispatchPrunesGoneConnections(t *testing.T) {
	dir := &fakeDirectory{subscribers: map[string][]string{
		"chan-42": {"dead", "alive"},
	}}
	pusher := newFakePusher()
	pusher.gone["dead"] = true
	d := New(dir, pusher, telemetry.New(), zerolog.Nop(), 0, 0)

	require.NoError(t, d.Dispatch(context.Background(), channelEvent("msg-1", "chan-42")))

	assert.Equal(t, []string{"dead"}, dir.deregistered)
	assert.Equal(t, 1, pusher.pushCount("alive"), "one dead subscriber must not block the rest")

	// The pruned connection is invisible to the next dispatch.
	require.NoError(t, d.Dispatch(context.Background(), channelEvent("msg-2", "chan-42")))
	assert.Equal(t, 2, pusher.pushCount("alive"))
	assert.Equal(t, 0, pusher.pushCount("dead"))
}

func TestWorkerPoolDeliversEverything(t *testing.T) {
	dir := &fakeDirectory{subscribers: map[string][]string{}}
	for i := 0; i < 8; i++ {
		dir.subscribers[fmt.Sprintf("topic-%d", i)] = []string{fmt.Sprintf("conn-%d", i)}
	}
	pusher := newFakePusher()
	d := New(dir, pusher, telemetry.New(), zerolog.Nop(), 4, 16)
	d.Start()

	for i := 0; i < 8; i++ {
		topic := fmt.Sprintf("topic-%d", i)
		for j := 0; j < 5; j++ {
			require.NoError(t, d.Dispatch(context.Background(), channelEvent(fmt.Sprintf("%s-msg-%d", topic, j), topic)))
		}
	}
	d.Stop()

	for i := 0; i < 8; i++ {
		assert.Equal(t, 5, pusher.pushCount(fmt.Sprintf("conn-%d", i)))
	}
}

func TestWorkerPoolPreservesPerTopicOrder(t *testing.T) {
	dir := &fakeDirectory{subscribers: map[string][]string{"chan-42": {"conn-1"}}}
	pusher := newFakePusher()
	d := New(dir, pusher, telemetry.New(), zerolog.Nop(), 4, 64)
	d.Start()

	var want [][]byte
	for i := 0; i < 20; i++ {
		evt := channelEvent(fmt.Sprintf("msg-%d", i), "chan-42")
		payload, err := evt.Encode()
		require.NoError(t, err)
		want = append(want, payload)
		require.NoError(t, d.Dispatch(context.Background(), evt))
	}
	d.Stop()

	pusher.mu.Lock()
	defer pusher.mu.Unlock()
	assert.Equal(t, want, pusher.pushes["conn-1"])
}

func TestDispatchHonorsContextWhenQueueFull(t *testing.T) {
	dir := &fakeDirectory{subscribers: map[string][]string{"chan-42": {"conn-1"}}}
	// Worker pool exists but is never started, so the queue fills up.
	d := New(dir, newFakePusher(), telemetry.New(), zerolog.Nop(), 1, 1)

	require.NoError(t, d.Dispatch(context.Background(), channelEvent("msg-1", "chan-42")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := d.Dispatch(ctx, channelEvent("msg-2", "chan-42"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	d.Start()
	d.Stop()
}
