package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/cyberrange/pkg/storage"
	"github.com/cuemby/cyberrange/pkg/types"
)

func newTestBroadcaster(t *testing.T, buffer int) (*Broadcaster, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewBroadcaster(store, buffer), store
}

func receive(t *testing.T, sub *Subscription) *types.EventLogEntry {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestPublishPersistsAndFansOut(t *testing.T) {
	b, _ := newTestBroadcaster(t, 4)

	sub := b.Subscribe("r1")
	other := b.Subscribe("r2")
	defer b.Unsubscribe(sub)
	defer b.Unsubscribe(other)

	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Type: types.EventVMStatus, VMID: "v1", Message: "vm running"}))

	got := receive(t, sub)
	assert.Equal(t, "vm running", got.Message)
	assert.NotZero(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())

	select {
	case e := <-other.C():
		t.Fatalf("unexpected event for other range: %+v", e)
	default:
	}

	history, err := b.History("r1", types.EventFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, got.ID, history[0].ID)
}

func TestNotifyIsLiveOnly(t *testing.T) {
	b, _ := newTestBroadcaster(t, 4)
	sub := b.Subscribe("r1")
	defer b.Unsubscribe(sub)

	b.Notify(&types.EventLogEntry{RangeID: "r1", Type: types.EventJobProgress, Message: "50%"})
	assert.Equal(t, types.EventJobProgress, receive(t, sub).Type)

	history, err := b.History("r1", types.EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestLaggingSubscriberDoesNotBlock(t *testing.T) {
	b, _ := newTestBroadcaster(t, 2)
	slow := b.Subscribe("r1")
	fast := b.Subscribe("r1")
	defer b.Unsubscribe(slow)

	var received int
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range fast.C() {
			received++
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Notify(&types.EventLogEntry{RangeID: "r1", Message: string(rune('a' + i))})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a lagging subscriber")
	}
	b.Unsubscribe(fast)
	wg.Wait()

	assert.Equal(t, 10, received+int(fast.Dropped()))
	assert.Equal(t, uint64(8), slow.Dropped())
	assert.Len(t, slow.C(), 2)
}

func TestReconnectReplaysFromLog(t *testing.T) {
	b, _ := newTestBroadcaster(t, 4)

	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "first"}))
	history, err := b.History("r1", types.EventFilter{})
	require.NoError(t, err)
	require.Len(t, history, 1)
	lastSeen := history[0].Timestamp

	// Disconnected while these happen
	time.Sleep(time.Millisecond)
	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "second"}))
	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "third"}))

	missed, err := b.History("r1", types.EventFilter{Since: lastSeen})
	require.NoError(t, err)
	var msgs []string
	for _, e := range missed {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"second", "third"}, msgs)
}

func TestReplayAfterSkewedPublishers(t *testing.T) {
	b, _ := newTestBroadcaster(t, 4)
	sub := b.Subscribe("r1")
	defer b.Unsubscribe(sub)

	stamped := time.Now().UTC()
	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "later", Timestamp: stamped.Add(time.Millisecond)}))
	lastSeen := receive(t, sub)
	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "earlier", Timestamp: stamped}))

	missed, err := b.History("r1", types.EventFilter{Since: lastSeen.Timestamp})
	require.NoError(t, err)
	require.Len(t, missed, 1)
	assert.Equal(t, "earlier", missed[0].Message)
	assert.Equal(t, missed[0].ID, receive(t, sub).ID)
}

func TestConcurrentPublishDeliversInLogOrder(t *testing.T) {
	b, _ := newTestBroadcaster(t, 64)
	sub := b.Subscribe("r1")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Type: types.EventWarning}))
		}()
	}
	wg.Wait()

	var prev *types.EventLogEntry
	for i := 0; i < 20; i++ {
		e := receive(t, sub)
		if prev != nil {
			assert.Greater(t, e.ID, prev.ID)
			assert.True(t, e.Timestamp.After(prev.Timestamp))
		}
		prev = e
	}
}

func TestUnsubscribe(t *testing.T) {
	b, _ := newTestBroadcaster(t, 1)
	sub := b.Subscribe("r1")
	assert.Equal(t, 1, b.SubscriberCount("r1"))

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount("r1"))

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic on a closed channel
	b.Notify(&types.EventLogEntry{RangeID: "r1"})
}

func TestCloseRange(t *testing.T) {
	b, _ := newTestBroadcaster(t, 1)
	a := b.Subscribe("r1")
	c := b.Subscribe("r1")
	keep := b.Subscribe("r2")

	b.CloseRange("r1")
	_, okA := <-a.C()
	_, okC := <-c.C()
	assert.False(t, okA)
	assert.False(t, okC)
	assert.Equal(t, 1, b.SubscriberCount("r2"))

	b.Close()
	_, ok := <-keep.C()
	assert.False(t, ok)
}

type recordingRelay struct {
	mu      sync.Mutex
	entries []*types.EventLogEntry
}

func (r *recordingRelay) Relay(e *types.EventLogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

func TestRelayReceivesLiveEvents(t *testing.T) {
	b, _ := newTestBroadcaster(t, 1)
	relay := &recordingRelay{}
	b.AddRelay(relay)

	require.NoError(t, b.Publish(&types.EventLogEntry{RangeID: "r1", Message: "persisted"}))
	b.Notify(&types.EventLogEntry{RangeID: "r1", Message: "live"})

	relay.mu.Lock()
	defer relay.mu.Unlock()
	require.Len(t, relay.entries, 2)
	assert.Equal(t, "live", relay.entries[1].Message)
}

func TestRedisRelayFollow(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	relay := NewRedisRelay(client, 8)
	relay.Start()
	defer relay.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := Follow(ctx, client, "r1")
	require.NoError(t, err)

	relay.Relay(&types.EventLogEntry{RangeID: "r2", Message: "elsewhere"})
	relay.Relay(&types.EventLogEntry{RangeID: "r1", VMID: "v1", Type: types.EventVMStatus, Message: "vm running"})

	select {
	case e := <-ch:
		require.NotNil(t, e)
		assert.Equal(t, "vm running", e.Message)
		assert.Equal(t, "v1", e.VMID)
	case <-ctx.Done():
		t.Fatal("timed out waiting for relayed event")
	}
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "cyberrange:events:abc", Channel("abc"))
}
