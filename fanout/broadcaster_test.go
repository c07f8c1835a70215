package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroadcaster(t *testing.T, capacity int, policy cfg.OverflowPolicy, dedupe int) (*Registry, *Broadcaster) {
	t.Helper()
	reg := NewRegistry(capacity)
	b, err := NewBroadcaster(BroadcasterConfig{Registry: reg, Policy: policy, DedupeWindow: dedupe})
	require.NoError(t, err)
	return reg, b
}

func register(t *testing.T, reg *Registry, label string) *Subscriber {
	t.Helper()
	sub, err := reg.Register(label)
	require.NoError(t, err)
	require.Equal(t, StateActive, sub.State())
	return sub
}

func TestBroadcastDeliversAllInOrder(t *testing.T) {
	reg, b := newTestBroadcaster(t, 64, cfg.OverflowDropOldest, 0)
	sub := register(t, reg, "viewer")

	for i := 1; i <= 50; i++ {
		b.Publish(record(i))
	}

	events, err := available(t, sub.Next)
	require.NoError(t, err)
	require.Len(t, events, 50)
	for i, ev := range events {
		assert.Equal(t, fmt.Sprintf("r%d", i+1), ev.RecordID)
	}
	assert.Equal(t, uint64(50), b.Published())
}

func TestBroadcastSharesEventPointer(t *testing.T) {
	reg, b := newTestBroadcaster(t, 4, cfg.OverflowDropOldest, 0)
	s1 := register(t, reg, "a")
	s2 := register(t, reg, "b")

	ev := record(1)
	b.Publish(ev)

	got1, err := s1.Next(context.Background())
	require.NoError(t, err)
	got2, err := s2.Next(context.Background())
	require.NoError(t, err)
	assert.Same(t, ev, got1)
	assert.Same(t, ev, got2)
}

func TestBroadcastOverflowGap(t *testing.T) {
	const capacity = 5
	reg, b := newTestBroadcaster(t, capacity, cfg.OverflowDropOldest, 0)
	sub := register(t, reg, "slow")

	for i := 1; i <= capacity+1; i++ {
		b.Publish(record(i))
	}

	events, err := available(t, sub.Next)
	require.NoError(t, err)
	assert.Equal(t, []string{"gap", "r2", "r3", "r4", "r5", "r6"}, ids(events))

	gaps := 0
	for _, ev := range events {
		if ev.Kind == changefeed.KindGap {
			gaps++
		}
	}
	assert.Equal(t, 1, gaps)
}

func TestLateSubscriberGetsNoBacklog(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 0)
	early := register(t, reg, "early")

	for i := 1; i <= 5; i++ {
		b.Publish(record(i))
	}
	late := register(t, reg, "late")
	b.Publish(record(6))

	events, err := available(t, late.Next)
	require.NoError(t, err)
	assert.Equal(t, []string{"r6"}, ids(events))

	events, err = available(t, early.Next)
	require.NoError(t, err)
	assert.Len(t, events, 6)
}

func TestRegistrationPointScenario(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 0)

	s1 := register(t, reg, "S1")
	b.Publish(record(1))
	s2 := register(t, reg, "S2")
	b.Publish(record(2))
	b.Publish(record(3))

	got1, err := available(t, s1.Next)
	require.NoError(t, err)
	got2, err := available(t, s2.Next)
	require.NoError(t, err)

	assert.Equal(t, []string{"r1", "r2", "r3"}, ids(got1))
	assert.Equal(t, []string{"r2", "r3"}, ids(got2))
}

func TestDisconnectingOneSubscriberDoesNotAffectAnother(t *testing.T) {
	reg, b := newTestBroadcaster(t, 1024, cfg.OverflowDropOldest, 0)
	a := register(t, reg, "A")
	bSub := register(t, reg, "B")

	const total = 500
	var wg sync.WaitGroup
	wg.Add(2)

	// A reads a little, then goes away mid-stream
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := a.Next(context.Background()); err != nil {
				return
			}
		}
		reg.Unregister(a.ID())
	}()

	var got []*changefeed.ChangeEvent
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for len(got) < total {
			ev, err := bSub.Next(ctx)
			if err != nil {
				return
			}
			got = append(got, ev)
		}
	}()

	for i := 1; i <= total; i++ {
		b.Publish(record(i))
	}
	wg.Wait()

	require.Len(t, got, total)
	for i, ev := range got {
		assert.Equal(t, fmt.Sprintf("r%d", i+1), ev.RecordID)
	}
	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, ReasonPeer, a.Reason())
}

func TestDisconnectPolicyEvictsOnlyTheSlowSubscriber(t *testing.T) {
	reg, b := newTestBroadcaster(t, 2, cfg.OverflowDisconnect, 0)
	slow := register(t, reg, "slow")
	fast := register(t, reg, "fast")

	b.Publish(record(1))
	b.Publish(record(2))

	// fast keeps up
	events, err := available(t, fast.Next)
	require.NoError(t, err)
	assert.Len(t, events, 2)

	b.Publish(record(3))

	assert.Equal(t, StateClosed, slow.State())
	assert.Equal(t, ReasonEvicted, slow.Reason())
	_, err = slow.Next(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)

	events, err = available(t, fast.Next)
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids(events))
	assert.Equal(t, 1, reg.Len())
}

func TestDedupeWindowSuppressesRedelivery(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 8)
	sub := register(t, reg, "viewer")

	b.Publish(record(1))
	b.Publish(record(2))
	b.Publish(record(2)) // redelivered after reconnect
	b.Publish(changefeed.NewGapEvent(changefeed.GapCursorExpired, 0))
	b.Publish(changefeed.NewGapEvent(changefeed.GapCursorExpired, 0))
	b.Publish(record(3))

	events, err := available(t, sub.Next)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "gap", "gap", "r3"}, ids(events))
}

func TestWithoutDedupeRedeliveryIsVisible(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 0)
	sub := register(t, reg, "viewer")

	b.Publish(record(1))
	b.Publish(record(1))

	events, err := available(t, sub.Next)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, events[0].Key(), events[1].Key())
}

type fakeFeed struct {
	events []*changefeed.ChangeEvent
	err    error
}

func (f *fakeFeed) Run(ctx context.Context, from store.Cursor, handle func(*changefeed.ChangeEvent)) error {
	for _, ev := range f.events {
		handle(ev)
	}
	return f.err
}

func TestRunTerminatesSubscribersOnFatalError(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 0)
	sub := register(t, reg, "viewer")

	fatal := &changefeed.FatalFeedError{Err: fmt.Errorf("auth revoked: %w", store.ErrFatal)}
	feed := &fakeFeed{events: []*changefeed.ChangeEvent{record(1), record(2)}, err: fatal}

	err := b.Run(context.Background(), feed, store.Cursor{})
	require.ErrorAs(t, err, new(*changefeed.FatalFeedError))

	events, err := available(t, sub.Next)
	assert.ErrorIs(t, err, ErrQueueDrained)
	assert.Equal(t, []string{"r1", "r2", "terminal"}, ids(events))
	assert.Contains(t, events[2].Err, "auth revoked")
	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, ReasonTerminated, sub.Reason())

	_, err = reg.Register("too late")
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRunReturnsContextErrorWithoutTerminating(t *testing.T) {
	reg, b := newTestBroadcaster(t, 16, cfg.OverflowDropOldest, 0)
	register(t, reg, "viewer")

	err := b.Run(context.Background(), &fakeFeed{err: context.Canceled}, store.Cursor{})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, reg.Closed())
	assert.Equal(t, 1, reg.Len())
}

func TestNewBroadcasterValidation(t *testing.T) {
	_, err := NewBroadcaster(BroadcasterConfig{})
	assert.Error(t, err)

	_, err = NewBroadcaster(BroadcasterConfig{Registry: NewRegistry(1), Policy: "block"})
	assert.Error(t, err)

	b, err := NewBroadcaster(BroadcasterConfig{Registry: NewRegistry(1)})
	require.NoError(t, err)
	assert.Equal(t, cfg.OverflowDropOldest, b.policy)
}
