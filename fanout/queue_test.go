package fanout

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/changefeed"
	"github.com/maxpert/firehose/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(i int) *changefeed.ChangeEvent {
	return changefeed.NewRecordEvent(store.Entry{
		Cursor:    store.NewCursor(fmt.Sprintf("%04d", i), nil),
		Operation: store.OpInsert,
		Document:  store.Document{"_id": fmt.Sprintf("r%d", i)},
	}, time.Now())
}

// available dequeues until nothing arrives for a short while
func available(t *testing.T, next func(context.Context) (*changefeed.ChangeEvent, error)) ([]*changefeed.ChangeEvent, error) {
	t.Helper()
	var out []*changefeed.ChangeEvent
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		ev, err := next(ctx)
		cancel()
		if err == context.DeadlineExceeded {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}

func ids(events []*changefeed.ChangeEvent) []string {
	out := make([]string, 0, len(events))
	for _, ev := range events {
		if ev.Kind == changefeed.KindRecord {
			out = append(out, ev.RecordID)
		} else {
			out = append(out, ev.Kind.String())
		}
	}
	return out
}

func TestQueueFIFO(t *testing.T) {
	q := NewDeliveryQueue(4)
	for i := 1; i <= 4; i++ {
		assert.Equal(t, OfferAccepted, q.Offer(record(i), cfg.OverflowDropOldest))
	}
	assert.Equal(t, 4, q.Len())

	events, err := available(t, q.Dequeue)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2", "r3", "r4"}, ids(events))
	assert.Equal(t, 0, q.Len())
}

func TestQueueOverflowSurfacesOneGap(t *testing.T) {
	const capacity = 3
	q := NewDeliveryQueue(capacity)

	for i := 1; i <= capacity; i++ {
		assert.Equal(t, OfferAccepted, q.Offer(record(i), cfg.OverflowDropOldest))
	}
	assert.Equal(t, OfferDroppedOldest, q.Offer(record(capacity+1), cfg.OverflowDropOldest))
	assert.Equal(t, capacity, q.Len())

	events, err := available(t, q.Dequeue)
	require.NoError(t, err)
	assert.Equal(t, []string{"gap", "r2", "r3", "r4"}, ids(events))
	assert.Equal(t, changefeed.GapOverflow, events[0].GapReason)
	assert.Equal(t, 1, events[0].Dropped)
}

func TestQueueRepeatedOverflowCountsDrops(t *testing.T) {
	q := NewDeliveryQueue(2)
	for i := 1; i <= 7; i++ {
		q.Offer(record(i), cfg.OverflowDropOldest)
		assert.LessOrEqual(t, q.Len(), 2)
	}

	events, err := available(t, q.Dequeue)
	require.NoError(t, err)
	assert.Equal(t, []string{"gap", "r6", "r7"}, ids(events))
	assert.Equal(t, 5, events[0].Dropped)

	// The gap is surfaced once
	q.Offer(record(8), cfg.OverflowDropOldest)
	events, err = available(t, q.Dequeue)
	require.NoError(t, err)
	assert.Equal(t, []string{"r8"}, ids(events))
}

func TestQueueDisconnectPolicyRejects(t *testing.T) {
	q := NewDeliveryQueue(1)
	assert.Equal(t, OfferAccepted, q.Offer(record(1), cfg.OverflowDisconnect))
	assert.Equal(t, OfferRejected, q.Offer(record(2), cfg.OverflowDisconnect))
	assert.Equal(t, 1, q.Len())
}

func TestQueueCloseReleasesBlockedDequeue(t *testing.T) {
	q := NewDeliveryQueue(2)
	q.Offer(record(1), cfg.OverflowDropOldest)

	done := make(chan error, 1)
	go func() {
		_, _ = q.Dequeue(context.Background())
		_, err := q.Dequeue(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	assert.True(t, q.Close())
	assert.False(t, q.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrQueueClosed)
	case <-time.After(time.Second):
		t.Fatal("dequeue was not released")
	}

	assert.Equal(t, OfferClosed, q.Offer(record(2), cfg.OverflowDropOldest))
	assert.Equal(t, 0, q.Len())
}

func TestQueueCloseDiscardsBufferedEvents(t *testing.T) {
	q := NewDeliveryQueue(4)
	q.Offer(record(1), cfg.OverflowDropOldest)
	q.Offer(record(2), cfg.OverflowDropOldest)
	q.Close()

	_, err := q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueDrainFlushesThenFinal(t *testing.T) {
	q := NewDeliveryQueue(4)
	q.Offer(record(1), cfg.OverflowDropOldest)
	q.Offer(record(2), cfg.OverflowDropOldest)

	assert.True(t, q.CloseDrain(changefeed.NewTerminalEvent(fmt.Errorf("boom"))))
	assert.False(t, q.CloseDrain(nil))
	assert.Equal(t, OfferClosed, q.Offer(record(3), cfg.OverflowDropOldest))

	events, err := available(t, q.Dequeue)
	assert.ErrorIs(t, err, ErrQueueDrained)
	assert.Equal(t, []string{"r1", "r2", "terminal"}, ids(events))

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	q := NewDeliveryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
