package changefeed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/firehose/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNetwork = errors.New("connection reset by peer")

// scriptedStream yields a fixed list of entries, then fails with err or blocks
type scriptedStream struct {
	entries []store.Entry
	err     error
	block   bool
	opened  store.Cursor // Position reported before the first entry

	pos     int
	current store.Entry
	ended   error
}

func (s *scriptedStream) Next(ctx context.Context) bool {
	if s.pos < len(s.entries) {
		s.current = s.entries[s.pos]
		s.pos++
		return true
	}
	if s.block {
		<-ctx.Done()
		s.ended = ctx.Err()
		return false
	}
	s.ended = s.err
	return false
}

func (s *scriptedStream) Entry() store.Entry { return s.current }

func (s *scriptedStream) Position() store.Cursor {
	if s.pos > 0 {
		return s.entries[s.pos-1].Cursor
	}
	return s.opened
}

func (s *scriptedStream) Err() error                      { return s.ended }
func (s *scriptedStream) Close(ctx context.Context) error { return nil }

type openResult struct {
	stream *scriptedStream
	err    error
}

// scriptedStore hands out scripted streams in order and records every open cursor.
// Once the script runs out it hands out streams that block until cancelled.
type scriptedStore struct {
	store.Store

	mu     sync.Mutex
	script []openResult
	opens  []store.Cursor
}

func (s *scriptedStore) OpenChangeStream(ctx context.Context, filter store.Filter, from store.Cursor) (store.ChangeStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.opens = append(s.opens, from)
	if len(s.script) == 0 {
		return &scriptedStream{block: true}, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	if next.err != nil {
		return nil, next.err
	}
	return next.stream, nil
}

func (s *scriptedStore) openCursors() []store.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Cursor(nil), s.opens...)
}

func entry(seq int, id string) store.Entry {
	return store.Entry{
		Cursor:     store.NewCursor(fmt.Sprintf("%04d", seq), nil),
		Operation:  store.OpInsert,
		Collection: "complaints",
		Document:   store.Document{"_id": id, "seq": seq},
	}
}

func fastBackoff() Backoff {
	return Backoff{Base: time.Millisecond, Max: 5 * time.Millisecond, Jitter: 0.1, Multiplier: 2}
}

// collect runs the watcher until want events arrive, then stops it
func collect(t *testing.T, w *Watcher, from store.Cursor, want int) ([]*ChangeEvent, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []*ChangeEvent
	err := w.Run(ctx, from, func(ev *ChangeEvent) {
		events = append(events, ev)
		if len(events) == want {
			cancel()
		}
	})
	return events, err
}

func newTestWatcher(t *testing.T, src store.Store) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Source:  src,
		Filter:  store.Filter{Collection: "complaints", Operations: []store.Operation{store.OpInsert}},
		Backoff: fastBackoff(),
	})
	require.NoError(t, err)
	return w
}

func TestWatcherDeliversInOrder(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a"), entry(2, "b"), entry(3, "c")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 3)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 3)

	for i, ev := range events {
		assert.Equal(t, KindRecord, ev.Kind)
		assert.Equal(t, store.OpInsert, ev.Operation)
		assert.Equal(t, fmt.Sprintf("%04d", i+1), ev.Sequence.Key())
		assert.False(t, ev.ObservedAt.IsZero())
	}
	assert.Equal(t, "a", events[0].RecordID)
	assert.Equal(t, "0003", w.Position().Key())
}

func TestWatcherReconnectResumesFromLastCursor(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a"), entry(2, "b")}, err: errNetwork}},
		{err: errNetwork},
		// The store redelivers the last event before moving on
		{stream: &scriptedStream{entries: []store.Entry{entry(2, "b"), entry(3, "c"), entry(4, "d")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 5)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 5)

	opens := src.openCursors()
	require.Len(t, opens, 3)
	assert.True(t, opens[0].IsZero())
	assert.Equal(t, "0002", opens[1].Key())
	assert.Equal(t, "0002", opens[2].Key())

	// Nothing after the cursor is skipped
	var seqs []string
	for _, ev := range events {
		seqs = append(seqs, ev.Sequence.Key())
	}
	assert.Equal(t, []string{"0001", "0002", "0002", "0003", "0004"}, seqs)

	// The redelivered event is identifiable by identifier and sequence
	assert.Equal(t, events[1].Key(), events[2].Key())
	assert.NotEqual(t, events[2].Key(), events[3].Key())
}

func TestWatcherReconnectBeforeFirstEntryResumesFromOpenPosition(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{opened: store.NewCursor("0005", nil), err: errNetwork}},
		{stream: &scriptedStream{entries: []store.Entry{entry(6, "f")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 1)
	assert.Equal(t, "f", events[0].RecordID)

	opens := src.openCursors()
	require.Len(t, opens, 2)
	assert.True(t, opens[0].IsZero())
	assert.Equal(t, "0005", opens[1].Key())
}

func TestWatcherOpenPositionNeverMovesCursorBack(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{opened: store.NewCursor("0001", nil), err: errNetwork}},
	}}
	w := newTestWatcher(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, store.NewCursor("0004", nil), func(*ChangeEvent) {}) }()

	require.Eventually(t, func() bool { return len(src.openCursors()) >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, "0004", src.openCursors()[1].Key())
}

func TestWatcherCleanStreamEndIsRetried(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a")}}},
		{stream: &scriptedStream{entries: []store.Entry{entry(2, "b")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 2)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 2)
	assert.Equal(t, "0001", src.openCursors()[1].Key())
}

func TestWatcherCursorExpiredEmitsGap(t *testing.T) {
	expired := fmt.Errorf("resume token gone: %w", store.ErrCursorExpired)
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a")}, err: expired}},
		{stream: &scriptedStream{entries: []store.Entry{entry(9, "z")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 3)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 3)

	assert.Equal(t, KindRecord, events[0].Kind)
	assert.Equal(t, KindGap, events[1].Kind)
	assert.Equal(t, GapCursorExpired, events[1].GapReason)
	assert.True(t, events[1].IsControl())
	assert.Equal(t, "z", events[2].RecordID)

	opens := src.openCursors()
	require.Len(t, opens, 2)
	assert.True(t, opens[1].IsZero(), "expired cursor falls back to now")
}

func TestWatcherExpiredAtNowIsTransient(t *testing.T) {
	src := &scriptedStore{script: []openResult{
		{err: store.ErrCursorExpired},
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 1)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 1)
	assert.Equal(t, KindRecord, events[0].Kind)
}

func TestWatcherFatalError(t *testing.T) {
	denied := fmt.Errorf("authentication failed: %w", store.ErrFatal)
	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a")}, err: denied}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 10)
	require.Len(t, events, 1)

	var fatal *FatalFeedError
	require.ErrorAs(t, err, &fatal)
	assert.ErrorIs(t, err, store.ErrFatal)
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestWatcherSkipsFilteredEntries(t *testing.T) {
	deleted := entry(2, "b")
	deleted.Operation = store.OpDelete
	other := entry(3, "c")
	other.Collection = "vehicles"

	src := &scriptedStore{script: []openResult{
		{stream: &scriptedStream{entries: []store.Entry{entry(1, "a"), deleted, other}, err: errNetwork}},
		{stream: &scriptedStream{entries: []store.Entry{entry(4, "d")}, block: true}},
	}}
	w := newTestWatcher(t, src)

	events, err := collect(t, w, store.Cursor{}, 2)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].RecordID)
	assert.Equal(t, "d", events[1].RecordID)

	// Filtered entries still advance the cursor
	assert.Equal(t, "0003", src.openCursors()[1].Key())
}

func TestWatcherResumesFromGivenCursor(t *testing.T) {
	src := &scriptedStore{}
	w := newTestWatcher(t, src)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	from := store.NewCursor("0042", nil)
	err := w.Run(ctx, from, func(*ChangeEvent) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "0042", src.openCursors()[0].Key())
}

func TestWatcherRunsOnce(t *testing.T) {
	w := newTestWatcher(t, &scriptedStore{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Run(ctx, store.Cursor{}, func(*ChangeEvent) {}), context.Canceled)
	assert.ErrorIs(t, w.Run(context.Background(), store.Cursor{}, func(*ChangeEvent) {}), ErrWatcherStarted)
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Source: &scriptedStore{}, Backoff: Backoff{Base: time.Second, Max: time.Millisecond}})
	assert.Error(t, err)

	_, err = NewWatcher(WatcherConfig{Source: &scriptedStore{}, Backoff: Backoff{Jitter: 1}})
	assert.Error(t, err)

	w, err := NewWatcher(WatcherConfig{Source: &scriptedStore{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultBackoffBase, w.config.Backoff.Base)
	assert.Equal(t, DefaultBackoffMax, w.config.Backoff.Max)
	assert.True(t, w.Position().IsZero())
}

func TestNextDelayRespectsCap(t *testing.T) {
	bo := Backoff{Base: 10 * time.Millisecond, Max: 40 * time.Millisecond, Jitter: 0.5, Multiplier: 2}.NewExponentialBackOff()
	for i := 0; i < 20; i++ {
		d := nextDelay(bo, 40*time.Millisecond)
		assert.LessOrEqual(t, d, 40*time.Millisecond)
		assert.Greater(t, d, time.Duration(0))
	}
}
