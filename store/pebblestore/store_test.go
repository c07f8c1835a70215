package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, retain uint64) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{RetainEntries: retain})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func docs(n int, start int) []store.Document {
	out := make([]store.Document, n)
	for i := range out {
		out[i] = store.Document{"n": int64(start + i)}
	}
	return out
}

func TestBulkInsertAndQuery(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	n, err := s.BulkInsert(ctx, "complaints", docs(5, 0))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	all, err := s.Query(ctx, "complaints", 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, d := range all {
		assert.Equal(t, int64(i), d["n"])
		assert.NotEmpty(t, d[store.IDField])
	}

	page, err := s.Query(ctx, "complaints", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(2), page[0]["n"])
	assert.Equal(t, int64(3), page[1]["n"])

	empty, err := s.Query(ctx, "other", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestBulkInsertKeepsExistingID(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	input := []store.Document{{"_id": "fixed", "a": "b"}, {"a": "c"}}
	_, err := s.BulkInsert(ctx, "complaints", input)
	require.NoError(t, err)

	all, err := s.Query(ctx, "complaints", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, "fixed", all[0][store.IDField])
	assert.Len(t, all[1][store.IDField], 24)

	// Caller's documents are not mutated
	_, hasID := input[1][store.IDField]
	assert.False(t, hasID)
}

func TestInvalidCollection(t *testing.T) {
	s := openTestStore(t, 0)
	_, err := s.BulkInsert(context.Background(), "a/b", docs(1, 0))
	assert.Error(t, err)

	_, err = s.OpenChangeStream(context.Background(), store.Filter{}, store.Cursor{})
	assert.ErrorIs(t, err, store.ErrFatal)
}

func TestChangeStreamFromNowSkipsBacklog(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.BulkInsert(ctx, "complaints", docs(3, 0))
	require.NoError(t, err)

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)
	defer cs.Close(ctx)

	_, err = s.BulkInsert(ctx, "complaints", docs(2, 3))
	require.NoError(t, err)

	require.True(t, cs.Next(ctx))
	assert.Equal(t, int64(3), cs.Entry().Document["n"])
	assert.Equal(t, store.OpInsert, cs.Entry().Operation)
	assert.Equal(t, "complaints", cs.Entry().Collection)

	require.True(t, cs.Next(ctx))
	assert.Equal(t, int64(4), cs.Entry().Document["n"])
}

func TestChangeStreamPositionStartsAtLogEnd(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.BulkInsert(ctx, "complaints", docs(3, 0))
	require.NoError(t, err)

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)
	opened := cs.Position()
	assert.Equal(t, formatSeq(3), opened.Key())

	_, err = s.BulkInsert(ctx, "complaints", docs(1, 3))
	require.NoError(t, err)
	require.NoError(t, cs.Close(ctx))

	// Reopening at the opening position picks up what was written since
	cs, err = s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, opened)
	require.NoError(t, err)
	defer cs.Close(ctx)
	require.True(t, cs.Next(ctx))
	assert.Equal(t, int64(3), cs.Entry().Document["n"])
	assert.Equal(t, cs.Entry().Cursor, cs.Position())
}

func TestChangeStreamBlocksUntilAppend(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)

	got := make(chan store.Entry, 1)
	go func() {
		if cs.Next(ctx) {
			got <- cs.Entry()
		}
		close(got)
	}()

	time.Sleep(50 * time.Millisecond)
	_, err = s.BulkInsert(ctx, "complaints", docs(1, 7))
	require.NoError(t, err)

	select {
	case e, ok := <-got:
		require.True(t, ok)
		assert.Equal(t, int64(7), e.Document["n"])
	case <-ctx.Done():
		t.Fatal("stream never woke up")
	}
}

func TestChangeStreamResumeFromCursor(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, "complaints", docs(4, 0))
	require.NoError(t, err)

	require.True(t, cs.Next(ctx))
	require.True(t, cs.Next(ctx))
	resumeAt := cs.Entry().Cursor
	require.NoError(t, cs.Close(ctx))
	assert.False(t, cs.Next(ctx))

	resumed, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, resumeAt)
	require.NoError(t, err)

	require.True(t, resumed.Next(ctx))
	assert.Equal(t, int64(2), resumed.Entry().Document["n"])
	assert.True(t, resumeAt.Before(resumed.Entry().Cursor))
	require.True(t, resumed.Next(ctx))
	assert.Equal(t, int64(3), resumed.Entry().Document["n"])
}

func TestChangeStreamCursorExpiredAfterCompaction(t *testing.T) {
	s := openTestStore(t, 3)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.BulkInsert(ctx, "complaints", docs(1, 0))
	require.NoError(t, err)
	stale := store.NewCursor(formatSeq(1), nil)

	_, err = s.BulkInsert(ctx, "complaints", docs(5, 1))
	require.NoError(t, err)

	_, err = s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, stale)
	assert.ErrorIs(t, err, store.ErrCursorExpired)

	all, err := s.Query(ctx, "complaints", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0]["n"])
}

func TestChangeStreamCompactedWhileReading(t *testing.T) {
	s := openTestStore(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, "complaints", docs(6, 0))
	require.NoError(t, err)

	assert.False(t, cs.Next(ctx))
	assert.ErrorIs(t, cs.Err(), store.ErrCursorExpired)
}

func TestChangeStreamInvalidCursors(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	_, err := s.BulkInsert(ctx, "complaints", docs(2, 0))
	require.NoError(t, err)

	_, err = s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.NewCursor("garbage", nil))
	assert.ErrorIs(t, err, store.ErrCursorExpired)

	_, err = s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.NewCursor(formatSeq(99), nil))
	assert.ErrorIs(t, err, store.ErrCursorExpired)
}

func TestChangeStreamFilterByOperation(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints", Operations: []store.Operation{store.OpDelete}}, store.Cursor{})
	require.NoError(t, err)

	_, err = s.BulkInsert(ctx, "complaints", docs(3, 0))
	require.NoError(t, err)

	assert.False(t, cs.Next(ctx))
	assert.ErrorIs(t, cs.Err(), context.DeadlineExceeded)
}

func TestChangeStreamEndsOnClose(t *testing.T) {
	s, err := Open(t.TempDir(), Options{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		cs.Next(ctx)
		done <- cs.Err()
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close(ctx))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, store.ErrFatal)
	case <-ctx.Done():
		t.Fatal("stream did not end")
	}

	assert.Error(t, s.Ping(ctx))
	assert.Error(t, s.Close(ctx))
	_, err = s.BulkInsert(ctx, "complaints", docs(1, 0))
	assert.True(t, errors.Is(err, store.ErrFatal))
}

func TestReopenRestoresSequence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(dir, Options{RetainEntries: 4})
	require.NoError(t, err)
	_, err = s.BulkInsert(ctx, "complaints", docs(6, 0))
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	s, err = Open(dir, Options{RetainEntries: 4})
	require.NoError(t, err)
	defer s.Close(ctx)

	cl := s.collection("complaints")
	assert.Equal(t, uint64(6), cl.last.Load())
	assert.Equal(t, uint64(3), cl.first.Load())

	_, err = s.BulkInsert(ctx, "complaints", docs(1, 6))
	require.NoError(t, err)
	all, err := s.Query(ctx, "complaints", 0, 10)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(6), all[3]["n"])
}

func TestConcurrentAppendsAreOrdered(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cs, err := s.OpenChangeStream(ctx, store.Filter{Collection: "complaints"}, store.Cursor{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.BulkInsert(ctx, "complaints", []store.Document{{"w": fmt.Sprint(w)}})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	var prev store.Cursor
	for i := 0; i < 40; i++ {
		require.True(t, cs.Next(ctx))
		assert.True(t, prev.Before(cs.Entry().Cursor))
		prev = cs.Entry().Cursor
	}
}

func TestRegisteredFactory(t *testing.T) {
	s, err := store.Open(context.Background(), cfg.StoreConfiguration{Backend: "pebble", DataDir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close(context.Background())
	assert.NoError(t, s.Ping(context.Background()))
}
