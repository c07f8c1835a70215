package pebblestore

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/firehose/store"
)

// changeStream tails one collection log. It is not safe for concurrent use.
type changeStream struct {
	store  *Store
	cl     *collectionLog
	filter store.Filter
	after  uint64 // Last sequence consumed

	current store.Entry
	err     error
	closed  bool
}

func (cs *changeStream) Next(ctx context.Context) bool {
	if cs.err != nil || cs.closed {
		return false
	}

	for {
		// Take the wake channel before reading so an append between the
		// read and the wait is never missed
		wake := cs.cl.waitCh()

		rec, found, err := cs.store.readAfter(cs.cl.name, cs.after)
		if err != nil {
			cs.err = err
			return false
		}

		if found {
			if rec.Seq != cs.after+1 {
				cs.err = fmt.Errorf("%w: records %d..%d were compacted", store.ErrCursorExpired, cs.after+1, rec.Seq-1)
				return false
			}
			cs.after = rec.Seq

			entry := store.Entry{
				Cursor:     store.NewCursor(formatSeq(rec.Seq), nil),
				Operation:  store.OpInsert,
				Collection: cs.cl.name,
				Document:   store.Document(rec.Doc),
				CommitTime: time.UnixMilli(rec.TS),
			}
			if !cs.filter.Match(entry) {
				continue
			}

			cs.current = entry
			return true
		}

		select {
		case <-wake:
		case <-ctx.Done():
			cs.err = ctx.Err()
			return false
		case <-cs.store.closedCh:
			cs.err = fmt.Errorf("%w: record store is closed", store.ErrFatal)
			return false
		}
	}
}

func (cs *changeStream) Entry() store.Entry {
	return cs.current
}

func (cs *changeStream) Position() store.Cursor {
	return store.NewCursor(formatSeq(cs.after), nil)
}

func (cs *changeStream) Err() error {
	return cs.err
}

func (cs *changeStream) Close(ctx context.Context) error {
	cs.closed = true
	return nil
}
