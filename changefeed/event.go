// Package changefeed turns a store change log into a resumable stream of
// normalized ChangeEvents.
//
// A Watcher owns the live read and the resume cursor. It reconnects with
// exponential backoff on transient failures, falls back to "now" with a Gap
// event when the cursor expires, and stops with a FatalFeedError on
// non-retryable failures. Delivery is at-least-once: an event redelivered
// after a reconnect carries the same Key.
package changefeed

import (
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/firehose/store"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Kind distinguishes record events from control markers
type Kind int

const (
	KindRecord   Kind = iota // A change log record
	KindGap                  // Events were lost before this point
	KindTerminal             // The feed stopped for good
)

func (k Kind) String() string {
	switch k {
	case KindRecord:
		return "record"
	case KindGap:
		return "gap"
	case KindTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Gap reasons
const (
	GapCursorExpired = "cursor_expired" // The store could not resume; the feed restarted at "now"
	GapOverflow      = "overflow"       // A subscriber queue dropped its oldest events
)

// ChangeEvent is one normalized change. Events are shared by pointer between
// subscribers and must not be modified after they are emitted.
type ChangeEvent struct {
	Kind       Kind
	Sequence   store.Cursor
	Operation  store.Operation
	RecordID   string
	Record     store.Document
	ObservedAt time.Time

	GapReason string // KindGap only
	Dropped   int    // KindGap only, events lost by a subscriber queue
	Err       string // KindTerminal only

	encodeOnce sync.Once
	encoded    []byte
	encodeErr  error
}

// NewRecordEvent normalizes a change log entry
func NewRecordEvent(entry store.Entry, observedAt time.Time) *ChangeEvent {
	return &ChangeEvent{
		Kind:       KindRecord,
		Sequence:   entry.Cursor,
		Operation:  entry.Operation,
		RecordID:   StringifyID(entry.Document[store.IDField]),
		Record:     entry.Document,
		ObservedAt: observedAt,
	}
}

// NewGapEvent creates a gap marker
func NewGapEvent(reason string, dropped int) *ChangeEvent {
	return &ChangeEvent{
		Kind:       KindGap,
		GapReason:  reason,
		Dropped:    dropped,
		ObservedAt: time.Now(),
	}
}

// NewTerminalEvent creates the final marker handed to every subscriber when the feed fails
func NewTerminalEvent(err error) *ChangeEvent {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ChangeEvent{
		Kind:       KindTerminal,
		Err:        msg,
		ObservedAt: time.Now(),
	}
}

// IsControl reports whether the event is a Gap or Terminal marker
func (e *ChangeEvent) IsControl() bool {
	return e.Kind != KindRecord
}

// Key identifies a record event across redeliveries
func (e *ChangeEvent) Key() string {
	return e.RecordID + "@" + e.Sequence.Key()
}

// StringifyID renders a document identifier as a string
func StringifyID(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case primitive.ObjectID:
		return v.Hex()
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
