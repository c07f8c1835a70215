// Package store defines the contract between firehose and the record store.
//
// A store is a black box that persists documents and exposes an ordered,
// append-only change log readable from a resumable Cursor. Backends register
// a Factory by name (see Register) and are opened with Open.
//
// # Cursors
//
// A Cursor is opaque outside the backend that produced it. Its order key is
// comparable (lexicographically) only for ordering and "already seen" checks.
// The zero Cursor means "now": a stream opened from it observes only entries
// appended after the stream was opened.
//
// # Errors
//
// Backends classify failures by wrapping ErrCursorExpired or ErrFatal.
// Anything else returned by OpenChangeStream or ChangeStream.Err is treated
// as transient by consumers.
package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrCursorExpired means the store can no longer resume from the given cursor
	ErrCursorExpired = errors.New("change stream cursor expired")
	// ErrFatal marks non-retryable failures such as revoked credentials
	ErrFatal = errors.New("fatal store error")
)

// Operation is a change log operation type
type Operation string

const (
	OpInsert  Operation = "insert"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpDelete  Operation = "delete"
)

// Document is a schemaless record. Backends store the unique identifier under IDField.
type Document map[string]interface{}

// IDField is the document key holding the record identifier
const IDField = "_id"

// Cursor marks a position in a change log
type Cursor struct {
	key string
	raw []byte
}

// NewCursor creates a cursor from an ordered key and optional backend token bytes
func NewCursor(key string, raw []byte) Cursor {
	return Cursor{key: key, raw: raw}
}

// Key returns the order key
func (c Cursor) Key() string { return c.key }

// Raw returns the backend token, if any
func (c Cursor) Raw() []byte { return c.raw }

// IsZero reports whether the cursor means "now"
func (c Cursor) IsZero() bool { return c.key == "" && len(c.raw) == 0 }

// Compare orders two cursors by key. The zero cursor sorts first.
func (c Cursor) Compare(other Cursor) int {
	return strings.Compare(c.key, other.key)
}

// Before reports whether c is strictly before other
func (c Cursor) Before(other Cursor) bool {
	return c.Compare(other) < 0
}

func (c Cursor) String() string {
	if c.IsZero() {
		return "now"
	}
	return c.key
}

// Entry is one raw change log entry
type Entry struct {
	Cursor     Cursor
	Operation  Operation
	Collection string
	Document   Document
	CommitTime time.Time // Zero when the backend does not report it
}

// Filter selects change log entries
type Filter struct {
	Collection string
	Operations []Operation // Empty matches every operation
}

// Match reports whether an entry passes the filter
func (f Filter) Match(e Entry) bool {
	if f.Collection != "" && e.Collection != f.Collection {
		return false
	}
	if len(f.Operations) == 0 {
		return true
	}
	for _, op := range f.Operations {
		if op == e.Operation {
			return true
		}
	}
	return false
}

// ChangeStream is a live read over the change log. It follows the iteration
// shape of a database cursor: call Next until it returns false, then Err.
type ChangeStream interface {
	// Next blocks until an entry is available, the context ends or the stream fails
	Next(ctx context.Context) bool
	// Entry returns the entry read by the last successful Next
	Entry() Entry
	// Position returns the cursor the stream can be resumed after: the last
	// entry it read or skipped, or the log position it opened at. It is known
	// right after open, so reopening from it loses nothing appended since.
	// The zero cursor means the backend cannot report one yet.
	Position() Cursor
	// Err returns the error that ended the stream, nil if the store ended it cleanly
	Err() error
	// Close releases the stream
	Close(ctx context.Context) error
}

// Store is the storage collaborator
type Store interface {
	// OpenChangeStream starts a live read after from (or at "now" for the zero cursor)
	OpenChangeStream(ctx context.Context, filter Filter, from Cursor) (ChangeStream, error)
	// BulkInsert appends documents in order and returns how many were inserted
	BulkInsert(ctx context.Context, collection string, docs []Document) (int, error)
	// Query returns documents in insertion order
	Query(ctx context.Context, collection string, skip, limit int) ([]Document, error)
	// Ping checks store connectivity
	Ping(ctx context.Context) error
	// Close releases all resources
	Close(ctx context.Context) error
}
