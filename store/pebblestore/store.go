// Package pebblestore is an embedded store backend built on Pebble.
//
// Every collection is an append-only log of msgpack-encoded records keyed by a
// monotonically increasing sequence number:
//
//	/log/{collection}/{seq:016x} -> msgpack(record)
//	/seq/{collection}            -> uint64 (last assigned sequence)
//
// The hex sequence is also the cursor order key, so cursors compare in log
// order. Only the newest RetainEntries records of each collection are kept;
// a change stream resuming from a compacted position fails with
// store.ErrCursorExpired.
package pebblestore

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/encoding"
	"github.com/maxpert/firehose/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Key prefixes for Pebble storage
const (
	prefixLog = "/log/" // /log/{collection}/{16-digit-zero-padded-seq}
	prefixSeq = "/seq/" // /seq/{collection} -> uint64
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// DefaultRetainEntries is used when Options.RetainEntries is zero
const DefaultRetainEntries = 100000

func init() {
	store.Register("pebble", func(ctx context.Context, config cfg.StoreConfiguration) (store.Store, error) {
		return Open(config.DataDir, Options{RetainEntries: config.RetainEntries})
	})
}

// Options configures the embedded store
type Options struct {
	RetainEntries uint64 // Records kept per collection
}

// record is the persisted form of a document
type record struct {
	Seq uint64                 `msgpack:"seq"`
	TS  int64                  `msgpack:"ts"` // Commit time (unix ms)
	Doc map[string]interface{} `msgpack:"doc"`
}

// collectionLog tracks the live bounds of one collection's log
type collectionLog struct {
	name  string
	first atomic.Uint64 // Earliest retained sequence, 0 while empty
	last  atomic.Uint64 // Last assigned sequence

	wakeMu sync.Mutex
	wake   chan struct{}
}

func newCollectionLog(name string) *collectionLog {
	return &collectionLog{name: name, wake: make(chan struct{})}
}

// waitCh returns a channel closed by the next append
func (c *collectionLog) waitCh() <-chan struct{} {
	c.wakeMu.Lock()
	defer c.wakeMu.Unlock()
	return c.wake
}

// notify wakes every stream tailing this collection
func (c *collectionLog) notify() {
	c.wakeMu.Lock()
	close(c.wake)
	c.wake = make(chan struct{})
	c.wakeMu.Unlock()
}

// Store is a Pebble-backed implementation of store.Store
type Store struct {
	db     *pebble.DB
	path   string
	retain uint64

	logs     *xsync.MapOf[string, *collectionLog]
	appendMu sync.Mutex   // Serializes sequence assignment and commit
	readMu   sync.RWMutex // Held shared by readers, exclusively by Close

	closed   atomic.Bool
	closedCh chan struct{}
}

// Open creates or opens an embedded store under dataDir
func Open(dataDir string, opts Options) (*Store, error) {
	path := filepath.Join(dataDir, "records")

	pebbleOpts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
	}

	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store at %s: %w", path, err)
	}

	retain := opts.RetainEntries
	if retain == 0 {
		retain = DefaultRetainEntries
	}

	s := &Store{
		db:       db,
		path:     path,
		retain:   retain,
		logs:     xsync.NewMapOf[string, *collectionLog](),
		closedCh: make(chan struct{}),
	}

	if err := s.loadCollections(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load collections: %w", err)
	}

	return s, nil
}

// loadCollections restores per-collection bounds from Pebble
func (s *Store) loadCollections() error {
	prefix := []byte(prefixSeq)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	count := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		name := string(iter.Key()[len(prefixSeq):])
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if len(val) != 8 {
			return fmt.Errorf("corrupted sequence for collection %s: invalid length %d", name, len(val))
		}

		cl := newCollectionLog(name)
		cl.last.Store(binary.LittleEndian.Uint64(val))

		first, found, err := s.firstSeq(name)
		if err != nil {
			return err
		}
		if found {
			cl.first.Store(first)
		}

		s.logs.Store(name, cl)
		count++
	}

	if err := iter.Error(); err != nil {
		return err
	}

	if count > 0 {
		log.Info().Int("collections", count).Str("path", s.path).Msg("Loaded record store collections")
	}

	return nil
}

// firstSeq returns the earliest retained sequence of a collection
func (s *Store) firstSeq(collection string) (uint64, bool, error) {
	prefix := []byte(collectionPrefix(collection))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, false, err
	}
	defer iter.Close()

	if !iter.First() {
		return 0, false, iter.Error()
	}

	seq, err := parseSeq(string(iter.Key()[len(prefix):]))
	if err != nil {
		return 0, false, err
	}
	return seq, true, nil
}

func (s *Store) collection(name string) *collectionLog {
	cl, _ := s.logs.LoadOrCompute(name, func() *collectionLog {
		return newCollectionLog(name)
	})
	return cl
}

// BulkInsert appends documents to the collection log in order.
// Documents without an identifier get a fresh ObjectID hex string.
func (s *Store) BulkInsert(ctx context.Context, collection string, docs []store.Document) (int, error) {
	if err := validateCollection(collection); err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if s.closed.Load() {
		return 0, fmt.Errorf("%w: record store is closed", store.ErrFatal)
	}

	cl := s.collection(collection)
	startSeq := cl.last.Load()
	seq := startSeq
	now := time.Now().UnixMilli()

	batch := s.db.NewBatch()
	defer batch.Close()

	for _, doc := range docs {
		seq++

		stored := make(map[string]interface{}, len(doc)+1)
		for k, v := range doc {
			stored[k] = v
		}
		if _, ok := stored[store.IDField]; !ok {
			stored[store.IDField] = primitive.NewObjectID().Hex()
		}

		val, err := encoding.Marshal(&record{Seq: seq, TS: now, Doc: stored})
		if err != nil {
			return 0, fmt.Errorf("failed to marshal record: %w", err)
		}

		if err := batch.Set([]byte(logKey(collection, seq)), val, nil); err != nil {
			return 0, fmt.Errorf("failed to write record: %w", err)
		}
	}

	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)
	if err := batch.Set([]byte(prefixSeq+collection), seqBuf, nil); err != nil {
		return 0, fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit batch: %w", err)
	}

	// Only publish new bounds after a successful commit
	cl.last.Store(seq)
	cl.first.CompareAndSwap(0, startSeq+1)
	cl.notify()

	if seq-cl.first.Load()+1 > s.retain {
		s.compact(cl)
	}

	return len(docs), nil
}

// compact drops records that fall outside the retention window.
// Called with appendMu held.
func (s *Store) compact(cl *collectionLog) {
	last := cl.last.Load()
	if last < s.retain {
		return
	}
	newFirst := last - s.retain + 1
	oldFirst := cl.first.Load()
	if newFirst <= oldFirst {
		return
	}

	start := []byte(logKey(cl.name, oldFirst))
	end := []byte(logKey(cl.name, newFirst))
	if err := s.db.DeleteRange(start, end, pebble.Sync); err != nil {
		log.Warn().Err(err).Str("collection", cl.name).Msg("Failed to compact record log")
		return
	}

	cl.first.Store(newFirst)
	log.Debug().
		Str("collection", cl.name).
		Uint64("first_seq", newFirst).
		Msg("Compacted record log")
}

// Query returns documents in insertion order
func (s *Store) Query(ctx context.Context, collection string, skip, limit int) ([]store.Document, error) {
	if err := validateCollection(collection); err != nil {
		return nil, err
	}
	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("skip and limit must be non-negative")
	}

	s.readMu.RLock()
	defer s.readMu.RUnlock()

	if s.closed.Load() {
		return nil, fmt.Errorf("%w: record store is closed", store.ErrFatal)
	}

	prefix := []byte(collectionPrefix(collection))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	docs := make([]store.Document, 0, limit)
	skipped := 0
	for iter.First(); iter.Valid() && len(docs) < limit; iter.Next() {
		if skipped < skip {
			skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rec, err := decodeRecord(iter)
		if err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to decode record")
			continue
		}
		docs = append(docs, store.Document(rec.Doc))
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	return docs, nil
}

// OpenChangeStream tails the collection log after from
func (s *Store) OpenChangeStream(ctx context.Context, filter store.Filter, from store.Cursor) (store.ChangeStream, error) {
	if err := validateCollection(filter.Collection); err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrFatal, err)
	}
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: record store is closed", store.ErrFatal)
	}

	cl := s.collection(filter.Collection)
	last := cl.last.Load()

	next := last
	if !from.IsZero() {
		seq, err := parseSeq(from.Key())
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable cursor %q", store.ErrCursorExpired, from.Key())
		}
		if seq > last {
			return nil, fmt.Errorf("%w: cursor %d is ahead of log end %d", store.ErrCursorExpired, seq, last)
		}
		if first := cl.first.Load(); first > 0 && seq+1 < first {
			return nil, fmt.Errorf("%w: cursor %d precedes retained log start %d", store.ErrCursorExpired, seq, first)
		}
		next = seq
	}

	return &changeStream{
		store:  s,
		cl:     cl,
		filter: filter,
		after:  next,
	}, nil
}

// Ping reports whether the store is usable
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return fmt.Errorf("record store is closed")
	}
	return nil
}

// Close closes the Pebble database and ends all change streams
func (s *Store) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("record store already closed")
	}
	close(s.closedCh)

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.db.Close()
}

// readAfter reads the first record with sequence greater than after
func (s *Store) readAfter(collection string, after uint64) (record, bool, error) {
	s.readMu.RLock()
	defer s.readMu.RUnlock()

	if s.closed.Load() {
		return record{}, false, fmt.Errorf("%w: record store is closed", store.ErrFatal)
	}

	prefix := []byte(collectionPrefix(collection))
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(logKey(collection, after+1)),
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return record{}, false, err
	}
	defer iter.Close()

	if !iter.First() {
		return record{}, false, iter.Error()
	}

	rec, err := decodeRecord(iter)
	if err != nil {
		return record{}, false, err
	}
	return rec, true, nil
}

func decodeRecord(iter *pebble.Iterator) (record, error) {
	val, err := iter.ValueAndErr()
	if err != nil {
		return record{}, err
	}

	var rec record
	if err := encoding.Unmarshal(val, &rec); err != nil {
		return record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

func validateCollection(name string) error {
	if name == "" {
		return fmt.Errorf("collection name is required")
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("invalid collection name %q", name)
	}
	return nil
}

func collectionPrefix(collection string) string {
	return prefixLog + collection + "/"
}

// logKey formats a sequence number as a 16-digit zero-padded key
func logKey(collection string, seq uint64) string {
	return fmt.Sprintf("%s%016x", collectionPrefix(collection), seq)
}

func formatSeq(seq uint64) string {
	return fmt.Sprintf("%016x", seq)
}

func parseSeq(s string) (uint64, error) {
	if len(s) != 16 {
		return 0, fmt.Errorf("invalid sequence %q", s)
	}
	return strconv.ParseUint(s, 16, 64)
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
