// Package mongostore is the MongoDB store backend. The change log is a
// MongoDB change stream; cursors are resume tokens whose "_data" string
// orders them. Change streams require a replica set.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/maxpert/firehose/cfg"
	"github.com/maxpert/firehose/store"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Server error codes that mean the resume token can no longer be used
var expiredCodes = []int{
	286, // ChangeStreamHistoryLost
	280, // ChangeStreamFatalError
	136, // CappedPositionLost
}

// Server error codes that retrying will not fix
var fatalCodes = []int{
	13,    // Unauthorized
	18,    // AuthenticationFailed
	73,    // InvalidNamespace
	40573, // Change streams require a replica set
}

func init() {
	store.Register("mongo", func(ctx context.Context, config cfg.StoreConfiguration) (store.Store, error) {
		return Open(ctx, Options{
			URI:            config.URI,
			Database:       config.Database,
			ConnectTimeout: time.Duration(config.ConnectTimeoutMS) * time.Millisecond,
		})
	})
}

// Options configures the MongoDB backend
type Options struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
}

// Store is a MongoDB-backed implementation of store.Store
type Store struct {
	client   *mongo.Client
	database *mongo.Database
}

// Open connects to MongoDB. An unreachable server is logged, not fatal:
// change streams reconnect and writes fail until it comes back.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("mongo uri is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("mongo database is required")
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.ConnectTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	s := &Store{
		client:   client,
		database: client.Database(opts.Database),
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Str("database", opts.Database).Msg("Mongo not reachable yet")
	} else {
		log.Info().Str("database", opts.Database).Msg("Connected to mongo")
	}

	return s, nil
}

// OpenChangeStream watches the collection, resuming after from when set
func (s *Store) OpenChangeStream(ctx context.Context, filter store.Filter, from store.Cursor) (store.ChangeStream, error) {
	if filter.Collection == "" {
		return nil, fmt.Errorf("%w: change stream requires a collection", store.ErrFatal)
	}

	csOpts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if !from.IsZero() {
		if len(from.Raw()) == 0 {
			return nil, fmt.Errorf("%w: cursor %s carries no resume token", store.ErrCursorExpired, from)
		}
		csOpts.SetResumeAfter(bson.Raw(from.Raw()))
	}

	cs, err := s.database.Collection(filter.Collection).Watch(ctx, pipeline(filter), csOpts)
	if err != nil {
		return nil, classify(err)
	}

	return &changeStream{cs: cs, collection: filter.Collection, from: from}, nil
}

// pipeline builds the $match stage for the filter's operations
func pipeline(filter store.Filter) mongo.Pipeline {
	if len(filter.Operations) == 0 {
		return mongo.Pipeline{}
	}

	ops := make(bson.A, 0, len(filter.Operations))
	for _, op := range filter.Operations {
		ops = append(ops, string(op))
	}
	return mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "operationType", Value: bson.D{{Key: "$in", Value: ops}}}}}},
	}
}

// BulkInsert inserts documents in order. On a partial failure the count of
// documents written before the failure is returned with the error.
func (s *Store) BulkInsert(ctx context.Context, collection string, docs []store.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}

	batch := make([]interface{}, len(docs))
	for i, doc := range docs {
		batch[i] = map[string]interface{}(doc)
	}

	res, err := s.database.Collection(collection).InsertMany(ctx, batch, options.InsertMany().SetOrdered(true))
	if err != nil {
		var bwe mongo.BulkWriteException
		if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
			// Ordered inserts stop at the first failing index
			return bwe.WriteErrors[0].Index, fmt.Errorf("bulk insert failed: %w", classify(err))
		}
		return 0, fmt.Errorf("bulk insert failed: %w", classify(err))
	}

	return len(res.InsertedIDs), nil
}

// Query returns documents ordered by _id. ObjectIDs embed their creation
// time, so this is insertion order for generated identifiers.
func (s *Store) Query(ctx context.Context, collection string, skip, limit int) ([]store.Document, error) {
	if skip < 0 || limit < 0 {
		return nil, fmt.Errorf("skip and limit must be non-negative")
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: store.IDField, Value: 1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))

	cur, err := s.database.Collection(collection).Find(ctx, bson.D{}, findOpts)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", classify(err))
	}
	defer cur.Close(ctx)

	var rows []bson.M
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("failed to read query results: %w", err)
	}

	docs := make([]store.Document, len(rows))
	for i, row := range rows {
		docs[i] = store.Document(row)
	}
	return docs, nil
}

// Ping checks that a primary is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// changeEvent is the subset of a change stream document firehose reads
type changeEvent struct {
	OperationType string                 `bson:"operationType"`
	FullDocument  map[string]interface{} `bson:"fullDocument"`
	DocumentKey   map[string]interface{} `bson:"documentKey"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
	ClusterTime primitive.Timestamp `bson:"clusterTime"`
	WallTime    time.Time           `bson:"wallTime"`
}

// changeStream adapts a mongo change stream to store.ChangeStream
type changeStream struct {
	cs         *mongo.ChangeStream
	collection string
	from       store.Cursor // Opening position, used until the server reports a token
	current    store.Entry
	err        error
}

func (c *changeStream) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}

	if !c.cs.Next(ctx) {
		c.err = classify(c.cs.Err())
		return false
	}

	var ev changeEvent
	if err := c.cs.Decode(&ev); err != nil {
		c.err = fmt.Errorf("failed to decode change event: %w", err)
		return false
	}

	entry, err := toEntry(ev, c.cs.ResumeToken())
	if err != nil {
		c.err = err
		return false
	}
	if entry.Collection == "" {
		entry.Collection = c.collection
	}

	c.current = entry
	return true
}

func (c *changeStream) Entry() store.Entry {
	return c.current
}

// Position returns the latest resume token, which the driver advances to
// the post-batch token after the initial aggregate and every getMore
func (c *changeStream) Position() store.Cursor {
	if cursor, err := cursorFromToken(c.cs.ResumeToken()); err == nil {
		return cursor
	}
	return c.from
}

func (c *changeStream) Err() error {
	return c.err
}

func (c *changeStream) Close(ctx context.Context) error {
	return c.cs.Close(ctx)
}

// toEntry converts a decoded change event and its resume token
func toEntry(ev changeEvent, token bson.Raw) (store.Entry, error) {
	cursor, err := cursorFromToken(token)
	if err != nil {
		return store.Entry{}, err
	}

	doc := ev.FullDocument
	if doc == nil {
		doc = ev.DocumentKey
	}

	commit := ev.WallTime
	if commit.IsZero() && ev.ClusterTime.T > 0 {
		commit = time.Unix(int64(ev.ClusterTime.T), 0)
	}

	return store.Entry{
		Cursor:     cursor,
		Operation:  store.Operation(ev.OperationType),
		Collection: ev.NS.Coll,
		Document:   store.Document(doc),
		CommitTime: commit,
	}, nil
}

// cursorFromToken keeps the raw token for resumeAfter and its "_data" string for ordering
func cursorFromToken(token bson.Raw) (store.Cursor, error) {
	if len(token) == 0 {
		return store.Cursor{}, fmt.Errorf("change event has no resume token")
	}

	key := ""
	if data, err := token.LookupErr("_data"); err == nil {
		key, _ = data.StringValueOK()
	}

	raw := make([]byte, len(token))
	copy(raw, token)
	return store.NewCursor(key, raw), nil
}

// classify maps driver errors onto store.ErrCursorExpired and store.ErrFatal.
// Anything else is returned unchanged and treated as transient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, mongo.ErrClientDisconnected) {
		return fmt.Errorf("%w: %v", store.ErrFatal, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		for _, code := range expiredCodes {
			if se.HasErrorCode(code) {
				return fmt.Errorf("%w: %v", store.ErrCursorExpired, err)
			}
		}
		for _, code := range fatalCodes {
			if se.HasErrorCode(code) {
				return fmt.Errorf("%w: %v", store.ErrFatal, err)
			}
		}
	}

	return err
}
