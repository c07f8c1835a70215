// Package ingest turns uploaded CSV into store documents and appends them
// in batches.
package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/maxpert/firehose/store"
	"github.com/maxpert/firehose/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrEmptyUpload means the upload had no header row
	ErrEmptyUpload = errors.New("csv upload is empty")
	// ErrMalformedCSV wraps parse failures so callers can answer 400
	ErrMalformedCSV = errors.New("malformed csv")
)

// Cells parsed as null
var nullTokens = map[string]bool{
	"":     true,
	"NA":   true,
	"N/A":  true,
	"NaN":  true,
	"nan":  true,
	"null": true,
	"NULL": true,
}

// Inserter is the part of store.Store the loader writes through
type Inserter interface {
	BulkInsert(ctx context.Context, collection string, docs []store.Document) (int, error)
}

// Loader parses CSV uploads into documents
type Loader struct {
	inserter   Inserter
	collection string
	batchSize  int
}

// NewLoader creates a loader writing into collection
func NewLoader(inserter Inserter, collection string, batchSize int) (*Loader, error) {
	if inserter == nil {
		return nil, fmt.Errorf("inserter is required")
	}
	if collection == "" {
		return nil, fmt.Errorf("collection is required")
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be >= 1")
	}

	return &Loader{
		inserter:   inserter,
		collection: collection,
		batchSize:  batchSize,
	}, nil
}

// Load reads CSV (optionally gzip compressed) from r and inserts one
// document per row. It returns the number of documents inserted, which is
// non-zero on a partial failure.
func (l *Loader) Load(ctx context.Context, r io.Reader) (int, error) {
	src, err := decompress(r)
	if err != nil {
		return 0, err
	}

	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return 0, ErrEmptyUpload
	}
	if err != nil {
		return 0, readError(err)
	}
	columns := normalizeHeader(header)

	inserted := 0
	batch := make([]store.Document, 0, l.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := l.inserter.BulkInsert(ctx, l.collection, batch)
		inserted += n
		telemetry.IngestRowsTotal.Add(float64(n))
		if err != nil {
			return err
		}
		log.Debug().Int("rows", n).Str("collection", l.collection).Msg("Inserted CSV batch")
		batch = make([]store.Document, 0, l.batchSize)
		return nil
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return inserted, readError(err)
		}

		if len(record) > len(columns) {
			line, _ := reader.FieldPos(0)
			return inserted, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrMalformedCSV, line, len(record), len(columns))
		}

		doc := make(store.Document, len(columns))
		for i, col := range columns {
			if i < len(record) {
				doc[col] = InferValue(record[i])
			} else {
				doc[col] = nil
			}
		}
		batch = append(batch, doc)

		if len(batch) >= l.batchSize {
			if err := flush(); err != nil {
				return inserted, err
			}
		}
	}

	if err := flush(); err != nil {
		return inserted, err
	}

	return inserted, nil
}

// readError marks parse failures as malformed input and passes I/O
// failures through unchanged
func readError(err error) error {
	var parseErr *csv.ParseError
	if errors.As(err, &parseErr) || errors.Is(err, gzip.ErrChecksum) || errors.Is(err, gzip.ErrHeader) {
		return fmt.Errorf("%w: %v", ErrMalformedCSV, err)
	}
	return err
}

// decompress transparently unwraps gzip input by sniffing its magic bytes
func decompress(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, err
	}

	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedCSV, err)
		}
		return gz, nil
	}

	return br, nil
}

// normalizeHeader trims names, names blank columns by position and
// suffixes duplicates with ".N"
func normalizeHeader(header []string) []string {
	columns := make([]string, len(header))
	seen := make(map[string]int, len(header))

	for i, name := range header {
		name = strings.TrimSpace(name)
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		if name == "" {
			name = "column_" + strconv.Itoa(i)
		}

		if n, dup := seen[name]; dup {
			seen[name] = n + 1
			name = name + "." + strconv.Itoa(n+1)
		} else {
			seen[name] = 0
		}
		columns[i] = name
	}

	return columns
}

// InferValue converts a CSV cell to nil, int64, float64, bool or string,
// trying each in that order
func InferValue(cell string) interface{} {
	trimmed := strings.TrimSpace(cell)
	if nullTokens[trimmed] {
		return nil
	}

	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}

	if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
		// NaN and infinities do not survive JSON encoding
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return cell
		}
		return f
	}

	switch trimmed {
	case "true", "True", "TRUE":
		return true
	case "false", "False", "FALSE":
		return false
	}

	return cell
}
