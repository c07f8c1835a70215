// Package encoding provides the msgpack codec used for records persisted by
// the embedded log backend. All msgpack operations go through this package so
// documents decode the same way everywhere.
//
// Type normalization: decoding into interface{} uses loose interface decoding,
// so every integer comes back as int64 and every float as float64, regardless
// of the compact wire width msgpack picked. Documents therefore round-trip to
// the same JSON they were ingested as.
package encoding

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
