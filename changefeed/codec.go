package changefeed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/maxpert/firehose/store"
)

// Wire message types for control markers. Record messages use the operation name.
const (
	wireTypeGap      = "gap"
	wireTypeTerminal = "terminal"
)

type recordMessage struct {
	Type       string                 `json:"type"`
	Seq        string                 `json:"seq"`
	ID         string                 `json:"id"`
	ObservedAt time.Time              `json:"observed_at"`
	Record     map[string]interface{} `json:"record"`
}

type gapMessage struct {
	Type    string `json:"type"`
	Reason  string `json:"reason"`
	Dropped int    `json:"dropped"`
}

type terminalMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Encode returns the JSON wire form of the event. The result is computed once
// and shared by every subscriber receiving the same event.
func (e *ChangeEvent) Encode() ([]byte, error) {
	e.encodeOnce.Do(func() {
		e.encoded, e.encodeErr = encode(e)
	})
	return e.encoded, e.encodeErr
}

func encode(e *ChangeEvent) ([]byte, error) {
	switch e.Kind {
	case KindRecord:
		record := make(map[string]interface{}, len(e.Record))
		for k, v := range e.Record {
			record[k] = v
		}
		// Identifiers go out as plain strings regardless of backend type
		if _, ok := record[store.IDField]; ok {
			record[store.IDField] = e.RecordID
		}
		return json.Marshal(recordMessage{
			Type:       string(e.Operation),
			Seq:        e.Sequence.Key(),
			ID:         e.RecordID,
			ObservedAt: e.ObservedAt.UTC(),
			Record:     record,
		})
	case KindGap:
		return json.Marshal(gapMessage{Type: wireTypeGap, Reason: e.GapReason, Dropped: e.Dropped})
	case KindTerminal:
		return json.Marshal(terminalMessage{Type: wireTypeTerminal, Error: e.Err})
	default:
		return nil, fmt.Errorf("cannot encode event of kind %s", e.Kind)
	}
}

// Decode parses a wire message produced by Encode
func Decode(data []byte) (*ChangeEvent, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode event: %w", err)
	}

	switch head.Type {
	case "":
		return nil, fmt.Errorf("event type missing")
	case wireTypeGap:
		var msg gapMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode gap: %w", err)
		}
		return &ChangeEvent{Kind: KindGap, GapReason: msg.Reason, Dropped: msg.Dropped}, nil
	case wireTypeTerminal:
		var msg terminalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode terminal: %w", err)
		}
		return &ChangeEvent{Kind: KindTerminal, Err: msg.Error}, nil
	default:
		var msg recordMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		return &ChangeEvent{
			Kind:       KindRecord,
			Sequence:   store.NewCursor(msg.Seq, nil),
			Operation:  store.Operation(msg.Type),
			RecordID:   msg.ID,
			Record:     store.Document(msg.Record),
			ObservedAt: msg.ObservedAt,
		}, nil
	}
}
