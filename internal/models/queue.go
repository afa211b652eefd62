package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// QueueItem is one durable record of work to replay against the remote store
type QueueItem struct {
	ID            string
	Op            Operation
	EnqueuedAt    time.Time
	Attempts      int
	NextAttemptAt *time.Time
}

// queueItemJSON is the persisted shape. Legacy items carry Type instead of
// Operation and Path.
type queueItemJSON struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation,omitempty"`
	Path          string          `json:"path,omitempty"`
	Type          string          `json:"type,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt *int64          `json:"nextAttemptAt,omitempty"`
}

// Due reports whether the item may be attempted at now.
func (q QueueItem) Due(now time.Time) bool {
	return q.NextAttemptAt == nil || !now.Before(*q.NextAttemptAt)
}

// MarshalJSON implements json.Marshaler.
func (q QueueItem) MarshalJSON() ([]byte, error) {
	out := queueItemJSON{
		ID:        q.ID,
		Timestamp: q.EnqueuedAt.UnixMilli(),
		Attempts:  q.Attempts,
	}
	if q.NextAttemptAt != nil {
		ms := q.NextAttemptAt.UnixMilli()
		out.NextAttemptAt = &ms
	}

	var data any
	switch op := q.Op.(type) {
	case SetOp:
		out.Operation, out.Path, data = OpSet, op.Path, op.Value
	case UpdateOp:
		out.Operation, out.Path, data = OpUpdate, op.Path, op.Fields
	case DeleteOp:
		out.Operation, out.Path = OpDelete, op.Path
	case LegacyReplace:
		out.Type, data = string(op.Collection), op.Data
	case Unrecognized:
		out.Operation, data = op.Name, op.Data
	default:
		return nil, fmt.Errorf("queue item %s: unsupported operation %T", q.ID, q.Op)
	}

	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("queue item %s: failed to marshal data: %w", q.ID, err)
		}
		out.Data = raw
	}

	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler. Items written by older
// producers (type + data, no operation) decode to LegacyReplace.
func (q *QueueItem) UnmarshalJSON(b []byte) error {
	var in queueItemJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	if in.ID == "" {
		return fmt.Errorf("queue item without id")
	}

	var data any
	if len(in.Data) > 0 {
		if err := json.Unmarshal(in.Data, &data); err != nil {
			return fmt.Errorf("queue item %s: failed to parse data: %w", in.ID, err)
		}
	}

	switch {
	case in.Operation == OpSet:
		q.Op = SetOp{Path: in.Path, Value: data}
	case in.Operation == OpUpdate:
		fields, _ := data.(map[string]any)
		q.Op = UpdateOp{Path: in.Path, Fields: fields}
	case in.Operation == OpDelete:
		q.Op = DeleteOp{Path: in.Path}
	case in.Operation != "":
		q.Op = Unrecognized{Name: in.Operation, Data: data}
	case in.Type != "":
		q.Op = LegacyReplace{Collection: Collection(in.Type), Data: data}
	default:
		q.Op = Unrecognized{Data: data}
	}

	q.ID = in.ID
	q.EnqueuedAt = time.UnixMilli(in.Timestamp)
	q.Attempts = in.Attempts
	if q.Attempts < 0 {
		q.Attempts = 0
	}
	q.NextAttemptAt = nil
	if in.NextAttemptAt != nil {
		t := time.UnixMilli(*in.NextAttemptAt)
		q.NextAttemptAt = &t
	}
	return nil
}
