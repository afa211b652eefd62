package models

import (
	"fmt"
	"strings"
	"time"
)

// EnqueueInput is the body of a device enqueue request. Either Operation
// (granular) or Type (legacy whole-collection) must be set.
type EnqueueInput struct {
	Operation string         `json:"operation,omitempty" enum:"set,update,delete" doc:"Granular operation"`
	Path      string         `json:"path,omitempty" doc:"Remote path for granular operations"`
	Type      string         `json:"type,omitempty" enum:"forms,sites,training,signatures" doc:"Legacy collection replaced as a whole"`
	Data      any            `json:"data,omitempty" doc:"Value for set and legacy writes"`
	Fields    map[string]any `json:"fields,omitempty" doc:"Fields merged by update"`
}

// ToOperation builds the queue operation described by the input.
func (in EnqueueInput) ToOperation() (Operation, error) {
	if in.Operation != "" && in.Type != "" {
		return nil, fmt.Errorf("operation and type are mutually exclusive")
	}

	if in.Type != "" {
		c := Collection(in.Type)
		if !KnownCollection(c) {
			return nil, fmt.Errorf("unknown collection %q", in.Type)
		}
		return LegacyReplace{Collection: c, Data: in.Data}, nil
	}

	path := strings.Trim(in.Path, "/ ")
	if path == "" {
		return nil, fmt.Errorf("path is required for %q", in.Operation)
	}

	switch in.Operation {
	case OpSet:
		return SetOp{Path: path, Value: in.Data}, nil
	case OpUpdate:
		if len(in.Fields) == 0 {
			return nil, fmt.Errorf("update requires at least one field")
		}
		return UpdateOp{Path: path, Fields: in.Fields}, nil
	case OpDelete:
		return DeleteOp{Path: path}, nil
	case "":
		return nil, fmt.Errorf("either operation or type is required")
	default:
		return nil, fmt.Errorf("unknown operation %q", in.Operation)
	}
}

// QueueItemView is the API representation of a pending item.
type QueueItemView struct {
	ID            string     `json:"id" doc:"Item id"`
	Operation     string     `json:"operation" doc:"Operation label"`
	EnqueuedAt    time.Time  `json:"enqueued_at" doc:"When the item was queued"`
	Attempts      int        `json:"attempts" doc:"Failed attempts so far"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" doc:"Earliest time of the next attempt"`
}

// NewQueueItemView converts a queue item for display.
func NewQueueItemView(item QueueItem) QueueItemView {
	return QueueItemView{
		ID:            item.ID,
		Operation:     item.Op.Label(),
		EnqueuedAt:    item.EnqueuedAt,
		Attempts:      item.Attempts,
		NextAttemptAt: item.NextAttemptAt,
	}
}

// ClusterMemberInfo represents information about a cluster member
type ClusterMemberInfo struct {
	Name   string `json:"name"`
	Addr   string `json:"addr"`
	Status string `json:"status"`
	Role   string `json:"role,omitempty"`
	HTTP   string `json:"http,omitempty"`
}
