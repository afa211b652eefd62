// Package syncer executes a single queued operation against the remote
// store. It performs no retries; failures are returned to the caller.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/retry"
)

// Remote collection paths written by legacy whole-collection items
const (
	PathForms      = "forms"
	PathSites      = "sites"
	PathTraining   = "trainingRecords"
	PathSignatures = "signatures"
)

// ErrUnknownOperation is returned for items whose operation or legacy type
// this build cannot execute. It wraps retry.ErrPermanent, so such items are
// dead-lettered on first failure.
var ErrUnknownOperation = fmt.Errorf("unknown sync type: %w", retry.ErrPermanent)

// Remote is the path-addressed remote store.
type Remote interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Executor performs one queue item against a Remote.
type Executor struct {
	remote  Remote
	timeout time.Duration
}

// NewExecutor creates an executor. A positive timeout bounds each remote
// call.
func NewExecutor(remote Remote, timeout time.Duration) *Executor {
	return &Executor{remote: remote, timeout: timeout}
}

// Execute runs item's operation. A nil return means the write is durable on
// the remote.
func (e *Executor) Execute(ctx context.Context, item models.QueueItem) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	switch op := item.Op.(type) {
	case models.SetOp:
		return e.remote.Set(ctx, op.Path, op.Value)
	case models.UpdateOp:
		return e.remote.Update(ctx, op.Path, op.Fields)
	case models.DeleteOp:
		return e.remote.Delete(ctx, op.Path)
	case models.LegacyReplace:
		return e.replaceCollection(ctx, op)
	case models.Unrecognized:
		return fmt.Errorf("operation %q: %w", op.Name, ErrUnknownOperation)
	case nil:
		return fmt.Errorf("item %s has no operation: %w", item.ID, ErrUnknownOperation)
	default:
		return fmt.Errorf("operation %T: %w", op, ErrUnknownOperation)
	}
}

func (e *Executor) replaceCollection(ctx context.Context, op models.LegacyReplace) error {
	switch op.Collection {
	case models.CollectionForms:
		return e.remote.Set(ctx, PathForms, op.Data)
	case models.CollectionSites:
		// Always a full replace, never a merge.
		return e.remote.Set(ctx, PathSites, SanitizeSites(op.Data))
	case models.CollectionTraining:
		return e.remote.Set(ctx, PathTraining, op.Data)
	case models.CollectionSignatures:
		return e.remote.Set(ctx, PathSignatures, op.Data)
	}
	return fmt.Errorf("collection %q: %w", op.Collection, ErrUnknownOperation)
}

// IsUnknownOperation reports whether err came from an unexecutable item.
func IsUnknownOperation(err error) bool {
	return errors.Is(err, ErrUnknownOperation)
}
