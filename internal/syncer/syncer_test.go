package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/retry"
)

type call struct {
	method string
	path   string
	value  any
}

type recordingRemote struct {
	calls []call
	err   error
}

func (r *recordingRemote) Set(_ context.Context, path string, value any) error {
	r.calls = append(r.calls, call{"set", path, value})
	return r.err
}

func (r *recordingRemote) Update(_ context.Context, path string, fields map[string]any) error {
	r.calls = append(r.calls, call{"update", path, fields})
	return r.err
}

func (r *recordingRemote) Delete(_ context.Context, path string) error {
	r.calls = append(r.calls, call{"delete", path, nil})
	return r.err
}

func TestRepairLegacySiteEntry(t *testing.T) {
	tests := []struct {
		name  string
		entry any
		want  string
		ok    bool
	}{
		{"plain string", "Site A", "Site A", true},
		{"char map", map[string]any{"0": "S", "1": "i", "2": "t", "3": "e", "4": " ", "5": "B", "_lastModified": float64(123)}, "Site B", true},
		{"numeric order not lexical", map[string]any{"10": "k", "2": "c", "0": "a", "1": "b", "3": "d", "4": "e", "5": "f", "6": "g", "7": "h", "8": "i", "9": "j"}, "abcdefghijk", true},
		{"only marker", map[string]any{"_lastModified": float64(1)}, "", false},
		{"number", float64(42), "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := RepairLegacySiteEntry(tt.entry)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSanitizeSites_RepairsCorruptedPayload(t *testing.T) {
	payload := []any{
		"Site A",
		map[string]any{"0": "S", "1": "i", "2": "t", "3": "e", "4": " ", "5": "B", "_lastModified": float64(123)},
		"",
		"undefined",
	}

	assert.Equal(t, []string{"Site A", "Site B"}, SanitizeSites(payload))
}

func TestSanitizeSites_DedupesAfterRepair(t *testing.T) {
	payload := []any{
		"Depot",
		map[string]any{"0": "D", "1": "e", "2": "p", "3": "o", "4": "t"},
		"null",
		"Yard",
		"Depot",
	}

	assert.Equal(t, []string{"Depot", "Yard"}, SanitizeSites(payload))
}

func TestSanitizeSites_CollapsesNonArrays(t *testing.T) {
	assert.Equal(t, []string{}, SanitizeSites(nil))
	assert.Equal(t, []string{"Solo"}, SanitizeSites("Solo"))
	assert.Equal(t, []string{"first", "second", "third"}, SanitizeSites(map[string]any{
		"2":             "third",
		"0":             "first",
		"1":             "second",
		"_lastModified": float64(99),
	}))
}

func TestExecutor_GranularDispatch(t *testing.T) {
	remote := &recordingRemote{}
	ex := NewExecutor(remote, time.Second)
	ctx := context.Background()

	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "1", Op: models.SetOp{Path: "forms/f1", Value: map[string]any{"a": 1}}}))
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "2", Op: models.UpdateOp{Path: "forms/f1", Fields: map[string]any{"b": 2}}}))
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "3", Op: models.DeleteOp{Path: "forms/f1"}}))

	assert.Equal(t, []call{
		{"set", "forms/f1", map[string]any{"a": 1}},
		{"update", "forms/f1", map[string]any{"b": 2}},
		{"delete", "forms/f1", nil},
	}, remote.calls)
}

func TestExecutor_LegacyCollections(t *testing.T) {
	remote := &recordingRemote{}
	ex := NewExecutor(remote, 0)
	ctx := context.Background()

	forms := []any{map[string]any{"id": "f1"}}
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "1", Op: models.LegacyReplace{Collection: models.CollectionForms, Data: forms}}))
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "2", Op: models.LegacyReplace{Collection: models.CollectionSites, Data: []any{"A", map[string]any{"0": "B"}, "A"}}}))
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "3", Op: models.LegacyReplace{Collection: models.CollectionTraining, Data: []any{"t"}}}))
	require.NoError(t, ex.Execute(ctx, models.QueueItem{ID: "4", Op: models.LegacyReplace{Collection: models.CollectionSignatures, Data: []any{"s"}}}))

	assert.Equal(t, []call{
		{"set", PathForms, forms},
		{"set", PathSites, []string{"A", "B"}},
		{"set", PathTraining, []any{"t"}},
		{"set", PathSignatures, []any{"s"}},
	}, remote.calls)
}

func TestExecutor_UnknownOperationsArePermanent(t *testing.T) {
	remote := &recordingRemote{}
	ex := NewExecutor(remote, 0)
	ctx := context.Background()

	err := ex.Execute(ctx, models.QueueItem{ID: "1", Op: models.LegacyReplace{Collection: "photos"}})
	require.Error(t, err)
	assert.True(t, IsUnknownOperation(err))
	assert.ErrorIs(t, err, retry.ErrPermanent)

	err = ex.Execute(ctx, models.QueueItem{ID: "2", Op: models.Unrecognized{Name: "merge"}})
	assert.True(t, IsUnknownOperation(err))

	err = ex.Execute(ctx, models.QueueItem{ID: "3"})
	assert.True(t, IsUnknownOperation(err))

	assert.Empty(t, remote.calls, "unknown operations must not reach the remote")
}

func TestExecutor_RemoteErrorPassesThrough(t *testing.T) {
	boom := errors.New("permission denied")
	ex := NewExecutor(&recordingRemote{err: boom}, 0)

	err := ex.Execute(context.Background(), models.QueueItem{ID: "1", Op: models.DeleteOp{Path: "x"}})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsUnknownOperation(err))
}
