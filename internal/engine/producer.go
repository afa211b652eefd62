package engine

import (
	"fmt"
	"strings"

	"github.com/c.mueller/offline-sync/internal/models"
	"github.com/c.mueller/offline-sync/internal/syncer"
)

// Last-writer annotations added to every granular form write
const (
	FieldLastModified   = "_lastModified"
	FieldLastModifiedBy = "_lastModifiedBy"
)

// SaveForm queues a per-record update of forms/<id>, stamped with the
// write time and this device's id.
func (e *Engine) SaveForm(id string, record map[string]any) (models.QueueItem, error) {
	id = strings.Trim(id, "/ ")
	if id == "" || strings.Contains(id, "/") {
		return models.QueueItem{}, fmt.Errorf("save form: invalid id %q", id)
	}

	fields := make(map[string]any, len(record)+2)
	for k, v := range record {
		fields[k] = v
	}
	fields[FieldLastModified] = e.clock.Now().UnixMilli()
	fields[FieldLastModifiedBy] = e.identity.DeviceID()

	return e.Enqueue(models.UpdateOp{Path: syncer.PathForms + "/" + id, Fields: fields})
}

// DeleteForm queues removal of forms/<id>.
func (e *Engine) DeleteForm(id string) (models.QueueItem, error) {
	id = strings.Trim(id, "/ ")
	if id == "" || strings.Contains(id, "/") {
		return models.QueueItem{}, fmt.Errorf("delete form: invalid id %q", id)
	}
	return e.Enqueue(models.DeleteOp{Path: syncer.PathForms + "/" + id})
}

// SaveSites queues a full replacement of the remote sites list. The list
// is cleaned first and always written with Set, never merged, so removed
// sites cannot linger remotely.
func (e *Engine) SaveSites(sites []string) (models.QueueItem, error) {
	return e.Enqueue(models.SetOp{Path: syncer.PathSites, Value: syncer.SanitizeSites(sites)})
}

// SaveTraining queues a full replacement of the training records.
func (e *Engine) SaveTraining(records []any) (models.QueueItem, error) {
	if records == nil {
		records = []any{}
	}
	return e.Enqueue(models.SetOp{Path: syncer.PathTraining, Value: records})
}
