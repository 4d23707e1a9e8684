// Package pipeline implements the relay stages: ingestion, canonicalization,
// distribution, and delivery.
//
// Each stage runs as an independent cycle over shared storage, guarded by
// per-entity lease locks with try-and-skip semantics. A stage cycle is safe
// to rerun at any time; all progress markers are monotonic.
package pipeline

import (
	"log/slog"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/store"
)

// Recorder appends pipeline activity to the audit log and mirrors it to the
// process log. Audit write failures are logged but never fail the operation
// being audited.
type Recorder struct {
	store store.Store
}

// NewRecorder creates an audit recorder over the given store.
func NewRecorder(st store.Store) *Recorder {
	return &Recorder{store: st}
}

// Event records one audit event of the given type.
func (r *Recorder) Event(eventType, instanceID, details string) {
	err := r.store.AddAuditEvent(models.AuditEvent{
		EventType:         eventType,
		ServiceInstanceID: instanceID,
		Details:           details,
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Recorder.Event: failed to record audit event", "eventType", eventType, "instanceID", instanceID, "error", err)
	}
}

// Error records an error-typed audit event.
func (r *Recorder) Error(instanceID, details string) {
	r.Event(models.AuditError, instanceID, details)
}
