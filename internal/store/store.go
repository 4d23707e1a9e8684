// Package store provides storage backends for the relay hub.
//
// It persists service instances, per-instance native message stores (as a
// tagged-column table keyed by instance and direction), canonical messages,
// user subscriptions, the outgoing delivery queue, and the append-only audit
// log. SQLite and PostgreSQL backends share one schema; an in-memory store
// backs unit tests and ad-hoc runs.
package store

import (
	"strings"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
)

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets a SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL-style DSNs and "sqlite"
// for anything else (treated as a file path).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// Store is the persistence contract shared by all backends.
type Store interface {
	// Service instances.
	SaveServiceInstance(inst models.ServiceInstance) error
	GetServiceInstance(id string) (*models.ServiceInstance, error)
	ListServiceInstances() ([]models.ServiceInstance, error)
	DeleteServiceInstance(id string) error

	// Native stores. Each (instance, direction) pair owns one logical store
	// whose shape is the schema row written at provision time.
	ProvisionNativeStore(instanceID string, direction models.Direction, specs []models.FieldSpec) (dropped int, err error)
	TeardownNativeStore(instanceID string, direction models.Direction) error
	NativeSchema(instanceID string, direction models.Direction) ([]models.FieldSpec, bool, error)
	AddNativeMessage(rec models.NativeMessageRecord) (string, error)
	NewNativeMessages(instanceID string, maxAttempts int) ([]models.NativeMessageRecord, error)
	MarkNativeProcessed(id string) error
	BumpNativeAttempts(id string) (int, error)
	NativeMessageCounts(instanceID string, direction models.Direction) (total, pending int, err error)

	// Canonical messages. The dedup key is (sourceServiceID, sourceNativeID);
	// AddCanonicalMessage returns models.ErrDuplicateMessage on a second
	// insert with the same key.
	AddCanonicalMessage(msg models.CanonicalMessage) error
	CanonicalMessageExists(sourceServiceID, sourceNativeID string) (bool, error)
	GetCanonicalMessage(id string) (*models.CanonicalMessage, error)
	UndistributedCanonicalMessages(limit int) ([]models.CanonicalMessage, error)
	MarkCanonicalDistributed(id string) error
	ListCanonicalMessages(limit int) ([]models.CanonicalMessage, error)

	// Subscriptions, unique per (userID, serviceInstanceID).
	SaveSubscription(sub models.UserSubscription) error
	GetSubscription(userID, serviceInstanceID string) (*models.UserSubscription, error)
	ActiveSubscriptionsBySource(sourceServiceID string) ([]models.UserSubscription, error)
	DeactivateSubscription(userID, serviceInstanceID string) error

	// Outgoing queue. Status transitions are guarded in SQL so they can only
	// advance; a guard miss returns models.ErrStatusConflict.
	EnqueueOutgoing(e models.OutgoingQueueEntry) (string, error)
	GetQueueEntry(id string) (*models.OutgoingQueueEntry, error)
	QueuedEntries(limit int) ([]models.OutgoingQueueEntry, error)
	EntriesByStatus(status models.QueueStatus, limit int) ([]models.OutgoingQueueEntry, error)
	EntriesForMessage(canonicalMessageID string) ([]models.OutgoingQueueEntry, error)
	MarkEntryProcessing(id string) error
	MarkEntrySent(id, nativeOutgoingID string) error
	MarkEntryFailed(id, errMsg string) error
	FailStaleProcessingEntries(staleBefore time.Time, reason string) (int, error)
	DeleteEntriesForInstance(instanceID string) (int, error)

	// Audit log, append-only.
	AddAuditEvent(ev models.AuditEvent) error
	AuditEvents(instanceID string, limit int) ([]models.AuditEvent, error)

	Close() error
}
