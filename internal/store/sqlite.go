// Package store provides storage backends for the relay hub.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/util"
)

// DefaultDirPermissions defines the default permissions for database directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore is the default single-node persistence backend.
type SQLiteStore struct {
	db *sql.DB
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite unique-constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// --- service instances ---

func (s *SQLiteStore) SaveServiceInstance(inst models.ServiceInstance) error {
	configJSON, err := marshalMap(inst.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO service_instances (id, connector, config_json, inbound_enabled, outbound_enabled)
		 VALUES (?, ?, ?, ?, ?)`,
		inst.ID, inst.Connector, nilIfEmpty(configJSON), inst.InboundEnabled, inst.OutboundEnabled,
	)
	if err != nil {
		slog.Error("SQLiteStore.SaveServiceInstance failed", "error", err, "id", inst.ID)
		return fmt.Errorf("save service instance %s failed: %w", inst.ID, err)
	}
	slog.Debug("SQLiteStore.SaveServiceInstance", "id", inst.ID, "connector", inst.Connector)
	return nil
}

func (s *SQLiteStore) GetServiceInstance(id string) (*models.ServiceInstance, error) {
	var inst models.ServiceInstance
	var configJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT id, connector, config_json, inbound_enabled, outbound_enabled FROM service_instances WHERE id = ?`,
		id,
	).Scan(&inst.ID, &inst.Connector, &configJSON, &inst.InboundEnabled, &inst.OutboundEnabled)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service instance %s failed: %w", id, err)
	}
	inst.Config, err = unmarshalMap(configJSON.String)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (s *SQLiteStore) ListServiceInstances() ([]models.ServiceInstance, error) {
	rows, err := s.db.Query(
		`SELECT id, connector, config_json, inbound_enabled, outbound_enabled FROM service_instances ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list service instances failed: %w", err)
	}
	defer rows.Close()

	var instances []models.ServiceInstance
	for rows.Next() {
		var inst models.ServiceInstance
		var configJSON sql.NullString
		if err := rows.Scan(&inst.ID, &inst.Connector, &configJSON, &inst.InboundEnabled, &inst.OutboundEnabled); err != nil {
			return nil, fmt.Errorf("scan service instance failed: %w", err)
		}
		inst.Config, err = unmarshalMap(configJSON.String)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteStore) DeleteServiceInstance(id string) error {
	_, err := s.db.Exec(`DELETE FROM service_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete service instance %s failed: %w", id, err)
	}
	return nil
}

// --- native stores ---

func (s *SQLiteStore) ProvisionNativeStore(instanceID string, direction models.Direction, specs []models.FieldSpec) (int, error) {
	fieldsJSON, err := marshalFieldSpecs(specs)
	if err != nil {
		return 0, err
	}

	// Drop-and-recreate: existing rows for this store are discarded before
	// the new schema applies.
	res, err := s.db.Exec(
		`DELETE FROM native_messages WHERE service_instance_id = ? AND direction = ?`,
		instanceID, direction,
	)
	if err != nil {
		return 0, fmt.Errorf("provision drop failed for %s/%s: %w", instanceID, direction, err)
	}
	dropped, _ := res.RowsAffected()

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO native_schemas (service_instance_id, direction, fields_json, provisioned_at)
		 VALUES (?, ?, ?, ?)`,
		instanceID, direction, fieldsJSON, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("provision schema write failed for %s/%s: %w", instanceID, direction, err)
	}
	slog.Debug("SQLiteStore.ProvisionNativeStore", "instanceID", instanceID, "direction", direction, "dropped", dropped)
	return int(dropped), nil
}

func (s *SQLiteStore) TeardownNativeStore(instanceID string, direction models.Direction) error {
	if _, err := s.db.Exec(
		`DELETE FROM native_messages WHERE service_instance_id = ? AND direction = ?`,
		instanceID, direction,
	); err != nil {
		return fmt.Errorf("teardown rows failed for %s/%s: %w", instanceID, direction, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM native_schemas WHERE service_instance_id = ? AND direction = ?`,
		instanceID, direction,
	); err != nil {
		return fmt.Errorf("teardown schema failed for %s/%s: %w", instanceID, direction, err)
	}
	slog.Debug("SQLiteStore.TeardownNativeStore", "instanceID", instanceID, "direction", direction)
	return nil
}

func (s *SQLiteStore) NativeSchema(instanceID string, direction models.Direction) ([]models.FieldSpec, bool, error) {
	var fieldsJSON string
	err := s.db.QueryRow(
		`SELECT fields_json FROM native_schemas WHERE service_instance_id = ? AND direction = ?`,
		instanceID, direction,
	).Scan(&fieldsJSON)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("native schema lookup failed for %s/%s: %w", instanceID, direction, err)
	}
	specs, err := unmarshalFieldSpecs(fieldsJSON)
	if err != nil {
		return nil, false, err
	}
	return specs, true, nil
}

func (s *SQLiteStore) AddNativeMessage(rec models.NativeMessageRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = util.GenerateNativeRecordID()
	}
	if rec.Status == "" {
		rec.Status = models.NativeStatusNew
	}
	fieldsJSON, err := marshalMap(rec.Fields)
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(
		`INSERT INTO native_messages (id, service_instance_id, direction, native_id, fields_json, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		rec.ID, rec.ServiceInstanceID, rec.Direction, rec.NativeID, fieldsJSON, rec.Status, time.Now(),
	)
	if isUniqueViolation(err) {
		slog.Debug("SQLiteStore.AddNativeMessage: duplicate native id", "instanceID", rec.ServiceInstanceID, "nativeID", rec.NativeID)
		return "", models.ErrDuplicateMessage
	}
	if err != nil {
		return "", fmt.Errorf("add native message failed: %w", err)
	}
	slog.Debug("SQLiteStore.AddNativeMessage", "id", rec.ID, "instanceID", rec.ServiceInstanceID, "nativeID", rec.NativeID)
	return rec.ID, nil
}

func (s *SQLiteStore) NewNativeMessages(instanceID string, maxAttempts int) ([]models.NativeMessageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, service_instance_id, direction, native_id, fields_json, status, attempts, processed_at, created_at
		 FROM native_messages
		 WHERE service_instance_id = ? AND direction = ? AND status = ? AND attempts < ?
		 ORDER BY created_at ASC`,
		instanceID, models.DirectionInbound, models.NativeStatusNew, maxAttempts,
	)
	if err != nil {
		return nil, fmt.Errorf("query new native messages failed: %w", err)
	}
	defer rows.Close()

	var recs []models.NativeMessageRecord
	for rows.Next() {
		rec, err := scanNativeMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan native message failed: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLiteStore) MarkNativeProcessed(id string) error {
	_, err := s.db.Exec(
		`UPDATE native_messages SET status = ?, processed_at = ? WHERE id = ? AND status = ?`,
		models.NativeStatusProcessed, time.Now(), id, models.NativeStatusNew,
	)
	if err != nil {
		return fmt.Errorf("mark native processed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) BumpNativeAttempts(id string) (int, error) {
	_, err := s.db.Exec(`UPDATE native_messages SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("bump native attempts failed: %w", err)
	}
	var attempts int
	if err := s.db.QueryRow(`SELECT attempts FROM native_messages WHERE id = ?`, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("read native attempts failed: %w", err)
	}
	return attempts, nil
}

func (s *SQLiteStore) NativeMessageCounts(instanceID string, direction models.Direction) (int, int, error) {
	var total, pending int
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		 FROM native_messages WHERE service_instance_id = ? AND direction = ?`,
		models.NativeStatusNew, instanceID, direction,
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("native message counts failed: %w", err)
	}
	return total, pending, nil
}

// --- canonical messages ---

func (s *SQLiteStore) AddCanonicalMessage(msg models.CanonicalMessage) error {
	recipientsJSON, err := marshalStrings(msg.Recipients)
	if err != nil {
		return err
	}
	headersJSON, err := marshalMap(msg.Headers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO canonical_messages (id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		msg.ID, msg.SourceServiceID, msg.SourceNativeID,
		nilIfEmpty(msg.Subject), nilIfEmpty(msg.Body), nilIfEmpty(msg.Snippet), nilIfEmpty(msg.Sender),
		nilIfEmpty(recipientsJSON), nilIfEmpty(headersJSON), msg.Date, time.Now(),
	)
	if isUniqueViolation(err) {
		return models.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("add canonical message failed: %w", err)
	}
	slog.Debug("SQLiteStore.AddCanonicalMessage", "id", msg.ID, "sourceServiceID", msg.SourceServiceID)
	return nil
}

func (s *SQLiteStore) CanonicalMessageExists(sourceServiceID, sourceNativeID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM canonical_messages WHERE source_service_id = ? AND source_native_id = ?`,
		sourceServiceID, sourceNativeID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("canonical exists check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) GetCanonicalMessage(id string) (*models.CanonicalMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages WHERE id = ?`,
		id,
	)
	msg, err := scanCanonicalMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get canonical message %s failed: %w", id, err)
	}
	return &msg, nil
}

func (s *SQLiteStore) UndistributedCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages WHERE distributed = 0 ORDER BY created_at ASC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query undistributed messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.CanonicalMessage
	for rows.Next() {
		msg, err := scanCanonicalMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canonical message failed: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) MarkCanonicalDistributed(id string) error {
	_, err := s.db.Exec(
		`UPDATE canonical_messages SET distributed = 1 WHERE id = ? AND distributed = 0`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark canonical distributed failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list canonical messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []models.CanonicalMessage
	for rows.Next() {
		msg, err := scanCanonicalMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan canonical message failed: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// --- subscriptions ---

func (s *SQLiteStore) SaveSubscription(sub models.UserSubscription) error {
	configJSON, err := marshalMap(sub.Config)
	if err != nil {
		return err
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO user_subscriptions (user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.UserID, sub.ServiceInstanceID, sub.SourceServiceID, sub.Active, nilIfEmpty(configJSON), sub.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("save subscription failed: %w", err)
	}
	slog.Debug("SQLiteStore.SaveSubscription", "userID", sub.UserID, "serviceInstanceID", sub.ServiceInstanceID, "active", sub.Active)
	return nil
}

func (s *SQLiteStore) GetSubscription(userID, serviceInstanceID string) (*models.UserSubscription, error) {
	row := s.db.QueryRow(
		`SELECT user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at
		 FROM user_subscriptions WHERE user_id = ? AND service_instance_id = ?`,
		userID, serviceInstanceID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription failed: %w", err)
	}
	return &sub, nil
}

func (s *SQLiteStore) ActiveSubscriptionsBySource(sourceServiceID string) ([]models.UserSubscription, error) {
	rows, err := s.db.Query(
		`SELECT user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at
		 FROM user_subscriptions WHERE source_service_id = ? AND active = 1 ORDER BY user_id`,
		sourceServiceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query active subscriptions failed: %w", err)
	}
	defer rows.Close()

	var subs []models.UserSubscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription failed: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) DeactivateSubscription(userID, serviceInstanceID string) error {
	_, err := s.db.Exec(
		`UPDATE user_subscriptions SET active = 0, updated_at = ? WHERE user_id = ? AND service_instance_id = ?`,
		time.Now(), userID, serviceInstanceID,
	)
	if err != nil {
		return fmt.Errorf("deactivate subscription failed: %w", err)
	}
	return nil
}

// --- outgoing queue ---

func (s *SQLiteStore) EnqueueOutgoing(e models.OutgoingQueueEntry) (string, error) {
	if e.ID == "" {
		e.ID = util.GenerateEntryID()
	}
	if e.Status == "" {
		e.Status = models.QueueStatusQueued
	}
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO outgoing_queue (id, canonical_message_id, user_id, destination_service_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CanonicalMessageID, e.UserID, e.DestinationServiceID, e.Status, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outgoing entry failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutgoing", "id", e.ID, "userID", e.UserID, "destination", e.DestinationServiceID)
	return e.ID, nil
}

func (s *SQLiteStore) GetQueueEntry(id string) (*models.OutgoingQueueEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE id = ?`,
		id,
	)
	e, err := scanQueueEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get queue entry %s failed: %w", id, err)
	}
	return &e, nil
}

func (s *SQLiteStore) QueuedEntries(limit int) ([]models.OutgoingQueueEntry, error) {
	return s.EntriesByStatus(models.QueueStatusQueued, limit)
}

func (s *SQLiteStore) EntriesByStatus(status models.QueueStatus, limit int) ([]models.OutgoingQueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query queue entries failed: %w", err)
	}
	defer rows.Close()

	var entries []models.OutgoingQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) EntriesForMessage(canonicalMessageID string) ([]models.OutgoingQueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE canonical_message_id = ? ORDER BY created_at ASC`,
		canonicalMessageID,
	)
	if err != nil {
		return nil, fmt.Errorf("query entries for message failed: %w", err)
	}
	defer rows.Close()

	var entries []models.OutgoingQueueEntry
	for rows.Next() {
		e, err := scanQueueEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue entry failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) MarkEntryProcessing(id string) error {
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.QueueStatusProcessing, time.Now(), id, models.QueueStatusQueued,
	)
	if err != nil {
		return fmt.Errorf("mark entry processing failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) MarkEntrySent(id, nativeOutgoingID string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = ?, native_outgoing_id = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.QueueStatusSent, nilIfEmpty(nativeOutgoingID), now, now, id, models.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark entry sent failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) MarkEntryFailed(id, errMsg string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = ?, error_message = ?, processed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.QueueStatusFailed, errMsg, now, now, id, models.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark entry failed failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStatusConflict
	}
	return nil
}

func (s *SQLiteStore) FailStaleProcessingEntries(staleBefore time.Time, reason string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = ?, error_message = ?, processed_at = ?, updated_at = ?
		 WHERE status = ? AND updated_at < ?`,
		models.QueueStatusFailed, reason, now, now, models.QueueStatusProcessing, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale processing entries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.FailStaleProcessingEntries", "failed", n)
	}
	return int(n), nil
}

func (s *SQLiteStore) DeleteEntriesForInstance(instanceID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM outgoing_queue WHERE destination_service_id = ?`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("delete entries for instance %s failed: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- audit log ---

func (s *SQLiteStore) AddAuditEvent(ev models.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_events (event_type, service_instance_id, details, timestamp) VALUES (?, ?, ?, ?)`,
		ev.EventType, nilIfEmpty(ev.ServiceInstanceID), ev.Details, ev.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore.AddAuditEvent failed", "error", err, "eventType", ev.EventType)
		return fmt.Errorf("add audit event failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AuditEvents(instanceID string, limit int) ([]models.AuditEvent, error) {
	var rows *sql.Rows
	var err error
	if instanceID == "" {
		rows, err = s.db.Query(
			`SELECT id, event_type, service_instance_id, details, timestamp FROM audit_events ORDER BY timestamp DESC LIMIT ?`,
			limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, event_type, service_instance_id, details, timestamp FROM audit_events WHERE service_instance_id = ? ORDER BY timestamp DESC LIMIT ?`,
			instanceID, limit,
		)
	}
	if err != nil {
		return nil, fmt.Errorf("query audit events failed: %w", err)
	}
	defer rows.Close()

	var events []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var instID sql.NullString
		if err := rows.Scan(&ev.ID, &ev.EventType, &instID, &ev.Details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit event failed: %w", err)
		}
		ev.ServiceInstanceID = instID.String
		events = append(events, ev)
	}
	return events, rows.Err()
}
