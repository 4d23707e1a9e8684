// Package store provides storage backends for the relay hub.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/lib/pq"

	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/util"
)

// Database connection pool configuration constants.
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database.
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool.
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused.
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore is the multi-process persistence backend.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	return s.db.Close()
}

// isPqUniqueViolation reports whether err is a Postgres unique-constraint error.
func isPqUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

// --- service instances ---

func (s *PostgresStore) SaveServiceInstance(inst models.ServiceInstance) error {
	configJSON, err := marshalMap(inst.Config)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO service_instances (id, connector, config_json, inbound_enabled, outbound_enabled)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET connector = $2, config_json = $3, inbound_enabled = $4, outbound_enabled = $5`,
		inst.ID, inst.Connector, nilIfEmpty(configJSON), inst.InboundEnabled, inst.OutboundEnabled,
	)
	if err != nil {
		slog.Error("PostgresStore.SaveServiceInstance failed", "error", err, "id", inst.ID)
		return fmt.Errorf("save service instance %s failed: %w", inst.ID, err)
	}
	slog.Debug("PostgresStore.SaveServiceInstance", "id", inst.ID, "connector", inst.Connector)
	return nil
}

func (s *PostgresStore) GetServiceInstance(id string) (*models.ServiceInstance, error) {
	var inst models.ServiceInstance
	var configJSON sql.NullString
	err := s.db.QueryRow(
		`SELECT id, connector, config_json, inbound_enabled, outbound_enabled FROM service_instances WHERE id = $1`,
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

func (s *PostgresStore) ListServiceInstances() ([]models.ServiceInstance, error) {
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

func (s *PostgresStore) DeleteServiceInstance(id string) error {
	_, err := s.db.Exec(`DELETE FROM service_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete service instance %s failed: %w", id, err)
	}
	return nil
}

// --- native stores ---

func (s *PostgresStore) ProvisionNativeStore(instanceID string, direction models.Direction, specs []models.FieldSpec) (int, error) {
	fieldsJSON, err := marshalFieldSpecs(specs)
	if err != nil {
		return 0, err
	}

	res, err := s.db.Exec(
		`DELETE FROM native_messages WHERE service_instance_id = $1 AND direction = $2`,
		instanceID, direction,
	)
	if err != nil {
		return 0, fmt.Errorf("provision drop failed for %s/%s: %w", instanceID, direction, err)
	}
	dropped, _ := res.RowsAffected()

	_, err = s.db.Exec(
		`INSERT INTO native_schemas (service_instance_id, direction, fields_json, provisioned_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (service_instance_id, direction) DO UPDATE SET fields_json = $3, provisioned_at = $4`,
		instanceID, direction, fieldsJSON, time.Now(),
	)
	if err != nil {
		return 0, fmt.Errorf("provision schema write failed for %s/%s: %w", instanceID, direction, err)
	}
	slog.Debug("PostgresStore.ProvisionNativeStore", "instanceID", instanceID, "direction", direction, "dropped", dropped)
	return int(dropped), nil
}

func (s *PostgresStore) TeardownNativeStore(instanceID string, direction models.Direction) error {
	if _, err := s.db.Exec(
		`DELETE FROM native_messages WHERE service_instance_id = $1 AND direction = $2`,
		instanceID, direction,
	); err != nil {
		return fmt.Errorf("teardown rows failed for %s/%s: %w", instanceID, direction, err)
	}
	if _, err := s.db.Exec(
		`DELETE FROM native_schemas WHERE service_instance_id = $1 AND direction = $2`,
		instanceID, direction,
	); err != nil {
		return fmt.Errorf("teardown schema failed for %s/%s: %w", instanceID, direction, err)
	}
	slog.Debug("PostgresStore.TeardownNativeStore", "instanceID", instanceID, "direction", direction)
	return nil
}

func (s *PostgresStore) NativeSchema(instanceID string, direction models.Direction) ([]models.FieldSpec, bool, error) {
	var fieldsJSON string
	err := s.db.QueryRow(
		`SELECT fields_json FROM native_schemas WHERE service_instance_id = $1 AND direction = $2`,
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

func (s *PostgresStore) AddNativeMessage(rec models.NativeMessageRecord) (string, error) {
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
		 VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
		rec.ID, rec.ServiceInstanceID, rec.Direction, rec.NativeID, fieldsJSON, rec.Status, time.Now(),
	)
	if isPqUniqueViolation(err) {
		slog.Debug("PostgresStore.AddNativeMessage: duplicate native id", "instanceID", rec.ServiceInstanceID, "nativeID", rec.NativeID)
		return "", models.ErrDuplicateMessage
	}
	if err != nil {
		return "", fmt.Errorf("add native message failed: %w", err)
	}
	return rec.ID, nil
}

func (s *PostgresStore) NewNativeMessages(instanceID string, maxAttempts int) ([]models.NativeMessageRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, service_instance_id, direction, native_id, fields_json, status, attempts, processed_at, created_at
		 FROM native_messages
		 WHERE service_instance_id = $1 AND direction = $2 AND status = $3 AND attempts < $4
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

func (s *PostgresStore) MarkNativeProcessed(id string) error {
	_, err := s.db.Exec(
		`UPDATE native_messages SET status = $1, processed_at = $2 WHERE id = $3 AND status = $4`,
		models.NativeStatusProcessed, time.Now(), id, models.NativeStatusNew,
	)
	if err != nil {
		return fmt.Errorf("mark native processed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) BumpNativeAttempts(id string) (int, error) {
	var attempts int
	err := s.db.QueryRow(
		`UPDATE native_messages SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`,
		id,
	).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("bump native attempts failed: %w", err)
	}
	return attempts, nil
}

func (s *PostgresStore) NativeMessageCounts(instanceID string, direction models.Direction) (int, int, error) {
	var total, pending int
	err := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = $1 THEN 1 ELSE 0 END), 0)
		 FROM native_messages WHERE service_instance_id = $2 AND direction = $3`,
		models.NativeStatusNew, instanceID, direction,
	).Scan(&total, &pending)
	if err != nil {
		return 0, 0, fmt.Errorf("native message counts failed: %w", err)
	}
	return total, pending, nil
}

// --- canonical messages ---

func (s *PostgresStore) AddCanonicalMessage(msg models.CanonicalMessage) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE, $11)`,
		msg.ID, msg.SourceServiceID, msg.SourceNativeID,
		nilIfEmpty(msg.Subject), nilIfEmpty(msg.Body), nilIfEmpty(msg.Snippet), nilIfEmpty(msg.Sender),
		nilIfEmpty(recipientsJSON), nilIfEmpty(headersJSON), msg.Date, time.Now(),
	)
	if isPqUniqueViolation(err) {
		return models.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("add canonical message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) CanonicalMessageExists(sourceServiceID, sourceNativeID string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM canonical_messages WHERE source_service_id = $1 AND source_native_id = $2`,
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

func (s *PostgresStore) GetCanonicalMessage(id string) (*models.CanonicalMessage, error) {
	row := s.db.QueryRow(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages WHERE id = $1`,
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

func (s *PostgresStore) UndistributedCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages WHERE distributed = FALSE ORDER BY created_at ASC LIMIT $1`,
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

func (s *PostgresStore) MarkCanonicalDistributed(id string) error {
	_, err := s.db.Exec(
		`UPDATE canonical_messages SET distributed = TRUE WHERE id = $1 AND distributed = FALSE`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark canonical distributed failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, source_service_id, source_native_id, subject, body, snippet, sender, recipients_json, headers_json, date, distributed, created_at
		 FROM canonical_messages ORDER BY created_at DESC LIMIT $1`,
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

func (s *PostgresStore) SaveSubscription(sub models.UserSubscription) error {
	configJSON, err := marshalMap(sub.Config)
	if err != nil {
		return err
	}
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	_, err = s.db.Exec(
		`INSERT INTO user_subscriptions (user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (user_id, service_instance_id) DO UPDATE SET source_service_id = $3, active = $4, config_json = $5, updated_at = $7`,
		sub.UserID, sub.ServiceInstanceID, sub.SourceServiceID, sub.Active, nilIfEmpty(configJSON), sub.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("save subscription failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSubscription(userID, serviceInstanceID string) (*models.UserSubscription, error) {
	row := s.db.QueryRow(
		`SELECT user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at
		 FROM user_subscriptions WHERE user_id = $1 AND service_instance_id = $2`,
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

func (s *PostgresStore) ActiveSubscriptionsBySource(sourceServiceID string) ([]models.UserSubscription, error) {
	rows, err := s.db.Query(
		`SELECT user_id, service_instance_id, source_service_id, active, config_json, created_at, updated_at
		 FROM user_subscriptions WHERE source_service_id = $1 AND active = TRUE ORDER BY user_id`,
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

func (s *PostgresStore) DeactivateSubscription(userID, serviceInstanceID string) error {
	_, err := s.db.Exec(
		`UPDATE user_subscriptions SET active = FALSE, updated_at = $1 WHERE user_id = $2 AND service_instance_id = $3`,
		time.Now(), userID, serviceInstanceID,
	)
	if err != nil {
		return fmt.Errorf("deactivate subscription failed: %w", err)
	}
	return nil
}

// --- outgoing queue ---

func (s *PostgresStore) EnqueueOutgoing(e models.OutgoingQueueEntry) (string, error) {
	if e.ID == "" {
		e.ID = util.GenerateEntryID()
	}
	if e.Status == "" {
		e.Status = models.QueueStatusQueued
	}
	now := time.Now()
	_, err := s.db.Exec(
		`INSERT INTO outgoing_queue (id, canonical_message_id, user_id, destination_service_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.CanonicalMessageID, e.UserID, e.DestinationServiceID, e.Status, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outgoing entry failed: %w", err)
	}
	return e.ID, nil
}

func (s *PostgresStore) GetQueueEntry(id string) (*models.OutgoingQueueEntry, error) {
	row := s.db.QueryRow(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE id = $1`,
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

func (s *PostgresStore) QueuedEntries(limit int) ([]models.OutgoingQueueEntry, error) {
	return s.EntriesByStatus(models.QueueStatusQueued, limit)
}

func (s *PostgresStore) EntriesByStatus(status models.QueueStatus, limit int) ([]models.OutgoingQueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
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

func (s *PostgresStore) EntriesForMessage(canonicalMessageID string) ([]models.OutgoingQueueEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, canonical_message_id, user_id, destination_service_id, status, native_outgoing_id, error_message, created_at, processed_at
		 FROM outgoing_queue WHERE canonical_message_id = $1 ORDER BY created_at ASC`,
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

func (s *PostgresStore) MarkEntryProcessing(id string) error {
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
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

func (s *PostgresStore) MarkEntrySent(id, nativeOutgoingID string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = $1, native_outgoing_id = $2, processed_at = $3, updated_at = $3 WHERE id = $4 AND status = $5`,
		models.QueueStatusSent, nilIfEmpty(nativeOutgoingID), now, id, models.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark entry sent failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) MarkEntryFailed(id, errMsg string) error {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = $1, error_message = $2, processed_at = $3, updated_at = $3 WHERE id = $4 AND status = $5`,
		models.QueueStatusFailed, errMsg, now, id, models.QueueStatusProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark entry failed failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrStatusConflict
	}
	return nil
}

func (s *PostgresStore) FailStaleProcessingEntries(staleBefore time.Time, reason string) (int, error) {
	now := time.Now()
	res, err := s.db.Exec(
		`UPDATE outgoing_queue SET status = $1, error_message = $2, processed_at = $3, updated_at = $3
		 WHERE status = $4 AND updated_at < $5`,
		models.QueueStatusFailed, reason, now, models.QueueStatusProcessing, staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("fail stale processing entries failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.FailStaleProcessingEntries", "failed", n)
	}
	return int(n), nil
}

func (s *PostgresStore) DeleteEntriesForInstance(instanceID string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM outgoing_queue WHERE destination_service_id = $1`, instanceID)
	if err != nil {
		return 0, fmt.Errorf("delete entries for instance %s failed: %w", instanceID, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- audit log ---

func (s *PostgresStore) AddAuditEvent(ev models.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO audit_events (event_type, service_instance_id, details, timestamp) VALUES ($1, $2, $3, $4)`,
		ev.EventType, nilIfEmpty(ev.ServiceInstanceID), ev.Details, ev.Timestamp,
	)
	if err != nil {
		slog.Error("PostgresStore.AddAuditEvent failed", "error", err, "eventType", ev.EventType)
		return fmt.Errorf("add audit event failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AuditEvents(instanceID string, limit int) ([]models.AuditEvent, error) {
	var rows *sql.Rows
	var err error
	if instanceID == "" {
		rows, err = s.db.Query(
			`SELECT id, event_type, service_instance_id, details, timestamp FROM audit_events ORDER BY timestamp DESC LIMIT $1`,
			limit,
		)
	} else {
		rows, err = s.db.Query(
			`SELECT id, event_type, service_instance_id, details, timestamp FROM audit_events WHERE service_instance_id = $1 ORDER BY timestamp DESC LIMIT $2`,
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
