package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/msgrelay/relayhub/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// marshalMap encodes a string map as JSON, "" for nil/empty maps.
func marshalMap(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal map failed: %w", err)
	}
	return string(b), nil
}

// unmarshalMap decodes a JSON string map, nil for "".
func unmarshalMap(s string) (map[string]string, error) {
	if s == "" {
		return nil, nil
	}
	m := make(map[string]string)
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("unmarshal map failed: %w", err)
	}
	return m, nil
}

// marshalFieldSpecs encodes a schema's field specs as JSON.
func marshalFieldSpecs(specs []models.FieldSpec) (string, error) {
	b, err := json.Marshal(specs)
	if err != nil {
		return "", fmt.Errorf("marshal field specs failed: %w", err)
	}
	return string(b), nil
}

// unmarshalFieldSpecs decodes a schema's field specs from JSON.
func unmarshalFieldSpecs(s string) ([]models.FieldSpec, error) {
	var specs []models.FieldSpec
	if err := json.Unmarshal([]byte(s), &specs); err != nil {
		return nil, fmt.Errorf("unmarshal field specs failed: %w", err)
	}
	return specs, nil
}

// marshalStrings encodes a string slice as JSON, "" for nil/empty slices.
func marshalStrings(vals []string) (string, error) {
	if len(vals) == 0 {
		return "", nil
	}
	b, err := json.Marshal(vals)
	if err != nil {
		return "", fmt.Errorf("marshal strings failed: %w", err)
	}
	return string(b), nil
}

// unmarshalStrings decodes a JSON string slice, nil for "".
func unmarshalStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	var vals []string
	if err := json.Unmarshal([]byte(s), &vals); err != nil {
		return nil, fmt.Errorf("unmarshal strings failed: %w", err)
	}
	return vals, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanNativeMessage scans a NativeMessageRecord from a row.
func scanNativeMessage(row rowScanner) (models.NativeMessageRecord, error) {
	var rec models.NativeMessageRecord
	var fieldsJSON string
	var processedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.ServiceInstanceID, &rec.Direction, &rec.NativeID,
		&fieldsJSON, &rec.Status, &rec.Attempts, &processedAt, &rec.CreatedAt,
	)
	if err != nil {
		return rec, err
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	rec.Fields, err = unmarshalMap(fieldsJSON)
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// scanCanonicalMessage scans a CanonicalMessage from a row.
func scanCanonicalMessage(row rowScanner) (models.CanonicalMessage, error) {
	var msg models.CanonicalMessage
	var recipientsJSON, headersJSON, subject, body, snippet, sender sql.NullString
	err := row.Scan(
		&msg.ID, &msg.SourceServiceID, &msg.SourceNativeID,
		&subject, &body, &snippet, &sender,
		&recipientsJSON, &headersJSON, &msg.Date, &msg.Distributed, &msg.CreatedAt,
	)
	if err != nil {
		return msg, err
	}
	msg.Subject = subject.String
	msg.Body = body.String
	msg.Snippet = snippet.String
	msg.Sender = sender.String
	msg.Recipients, err = unmarshalStrings(recipientsJSON.String)
	if err != nil {
		return msg, err
	}
	msg.Headers, err = unmarshalMap(headersJSON.String)
	if err != nil {
		return msg, err
	}
	return msg, nil
}

// scanSubscription scans a UserSubscription from a row.
func scanSubscription(row rowScanner) (models.UserSubscription, error) {
	var sub models.UserSubscription
	var configJSON sql.NullString
	err := row.Scan(
		&sub.UserID, &sub.ServiceInstanceID, &sub.SourceServiceID,
		&sub.Active, &configJSON, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return sub, err
	}
	sub.Config, err = unmarshalMap(configJSON.String)
	if err != nil {
		return sub, err
	}
	return sub, nil
}

// scanQueueEntry scans an OutgoingQueueEntry from a row.
func scanQueueEntry(row rowScanner) (models.OutgoingQueueEntry, error) {
	var e models.OutgoingQueueEntry
	var nativeOutgoingID, errorMessage sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(
		&e.ID, &e.CanonicalMessageID, &e.UserID, &e.DestinationServiceID,
		&e.Status, &nativeOutgoingID, &errorMessage, &e.CreatedAt, &processedAt,
	)
	if err != nil {
		return e, err
	}
	e.NativeOutgoingID = nativeOutgoingID.String
	e.ErrorMessage = errorMessage.String
	if processedAt.Valid {
		e.ProcessedAt = &processedAt.Time
	}
	return e, nil
}
