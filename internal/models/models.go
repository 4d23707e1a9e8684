// Package models defines the core data structures for the relay hub.
//
// It includes connector manifests, service instances, native and canonical
// message records, subscriptions, outgoing queue entries, and audit events,
// which are shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Direction identifies which side of a service instance a native store serves.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// IsValidDirection checks if the given direction is supported.
func IsValidDirection(d Direction) bool {
	return d == DirectionInbound || d == DirectionOutbound
}

// NativeStatus represents the lifecycle state of a native message record.
// The only legal transition is new -> processed.
type NativeStatus string

const (
	NativeStatusNew       NativeStatus = "new"
	NativeStatusProcessed NativeStatus = "processed"
)

// QueueStatus represents the lifecycle state of an outgoing queue entry.
// The only legal transitions are queued -> processing -> {sent, failed}.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusSent       QueueStatus = "sent"
	QueueStatusFailed     QueueStatus = "failed"
)

// IsValidQueueStatus checks if the given queue status is supported.
func IsValidQueueStatus(s QueueStatus) bool {
	switch s {
	case QueueStatusQueued, QueueStatusProcessing, QueueStatusSent, QueueStatusFailed:
		return true
	default:
		return false
	}
}

// Audit event types recorded by the pipeline. The set is extensible;
// consumers must tolerate unknown values.
const (
	AuditInfo        = "info"
	AuditError       = "error"
	AuditInboundPoll = "inbound_poll"
	AuditProcessed   = "message_processed"
	AuditDistributed = "message_distributed"
	AuditSend        = "outgoing_send"
	AuditProvision   = "provision"
	AuditTeardown    = "teardown"
)

// Well-known canonical message header keys.
const (
	// HeaderSuppress marks a message that must not be fanned out to
	// subscribers (system/internal notices). The distributor marks it
	// distributed with zero queue entries.
	HeaderSuppress = "suppress_fanout"
	// HeaderInvitation marks an invitation message. The delivery worker may
	// synthesize a temporary subscription for it.
	HeaderInvitation = "is_invitation"
	// HeaderInvitationAddress carries the delivery address for invitations.
	HeaderInvitationAddress = "invitation_address"
)

// SnippetLength is the number of characters of the body kept in the snippet.
const SnippetLength = 200

// Error variables for better error handling and testability.
var (
	ErrDuplicateMessage   = errors.New("canonical message already exists for this native id")
	ErrStatusConflict     = errors.New("record is not in the expected status")
	ErrStoreNotFound      = errors.New("native store not provisioned")
	ErrInstanceNotFound   = errors.New("service instance not found")
	ErrEmptyManifestName  = errors.New("manifest name cannot be empty")
	ErrNoDirections       = errors.New("manifest must declare at least one direction")
	ErrMissingSchema      = errors.New("manifest declares a direction without a message schema")
	ErrInvalidFieldType   = errors.New("invalid field type in message schema")
	ErrMissingField       = errors.New("required field missing from native message")
	ErrFieldTypeMismatch  = errors.New("field value does not match declared type")
	ErrDirectionNotListed = errors.New("direction not declared by connector manifest")
)

// FieldType enumerates the primitive types a connector schema may declare.
type FieldType string

const (
	FieldTypeString   FieldType = "string"
	FieldTypeInteger  FieldType = "integer"
	FieldTypePassword FieldType = "password"
	FieldTypeSelect   FieldType = "select"
	FieldTypeJSON     FieldType = "json"
	FieldTypeDatetime FieldType = "datetime"
)

// IsValidFieldType checks if the given field type is supported.
func IsValidFieldType(t FieldType) bool {
	switch t {
	case FieldTypeString, FieldTypeInteger, FieldTypePassword, FieldTypeSelect, FieldTypeJSON, FieldTypeDatetime:
		return true
	default:
		return false
	}
}

// FieldSpec describes one field of a connector's native message shape.
type FieldSpec struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  string    `json:"default,omitempty"`
	Options  []string  `json:"options,omitempty"`
}

// MessageSchemas holds the native message shapes per direction.
type MessageSchemas struct {
	Incoming []FieldSpec `json:"incoming,omitempty"`
	Outgoing []FieldSpec `json:"outgoing,omitempty"`
}

// Formatting holds connector-level rendering rules for outbound messages.
type Formatting struct {
	MessageFormat  string `json:"messageFormat,omitempty"`
	HeaderTemplate string `json:"headerTemplate,omitempty"`
}

// ConnectorManifest declares a connector's capabilities, native message
// schemas, and formatting rules. Immutable once loaded for a given version.
type ConnectorManifest struct {
	Name           string         `json:"name"`
	FriendlyName   string         `json:"friendlyName,omitempty"`
	Version        string         `json:"version,omitempty"`
	Capabilities   []string       `json:"capabilities,omitempty"`
	Inbound        bool           `json:"inbound"`
	Outbound       bool           `json:"outbound"`
	MessageSchemas MessageSchemas `json:"messageSchemas"`
	Formatting     Formatting     `json:"formatting,omitempty"`
}

// Validate performs structural validation on a manifest.
func (m *ConnectorManifest) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return ErrEmptyManifestName
	}
	if !m.Inbound && !m.Outbound {
		return ErrNoDirections
	}
	if m.Inbound && len(m.MessageSchemas.Incoming) == 0 {
		return ErrMissingSchema
	}
	if m.Outbound && len(m.MessageSchemas.Outgoing) == 0 {
		return ErrMissingSchema
	}
	for _, spec := range m.MessageSchemas.Incoming {
		if !IsValidFieldType(spec.Type) {
			return ErrInvalidFieldType
		}
	}
	for _, spec := range m.MessageSchemas.Outgoing {
		if !IsValidFieldType(spec.Type) {
			return ErrInvalidFieldType
		}
	}
	return nil
}

// SchemaFor returns the field specs for the given direction, or
// ErrDirectionNotListed if the manifest does not declare it.
func (m *ConnectorManifest) SchemaFor(d Direction) ([]FieldSpec, error) {
	switch d {
	case DirectionInbound:
		if !m.Inbound {
			return nil, ErrDirectionNotListed
		}
		return m.MessageSchemas.Incoming, nil
	case DirectionOutbound:
		if !m.Outbound {
			return nil, ErrDirectionNotListed
		}
		return m.MessageSchemas.Outgoing, nil
	}
	return nil, ErrDirectionNotListed
}

// ValidateFields checks a native field map against the declared specs.
// Unknown fields are allowed; declared fields are type-checked and
// required fields must be present and non-empty.
func ValidateFields(specs []FieldSpec, fields map[string]string) error {
	for _, spec := range specs {
		val, ok := fields[spec.Name]
		if !ok || val == "" {
			if spec.Required {
				return errors.Join(ErrMissingField, errors.New(spec.Name))
			}
			continue
		}
		switch spec.Type {
		case FieldTypeInteger:
			if _, err := strconv.Atoi(val); err != nil {
				return errors.Join(ErrFieldTypeMismatch, errors.New(spec.Name))
			}
		case FieldTypeDatetime:
			if _, err := time.Parse(time.RFC3339, val); err != nil {
				return errors.Join(ErrFieldTypeMismatch, errors.New(spec.Name))
			}
		case FieldTypeJSON:
			if !json.Valid([]byte(val)) {
				return errors.Join(ErrFieldTypeMismatch, errors.New(spec.Name))
			}
		case FieldTypeSelect:
			found := false
			for _, opt := range spec.Options {
				if opt == val {
					found = true
					break
				}
			}
			if !found {
				return errors.Join(ErrFieldTypeMismatch, errors.New(spec.Name))
			}
		}
	}
	return nil
}

// ServiceInstance is one configured deployment of a connector.
type ServiceInstance struct {
	ID              string            `json:"id"`
	Connector       string            `json:"connector"`
	Config          map[string]string `json:"config,omitempty"`
	InboundEnabled  bool              `json:"inbound_enabled"`
	OutboundEnabled bool              `json:"outbound_enabled"`
}

// ConfigValue returns a config value, or "" if absent.
func (s *ServiceInstance) ConfigValue(key string) string {
	if s.Config == nil {
		return ""
	}
	return s.Config[key]
}

// NativeMessageRecord is a message in a connector's own field layout,
// stored in the tagged-column native store of one service instance.
type NativeMessageRecord struct {
	ID                string            `json:"id"`
	ServiceInstanceID string            `json:"service_instance_id"`
	Direction         Direction         `json:"direction"`
	NativeID          string            `json:"native_id"`
	Fields            map[string]string `json:"fields"`
	Status            NativeStatus      `json:"status"`
	Attempts          int               `json:"attempts"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Field returns a native field value, or "" if absent.
func (r *NativeMessageRecord) Field(name string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[name]
}

// CanonicalFields is the connector-produced portion of a canonical message.
type CanonicalFields struct {
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Sender     string            `json:"sender"`
	Recipients []string          `json:"recipients,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Date       time.Time         `json:"date"`
}

// CanonicalMessage is the single cross-connector message representation.
// Immutable after creation except the Distributed flag, which is set to
// true exactly once.
type CanonicalMessage struct {
	ID              string            `json:"id"`
	SourceServiceID string            `json:"source_service_id"`
	SourceNativeID  string            `json:"source_native_id"`
	Subject         string            `json:"subject"`
	Body            string            `json:"body"`
	Snippet         string            `json:"snippet"`
	Sender          string            `json:"sender"`
	Recipients      []string          `json:"recipients,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Date            time.Time         `json:"date"`
	Distributed     bool              `json:"distributed"`
	CreatedAt       time.Time         `json:"created_at"`
}

// Header returns the value of a canonical header, or "" if absent.
func (m *CanonicalMessage) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// Suppressed reports whether the message is flagged for fan-out suppression.
func (m *CanonicalMessage) Suppressed() bool {
	return m.Header(HeaderSuppress) == "true"
}

// Invitation reports whether the message carries the invitation marker.
func (m *CanonicalMessage) Invitation() bool {
	return m.Header(HeaderInvitation) == "true"
}

// MakeSnippet returns the first SnippetLength characters of the body,
// trimmed of surrounding whitespace. Multi-byte runes are not split.
func MakeSnippet(body string) string {
	s := strings.TrimSpace(body)
	if utf8.RuneCountInString(s) <= SnippetLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:SnippetLength]))
}

// UserSubscription is a user's opt-in to receive canonicalized traffic from
// one source service instance via a destination service instance.
// Unique per (UserID, ServiceInstanceID).
type UserSubscription struct {
	UserID            string            `json:"user_id"`
	ServiceInstanceID string            `json:"service_instance_id"` // destination channel
	SourceServiceID   string            `json:"source_service_id"`   // mirrored source
	Active            bool              `json:"active"`
	Config            map[string]string `json:"config,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SubscriptionAddressKey is the per-user config key holding the
// channel-specific delivery address.
const SubscriptionAddressKey = "address"

// Address returns the channel-specific delivery address, or "" if none.
func (s *UserSubscription) Address() string {
	if s.Config == nil {
		return ""
	}
	return s.Config[SubscriptionAddressKey]
}

// OutgoingQueueEntry is one pending per-recipient delivery obligation for a
// canonical message.
type OutgoingQueueEntry struct {
	ID                   string      `json:"id"`
	CanonicalMessageID   string      `json:"canonical_message_id"`
	UserID               string      `json:"user_id"`
	DestinationServiceID string      `json:"destination_service_id"`
	Status               QueueStatus `json:"status"`
	NativeOutgoingID     string      `json:"native_outgoing_id,omitempty"`
	ErrorMessage         string      `json:"error_message,omitempty"`
	CreatedAt            time.Time   `json:"created_at"`
	ProcessedAt          *time.Time  `json:"processed_at,omitempty"`
}

// AuditEvent is one append-only record of pipeline activity, optionally
// keyed to a service instance.
type AuditEvent struct {
	ID                int64     `json:"id"`
	EventType         string    `json:"event_type"`
	ServiceInstanceID string    `json:"service_instance_id,omitempty"`
	Details           string    `json:"details"`
	Timestamp         time.Time `json:"timestamp"`
}

// APIResponse is the envelope returned by the operator API.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a success response carrying a result.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: "ok", Result: result}
}

// SuccessWithMessage creates a success response with a message and result.
func SuccessWithMessage(msg string, result interface{}) APIResponse {
	return APIResponse{Status: "ok", Message: msg, Result: result}
}

// Error creates an error response.
func Error(msg string) APIResponse {
	return APIResponse{Status: "error", Message: msg}
}

// FetchResult is the outcome of one connector fetch.
type FetchResult struct {
	Success bool   `json:"success"`
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// TestResult is the outcome of a connector connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}
