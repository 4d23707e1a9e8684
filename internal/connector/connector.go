// Package connector defines the pluggable channel adapter abstraction and
// the built-in connectors.
//
// A connector adapts one external communication service (mailbox polling,
// outbound mail relay, SMS gateway, webhooks) to the relay pipeline. Each
// connector type is a static implementation selected by manifest name at
// service-instance configuration time; there is no runtime plugin loading.
package connector

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/msgrelay/relayhub/internal/models"
)

var (
	// ErrDirectionUnsupported is returned when a connector is asked to
	// operate in a direction its manifest does not declare.
	ErrDirectionUnsupported = errors.New("connector does not support this direction")
	// ErrConnectorExists is returned when registering a duplicate name.
	ErrConnectorExists = errors.New("connector already registered")
)

// NativeSink receives fetched native messages. Store must be durable before
// it returns; a models.ErrDuplicateMessage result means the message is
// already stored and the connector may safely remove it at the source.
type NativeSink interface {
	Store(nativeID string, fields map[string]string) error
}

// Connector is the capability surface the pipeline consumes.
type Connector interface {
	// Name returns the manifest name this connector implements.
	Name() string

	// Manifest returns the connector's descriptor.
	Manifest() models.ConnectorManifest

	// Fetch retrieves new messages from the external service, stores them
	// through sink, and removes them at the source once durably stored.
	Fetch(ctx context.Context, inst models.ServiceInstance, sink NativeSink) (models.FetchResult, error)

	// Send delivers one native outbound message through the external service.
	Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error

	// TestConnection verifies that the given instance config can reach the
	// external service.
	TestConnection(ctx context.Context, config map[string]string) models.TestResult

	// TranslateToCanonical converts a fetched native record into canonical
	// message fields.
	TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error)

	// TranslateFromCanonical renders a canonical message into this
	// connector's native outbound shape. sourceName identifies the
	// originating service for attribution formatting.
	TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error)
}

// NativeToField is the conventional field name carrying the resolved
// delivery address in native outbound messages. The delivery worker fills it
// from the recipient's subscription after translation.
const NativeToField = "to"

// RenderHeader renders a manifest header template for one message.
// Supported placeholders: {sender}, {subject}, {date}, {service}.
func RenderHeader(template string, msg models.CanonicalMessage, sourceName string) string {
	if template == "" {
		return ""
	}
	r := strings.NewReplacer(
		"{sender}", msg.Sender,
		"{subject}", msg.Subject,
		"{date}", msg.Date.Format("2006-01-02 15:04"),
		"{service}", sourceName,
	)
	return r.Replace(template)
}

// Registry holds the available connector implementations by manifest name.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]Connector)}
}

// Register adds a connector. Registering an existing name is an error.
func (r *Registry) Register(c Connector) error {
	if c == nil {
		return errors.New("connector is nil")
	}
	name := strings.TrimSpace(c.Name())
	if name == "" {
		return errors.New("connector name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[name]; ok {
		return ErrConnectorExists
	}
	r.m[name] = c
	return nil
}

// Get returns the connector registered under name.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.m[name]
	return c, ok
}

// List returns the registered connector names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
