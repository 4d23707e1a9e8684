package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
)

const webhookTimeout = 10 * time.Second

// webhookPayload is the wire shape for both inbound spool files and outbound
// POST bodies.
type webhookPayload struct {
	ID         string            `json:"id"`
	Subject    string            `json:"subject"`
	Body       string            `json:"body"`
	Sender     string            `json:"sender"`
	Recipients []string          `json:"recipients,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Date       string            `json:"date"`
}

// WebhookConnector bridges generic JSON messages in both directions.
// Inbound messages arrive as JSON files dropped into a spool directory by an
// external receiver; outbound messages are POSTed to a configured URL.
type WebhookConnector struct {
	manifest models.ConnectorManifest
	client   *http.Client
}

var _ Connector = (*WebhookConnector)(nil)

// NewWebhookConnector creates the webhook bridge with its manifest.
func NewWebhookConnector(m models.ConnectorManifest) *WebhookConnector {
	return &WebhookConnector{
		manifest: m,
		client:   &http.Client{Timeout: webhookTimeout},
	}
}

// SetHTTPClient replaces the outbound HTTP client. Used by tests.
func (c *WebhookConnector) SetHTTPClient(client *http.Client) {
	c.client = client
}

func (c *WebhookConnector) Name() string                       { return c.manifest.Name }
func (c *WebhookConnector) Manifest() models.ConnectorManifest { return c.manifest }

// Fetch reads every *.json file in the configured spool directory, stores it
// through sink, and deletes the file once stored.
func (c *WebhookConnector) Fetch(ctx context.Context, inst models.ServiceInstance, sink NativeSink) (models.FetchResult, error) {
	dir := inst.ConfigValue("spool_dir")
	if dir == "" {
		return models.FetchResult{Message: "spool_dir not configured"}, errors.New("spool_dir not configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.FetchResult{Message: err.Error()}, fmt.Errorf("failed to read spool dir %s: %w", dir, err)
	}

	stored := 0
	var firstErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		nativeID, fields, err := c.parseSpoolFile(path)
		if err != nil {
			slog.Error("WebhookConnector.Fetch: failed to parse spool file", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := sink.Store(nativeID, fields); err != nil {
			if errors.Is(err, models.ErrDuplicateMessage) {
				slog.Debug("WebhookConnector.Fetch: message already stored, removing", "nativeID", nativeID)
			} else {
				slog.Error("WebhookConnector.Fetch: failed to store message", "nativeID", nativeID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		} else {
			stored++
		}

		if err := os.Remove(path); err != nil {
			slog.Error("WebhookConnector.Fetch: failed to remove spool file", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	res := models.FetchResult{
		Success: firstErr == nil,
		Count:   stored,
		Message: fmt.Sprintf("stored %d message(s)", stored),
	}
	if firstErr != nil {
		res.Message = firstErr.Error()
	}
	return res, firstErr
}

func (c *WebhookConnector) parseSpoolFile(path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var p webhookPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if p.ID == "" {
		p.ID = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	if p.Date == "" {
		p.Date = time.Now().UTC().Format(time.RFC3339)
	}

	fields := map[string]string{
		"id":      p.ID,
		"subject": p.Subject,
		"body":    p.Body,
		"sender":  p.Sender,
		"date":    p.Date,
	}
	if len(p.Recipients) > 0 {
		raw, err := json.Marshal(p.Recipients)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode recipients of %s: %w", path, err)
		}
		fields["recipients"] = string(raw)
	}
	if len(p.Headers) > 0 {
		raw, err := json.Marshal(p.Headers)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode headers of %s: %w", path, err)
		}
		fields["headers"] = string(raw)
	}
	return p.ID, fields, nil
}

// Send POSTs the native message as JSON to the configured URL. Any non-2xx
// response is an error.
func (c *WebhookConnector) Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error {
	url := inst.ConfigValue("url")
	if url == "" {
		return errors.New("url not configured")
	}

	p := webhookPayload{
		ID:      native["id"],
		Subject: native["subject"],
		Body:    native["body"],
		Sender:  native["sender"],
		Date:    native["date"],
	}
	if to := native[NativeToField]; to != "" {
		p.Recipients = []string{to}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := inst.ConfigValue("auth_token"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post to %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

func (c *WebhookConnector) TestConnection(ctx context.Context, config map[string]string) models.TestResult {
	if dir := config["spool_dir"]; dir != "" {
		if info, err := os.Stat(dir); err != nil {
			return models.TestResult{Message: err.Error()}
		} else if !info.IsDir() {
			return models.TestResult{Message: fmt.Sprintf("%s is not a directory", dir)}
		}
	}
	if url := config["url"]; url != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return models.TestResult{Message: err.Error()}
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return models.TestResult{Message: err.Error()}
		}
		resp.Body.Close()
	}
	return models.TestResult{Success: true, Message: "webhook endpoint reachable"}
}

func (c *WebhookConnector) TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error) {
	date, err := time.Parse(time.RFC3339, rec.Field("date"))
	if err != nil {
		return models.CanonicalFields{}, fmt.Errorf("invalid date field: %w", err)
	}

	fields := models.CanonicalFields{
		Subject: rec.Field("subject"),
		Body:    rec.Field("body"),
		Sender:  rec.Field("sender"),
		Date:    date,
	}
	if raw := rec.Field("recipients"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.Recipients); err != nil {
			return models.CanonicalFields{}, fmt.Errorf("invalid recipients field: %w", err)
		}
	}
	if raw := rec.Field("headers"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields.Headers); err != nil {
			return models.CanonicalFields{}, fmt.Errorf("invalid headers field: %w", err)
		}
	}
	return fields, nil
}

func (c *WebhookConnector) TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error) {
	body := msg.Body
	if header := RenderHeader(c.manifest.Formatting.HeaderTemplate, msg, sourceName); header != "" {
		body = header + "\n\n" + body
	}
	return map[string]string{
		"id":      msg.ID,
		"subject": msg.Subject,
		"body":    body,
		"sender":  msg.Sender,
		"date":    msg.Date.Format(time.RFC3339),
	}, nil
}
