package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/msgrelay/relayhub/internal/models"
)

func webhookManifest() models.ConnectorManifest {
	return models.ConnectorManifest{Name: "webhook", Inbound: true, Outbound: true}
}

func TestWebhookFetchFromSpool(t *testing.T) {
	dir := t.TempDir()
	doc := `{
		"id": "evt-1",
		"subject": "deploy finished",
		"body": "All green.",
		"sender": "ci@example.org",
		"recipients": ["ops@example.org"],
		"headers": {"suppress_fanout": "false"},
		"date": "2026-09-01T10:00:00Z"
	}`
	path := filepath.Join(dir, "evt-1.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("failed to write spool file: %v", err)
	}

	c := NewWebhookConnector(webhookManifest())
	inst := models.ServiceInstance{ID: "hook-in", Config: map[string]string{"spool_dir": dir}}
	sink := newFakeSink()

	res, err := c.Fetch(context.Background(), inst, sink)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if res.Count != 1 {
		t.Errorf("expected 1 stored, got %d", res.Count)
	}
	fields, ok := sink.stored["evt-1"]
	if !ok {
		t.Fatalf("message not stored: %v", sink.stored)
	}
	if fields["subject"] != "deploy finished" || fields["sender"] != "ci@example.org" {
		t.Errorf("unexpected fields: %v", fields)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("spool file should be removed after storing")
	}
}

func TestWebhookTranslateRoundsJSONFields(t *testing.T) {
	c := NewWebhookConnector(webhookManifest())
	rec := models.NativeMessageRecord{
		NativeID: "evt-1",
		Fields: map[string]string{
			"subject":    "deploy finished",
			"body":       "All green.",
			"sender":     "ci@example.org",
			"date":       "2026-09-01T10:00:00Z",
			"recipients": `["ops@example.org"]`,
			"headers":    `{"is_invitation":"true"}`,
		},
	}
	fields, err := c.TranslateToCanonical(rec)
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if len(fields.Recipients) != 1 || fields.Recipients[0] != "ops@example.org" {
		t.Errorf("unexpected recipients: %v", fields.Recipients)
	}
	if fields.Headers[models.HeaderInvitation] != "true" {
		t.Errorf("unexpected headers: %v", fields.Headers)
	}

	rec.Fields["recipients"] = "not json"
	if _, err := c.TranslateToCanonical(rec); err == nil {
		t.Error("expected error for malformed recipients")
	}
}

func TestWebhookSend(t *testing.T) {
	var received webhookPayload
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewWebhookConnector(webhookManifest())
	inst := models.ServiceInstance{ID: "hook-out", Config: map[string]string{
		"url":        srv.URL,
		"auth_token": "secret",
	}}
	native := map[string]string{
		"id":          "cm-1",
		"subject":     "deploy finished",
		"body":        "All green.",
		NativeToField: "ops@example.org",
	}
	if err := c.Send(context.Background(), inst, native); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if received.ID != "cm-1" || received.Subject != "deploy finished" {
		t.Errorf("unexpected payload: %+v", received)
	}
	if len(received.Recipients) != 1 || received.Recipients[0] != "ops@example.org" {
		t.Errorf("unexpected recipients: %v", received.Recipients)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("unexpected auth header %q", gotAuth)
	}
}

func TestWebhookSendFailsOnErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewWebhookConnector(webhookManifest())
	inst := models.ServiceInstance{ID: "hook-out", Config: map[string]string{"url": srv.URL}}
	if err := c.Send(context.Background(), inst, map[string]string{"id": "x"}); err == nil {
		t.Error("expected error for 502 response")
	}

	unconfigured := models.ServiceInstance{ID: "hook-out"}
	if err := c.Send(context.Background(), unconfigured, map[string]string{"id": "x"}); err == nil {
		t.Error("expected error without url config")
	}
}
