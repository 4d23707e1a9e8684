package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/msgrelay/relayhub/internal/connector"
	"github.com/msgrelay/relayhub/internal/lock"
	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/schema"
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

// fakeConnector is a controllable test double for both directions.
type fakeConnector struct {
	name         string
	manifest     models.ConnectorManifest
	inbox        []fakeInbound
	headersFor   map[string]map[string]string
	translateErr error
	sendErr      error
	sent         []map[string]string
}

type fakeInbound struct {
	id     string
	fields map[string]string
}

var _ connector.Connector = (*fakeConnector)(nil)

func (f *fakeConnector) Name() string                       { return f.name }
func (f *fakeConnector) Manifest() models.ConnectorManifest { return f.manifest }

func (f *fakeConnector) Fetch(ctx context.Context, inst models.ServiceInstance, sink connector.NativeSink) (models.FetchResult, error) {
	stored := 0
	for _, m := range f.inbox {
		if err := sink.Store(m.id, m.fields); err != nil {
			if errors.Is(err, models.ErrDuplicateMessage) {
				continue
			}
			return models.FetchResult{Message: err.Error()}, err
		}
		stored++
	}
	return models.FetchResult{Success: true, Count: stored}, nil
}

func (f *fakeConnector) Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	copied := make(map[string]string, len(native))
	for k, v := range native {
		copied[k] = v
	}
	f.sent = append(f.sent, copied)
	return nil
}

func (f *fakeConnector) TestConnection(ctx context.Context, config map[string]string) models.TestResult {
	return models.TestResult{Success: true, Message: "ok"}
}

func (f *fakeConnector) TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error) {
	if f.translateErr != nil {
		return models.CanonicalFields{}, f.translateErr
	}
	date, err := time.Parse(time.RFC3339, rec.Field("date"))
	if err != nil {
		return models.CanonicalFields{}, err
	}
	return models.CanonicalFields{
		Subject: rec.Field("subject"),
		Body:    rec.Field("body"),
		Sender:  rec.Field("sender"),
		Headers: f.headersFor[rec.NativeID],
		Date:    date,
	}, nil
}

func (f *fakeConnector) TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error) {
	return map[string]string{
		"subject": msg.Subject,
		"body":    msg.Body,
		"source":  sourceName,
	}, nil
}

// harness wires a full pipeline over in-memory backends.
type harness struct {
	store   *store.InMemoryStore
	locks   *lock.MemoryManager
	schemas *schema.Registry

	source *fakeConnector
	dest   *fakeConnector

	ingestor      *Ingestor
	canonicalizer *Canonicalizer
	distributor   *Distributor
	delivery      *DeliveryWorker
	lifecycle     *Lifecycle
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store: store.NewInMemoryStore(),
		locks: lock.NewMemoryManager(),
	}
	h.schemas = schema.NewRegistry(h.store, h.locks)

	h.source = &fakeConnector{
		name: "fakein",
		manifest: models.ConnectorManifest{
			Name:         "fakein",
			FriendlyName: "Fake Inbox",
			Inbound:      true,
			MessageSchemas: models.MessageSchemas{
				Incoming: []models.FieldSpec{
					{Name: "id", Type: models.FieldTypeString, Required: true},
					{Name: "sender", Type: models.FieldTypeString},
					{Name: "subject", Type: models.FieldTypeString},
					{Name: "body", Type: models.FieldTypeString},
					{Name: "date", Type: models.FieldTypeDatetime, Required: true},
				},
			},
		},
		headersFor: make(map[string]map[string]string),
	}
	h.dest = &fakeConnector{
		name: "fakeout",
		manifest: models.ConnectorManifest{
			Name:     "fakeout",
			Outbound: true,
			MessageSchemas: models.MessageSchemas{
				Outgoing: []models.FieldSpec{
					{Name: "body", Type: models.FieldTypeString, Required: true},
				},
			},
		},
	}

	registry := connector.NewRegistry()
	if err := registry.Register(h.source); err != nil {
		t.Fatalf("failed to register source connector: %v", err)
	}
	if err := registry.Register(h.dest); err != nil {
		t.Fatalf("failed to register dest connector: %v", err)
	}

	audit := NewRecorder(h.store)
	h.ingestor = NewIngestor(h.store, registry, h.schemas, h.locks, audit)
	h.canonicalizer = NewCanonicalizer(h.store, registry, h.locks, audit, 3)
	h.distributor = NewDistributor(h.store, h.locks, audit)
	h.delivery = NewDeliveryWorker(h.store, registry, h.schemas, h.locks, audit)
	h.lifecycle = NewLifecycle(h.store, registry, h.schemas, audit)
	return h
}

func (h *harness) activateDefaults(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	err := h.lifecycle.ActivateInstance(ctx, models.ServiceInstance{
		ID: "src-1", Connector: "fakein", InboundEnabled: true,
	})
	if err != nil {
		t.Fatalf("failed to activate source: %v", err)
	}
	err = h.lifecycle.ActivateInstance(ctx, models.ServiceInstance{
		ID: "dest-1", Connector: "fakeout", OutboundEnabled: true,
	})
	if err != nil {
		t.Fatalf("failed to activate dest: %v", err)
	}
}

func (h *harness) subscribe(t *testing.T, user, address string) {
	t.Helper()
	err := h.store.SaveSubscription(models.UserSubscription{
		UserID:            user,
		ServiceInstanceID: "dest-1",
		SourceServiceID:   "src-1",
		Active:            true,
		Config:            map[string]string{models.SubscriptionAddressKey: address},
	})
	if err != nil {
		t.Fatalf("failed to subscribe %s: %v", user, err)
	}
}

func (h *harness) addInbound(id, subject, body string) {
	h.source.inbox = append(h.source.inbox, fakeInbound{
		id: id,
		fields: map[string]string{
			"id":      id,
			"sender":  "alice@example.org",
			"subject": subject,
			"body":    body,
			"date":    "2026-09-01T10:00:00Z",
		},
	})
}

func (h *harness) runAll(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	stages := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"ingest", h.ingestor.RunCycle},
		{"canonicalize", h.canonicalizer.RunCycle},
		{"distribute", h.distributor.RunCycle},
		{"deliver", h.delivery.RunCycle},
	}
	for _, stage := range stages {
		if err := stage.fn(ctx); err != nil {
			t.Fatalf("%s cycle failed: %v", stage.name, err)
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.subscribe(t, "bob", "bob@dest.example")
	h.addInbound("n1", "weekly report", "Numbers are up.")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}

	wantID := util.CanonicalMessageID("src-1", "n1")
	msg, err := h.store.GetCanonicalMessage(wantID)
	if err != nil || msg == nil {
		t.Fatalf("canonical message missing: %v", err)
	}
	if msg.Subject != "weekly report" || msg.Snippet != "Numbers are up." {
		t.Errorf("unexpected canonical message: %+v", msg)
	}

	if err := h.distributor.RunCycle(ctx); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	queued, _ := h.store.QueuedEntries(10)
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued entries, got %d", len(queued))
	}

	if err := h.delivery.RunCycle(ctx); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if len(h.dest.sent) != 2 {
		t.Fatalf("expected 2 sends, got %d", len(h.dest.sent))
	}
	addresses := map[string]bool{}
	for _, native := range h.dest.sent {
		addresses[native[connector.NativeToField]] = true
		if native["source"] != "Fake Inbox" {
			t.Errorf("expected source attribution, got %q", native["source"])
		}
	}
	if !addresses["alice@dest.example"] || !addresses["bob@dest.example"] {
		t.Errorf("unexpected delivery addresses: %v", addresses)
	}

	sent, _ := h.store.EntriesByStatus(models.QueueStatusSent, 10)
	if len(sent) != 2 {
		t.Errorf("expected 2 sent entries, got %d", len(sent))
	}

	// Rerunning every stage changes nothing: the source is re-polled but
	// deduplicated, and no new entries or sends appear.
	h.runAll(t)
	msgs, _ := h.store.ListCanonicalMessages(10)
	if len(msgs) != 1 {
		t.Errorf("expected 1 canonical message after rerun, got %d", len(msgs))
	}
	sent, _ = h.store.EntriesByStatus(models.QueueStatusSent, 10)
	if len(sent) != 2 || len(h.dest.sent) != 2 {
		t.Errorf("rerun must not resend: entries=%d sends=%d", len(sent), len(h.dest.sent))
	}
}

func TestSuppressedMessageSkipsFanout(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.addInbound("n1", "system notice", "internal")
	h.source.headersFor["n1"] = map[string]string{models.HeaderSuppress: "true"}

	h.runAll(t)

	msg, _ := h.store.GetCanonicalMessage(util.CanonicalMessageID("src-1", "n1"))
	if msg == nil || !msg.Distributed {
		t.Fatalf("suppressed message should be marked distributed: %+v", msg)
	}
	queued, _ := h.store.QueuedEntries(10)
	if len(queued) != 0 || len(h.dest.sent) != 0 {
		t.Errorf("suppressed message must not fan out: queued=%d sent=%d", len(queued), len(h.dest.sent))
	}
}

func TestInactiveSubscriptionExcluded(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.subscribe(t, "bob", "bob@dest.example")
	if err := h.store.DeactivateSubscription("bob", "dest-1"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	h.addInbound("n1", "s", "b")

	h.runAll(t)

	if len(h.dest.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(h.dest.sent))
	}
	if h.dest.sent[0][connector.NativeToField] != "alice@dest.example" {
		t.Errorf("unexpected recipient %q", h.dest.sent[0][connector.NativeToField])
	}
}

func TestSendFailureIsTerminalAndRequeueable(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.addInbound("n1", "s", "b")
	h.dest.sendErr = errors.New("gateway down")

	h.runAll(t)

	failed, _ := h.store.EntriesByStatus(models.QueueStatusFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(failed))
	}
	entry := failed[0]
	if entry.ErrorMessage == "" || entry.ProcessedAt == nil {
		t.Errorf("failed entry missing error details: %+v", entry)
	}

	// Another delivery cycle does not retry terminal failures.
	if err := h.delivery.RunCycle(context.Background()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	failed, _ = h.store.EntriesByStatus(models.QueueStatusFailed, 10)
	if len(failed) != 1 || failed[0].ID != entry.ID {
		t.Errorf("failed entry should be untouched: %+v", failed)
	}

	// Requeue creates a fresh entry; with the gateway back up it delivers.
	h.dest.sendErr = nil
	fresh, err := h.delivery.Requeue(entry.ID)
	if err != nil {
		t.Fatalf("requeue failed: %v", err)
	}
	if fresh.ID == entry.ID || fresh.Status != models.QueueStatusQueued {
		t.Errorf("unexpected requeued entry: %+v", fresh)
	}
	if err := h.delivery.RunCycle(context.Background()); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	got, _ := h.store.GetQueueEntry(fresh.ID)
	if got.Status != models.QueueStatusSent {
		t.Errorf("requeued entry should be sent, got %s", got.Status)
	}

	// Only failed entries can be requeued.
	if _, err := h.delivery.Requeue(fresh.ID); !errors.Is(err, models.ErrStatusConflict) {
		t.Errorf("expected ErrStatusConflict requeuing sent entry, got %v", err)
	}
}

func TestInvitationSynthesizesTemporarySubscription(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.addInbound("n1", "you are invited", "join us")
	h.source.headersFor["n1"] = map[string]string{
		models.HeaderInvitation:        "true",
		models.HeaderInvitationAddress: "carol@dest.example",
	}

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}

	// Carol has no subscription, so fan-out would not reach her; the
	// invitation entry is created directly.
	msgID := util.CanonicalMessageID("src-1", "n1")
	if _, err := h.store.EnqueueOutgoing(models.OutgoingQueueEntry{
		CanonicalMessageID:   msgID,
		UserID:               "carol",
		DestinationServiceID: "dest-1",
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := h.delivery.RunCycle(ctx); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if len(h.dest.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(h.dest.sent))
	}
	if h.dest.sent[0][connector.NativeToField] != "carol@dest.example" {
		t.Errorf("expected invitation address, got %q", h.dest.sent[0][connector.NativeToField])
	}

	// The synthesized subscription does not outlive the delivery.
	sub, _ := h.store.GetSubscription("carol", "dest-1")
	if sub == nil || sub.Active {
		t.Errorf("invitation subscription should exist but be inactive: %+v", sub)
	}
}

func TestDistributeResumesAfterPartialFanout(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.subscribe(t, "bob", "bob@dest.example")
	h.addInbound("n1", "s", "b")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}

	// An interrupted fan-out enqueued alice's entry but never marked the
	// message distributed.
	msgID := util.CanonicalMessageID("src-1", "n1")
	if _, err := h.store.EnqueueOutgoing(models.OutgoingQueueEntry{
		CanonicalMessageID:   msgID,
		UserID:               "alice",
		DestinationServiceID: "dest-1",
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	if err := h.distributor.RunCycle(ctx); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	entries, _ := h.store.EntriesForMessage(msgID)
	perUser := map[string]int{}
	for _, e := range entries {
		perUser[e.UserID]++
	}
	if perUser["alice"] != 1 {
		t.Errorf("expected 1 queued entry for alice after resume, got %d", perUser["alice"])
	}
	if perUser["bob"] != 1 {
		t.Errorf("expected 1 queued entry for bob after resume, got %d", perUser["bob"])
	}
	msg, _ := h.store.GetCanonicalMessage(msgID)
	if msg == nil || !msg.Distributed {
		t.Errorf("message should be marked distributed after resume: %+v", msg)
	}
}

func TestInvitationPreservesExistingSubscription(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)

	// Carol unsubscribed earlier; her stored config must survive an
	// invitation delivered to a different address.
	if err := h.store.SaveSubscription(models.UserSubscription{
		UserID:            "carol",
		ServiceInstanceID: "dest-1",
		SourceServiceID:   "src-1",
		Active:            false,
		Config: map[string]string{
			models.SubscriptionAddressKey: "carol-old@dest.example",
			"digest":                      "daily",
		},
	}); err != nil {
		t.Fatalf("save subscription failed: %v", err)
	}

	h.addInbound("n1", "you are invited", "join us")
	h.source.headersFor["n1"] = map[string]string{
		models.HeaderInvitation:        "true",
		models.HeaderInvitationAddress: "carol-new@dest.example",
	}

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if _, err := h.store.EnqueueOutgoing(models.OutgoingQueueEntry{
		CanonicalMessageID:   util.CanonicalMessageID("src-1", "n1"),
		UserID:               "carol",
		DestinationServiceID: "dest-1",
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := h.delivery.RunCycle(ctx); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	if len(h.dest.sent) != 1 || h.dest.sent[0][connector.NativeToField] != "carol-new@dest.example" {
		t.Fatalf("expected delivery to the invitation address, got %+v", h.dest.sent)
	}

	sub, _ := h.store.GetSubscription("carol", "dest-1")
	if sub == nil || sub.Active {
		t.Fatalf("subscription should be inactive again: %+v", sub)
	}
	if sub.Config[models.SubscriptionAddressKey] != "carol-old@dest.example" || sub.Config["digest"] != "daily" {
		t.Errorf("stored config should be untouched: %v", sub.Config)
	}
	if sub.SourceServiceID != "src-1" {
		t.Errorf("stored source should be untouched: %q", sub.SourceServiceID)
	}
}

func TestCapabilityForcing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// fakein declares inbound only; requesting outbound gets forced off.
	err := h.lifecycle.ActivateInstance(ctx, models.ServiceInstance{
		ID: "src-1", Connector: "fakein", InboundEnabled: true, OutboundEnabled: true,
	})
	if err != nil {
		t.Fatalf("activation failed: %v", err)
	}

	inst, _ := h.store.GetServiceInstance("src-1")
	if inst.OutboundEnabled {
		t.Error("outbound should be forced off for inbound-only connector")
	}
	if _, err := h.schemas.Handle("src-1", models.DirectionOutbound); !errors.Is(err, models.ErrStoreNotFound) {
		t.Errorf("no outbound store should exist, got %v", err)
	}
	if _, err := h.schemas.Handle("src-1", models.DirectionInbound); err != nil {
		t.Errorf("inbound store should exist: %v", err)
	}
}

func TestCanonicalizeRetryBound(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.addInbound("n1", "s", "b")
	h.source.translateErr = errors.New("mapping broken")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	// maxAttempts is 3 in the harness; extra cycles must not bump further.
	for i := 0; i < 5; i++ {
		if err := h.canonicalizer.RunCycle(ctx); err != nil {
			t.Fatalf("canonicalize cycle %d failed: %v", i, err)
		}
	}

	msgs, _ := h.store.ListCanonicalMessages(10)
	if len(msgs) != 0 {
		t.Errorf("no canonical message expected, got %d", len(msgs))
	}
	_, pending, _ := h.store.NativeMessageCounts("src-1", models.DirectionInbound)
	if pending != 1 {
		t.Errorf("record should stay pending, got %d", pending)
	}
	recs, _ := h.store.NewNativeMessages("src-1", 3)
	if len(recs) != 0 {
		t.Errorf("record should be hidden at the attempt bound, got %d", len(recs))
	}

	// A fixed translator does not resurrect it; the bound is terminal until
	// an operator intervenes.
	h.source.translateErr = nil
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	msgs, _ = h.store.ListCanonicalMessages(10)
	if len(msgs) != 0 {
		t.Errorf("frozen record must not be retried, got %d messages", len(msgs))
	}
}

func TestHeldLockSkipsEntity(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.addInbound("n1", "s", "b")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}

	msgID := util.CanonicalMessageID("src-1", "n1")
	lease, err := h.locks.Acquire(ctx, util.DistLockKey(msgID), time.Minute, 0)
	if err != nil {
		t.Fatalf("failed to hold lock: %v", err)
	}

	if err := h.distributor.RunCycle(ctx); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	msg, _ := h.store.GetCanonicalMessage(msgID)
	if msg.Distributed {
		t.Error("locked message should be skipped, not distributed")
	}

	lease.Release()
	if err := h.distributor.RunCycle(ctx); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}
	msg, _ = h.store.GetCanonicalMessage(msgID)
	if !msg.Distributed {
		t.Error("message should distribute once the lock is free")
	}
}

func TestRemoveInstance(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.addInbound("n1", "s", "b")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}
	if err := h.distributor.RunCycle(ctx); err != nil {
		t.Fatalf("distribute failed: %v", err)
	}

	if err := h.lifecycle.RemoveInstance(ctx, "dest-1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	if inst, _ := h.store.GetServiceInstance("dest-1"); inst != nil {
		t.Error("instance record should be gone")
	}
	queued, _ := h.store.QueuedEntries(10)
	if len(queued) != 0 {
		t.Errorf("queue entries for the instance should be deleted, got %d", len(queued))
	}
	// Canonical history survives instance removal.
	msgs, _ := h.store.ListCanonicalMessages(10)
	if len(msgs) != 1 {
		t.Errorf("canonical messages should be kept, got %d", len(msgs))
	}
}

func TestIngestIsolatesFailingInstances(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)

	// A second inbound instance whose store was never provisioned fails its
	// poll; the healthy instance still ingests.
	if err := h.store.SaveServiceInstance(models.ServiceInstance{
		ID: "src-broken", Connector: "fakein", InboundEnabled: true,
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	h.addInbound("n1", "s", "b")

	if err := h.ingestor.RunCycle(context.Background()); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	total, _, _ := h.store.NativeMessageCounts("src-1", models.DirectionInbound)
	if total != 1 {
		t.Errorf("healthy instance should ingest, got %d", total)
	}

	events, _ := h.store.AuditEvents("src-broken", 10)
	found := false
	for _, ev := range events {
		if ev.EventType == models.AuditError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected error audit event for broken instance, got %+v", events)
	}
}

func TestAuditTrailCoversPipeline(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.subscribe(t, "alice", "alice@dest.example")
	h.addInbound("n1", "s", "b")

	h.runAll(t)

	all, _ := h.store.AuditEvents("", 100)
	byType := map[string]int{}
	for _, ev := range all {
		byType[ev.EventType]++
	}
	for _, want := range []string{
		models.AuditProvision,
		models.AuditInboundPoll,
		models.AuditProcessed,
		models.AuditDistributed,
		models.AuditSend,
	} {
		if byType[want] == 0 {
			t.Errorf("expected at least one %s event, got %v", want, byType)
		}
	}
}

func TestDeliveryFailsEntryWithoutSubscription(t *testing.T) {
	h := newHarness(t)
	h.activateDefaults(t)
	h.addInbound("n1", "s", "b")

	ctx := context.Background()
	if err := h.ingestor.RunCycle(ctx); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if err := h.canonicalizer.RunCycle(ctx); err != nil {
		t.Fatalf("canonicalize failed: %v", err)
	}

	if _, err := h.store.EnqueueOutgoing(models.OutgoingQueueEntry{
		CanonicalMessageID:   util.CanonicalMessageID("src-1", "n1"),
		UserID:               "nobody",
		DestinationServiceID: "dest-1",
	}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := h.delivery.RunCycle(ctx); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	failed, _ := h.store.EntriesByStatus(models.QueueStatusFailed, 10)
	if len(failed) != 1 {
		t.Fatalf("expected 1 failed entry, got %d", len(failed))
	}
	if failed[0].ErrorMessage != fmt.Sprintf("user %s has no active subscription on %s", "nobody", "dest-1") {
		t.Errorf("unexpected error message %q", failed[0].ErrorMessage)
	}
}
