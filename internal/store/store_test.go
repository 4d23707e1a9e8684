package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
)

// withBackends runs a test body against both the in-memory and SQLite
// backends, since they must behave identically.
func withBackends(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewInMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "relayhub.db")
		s, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
		if err != nil {
			t.Fatalf("failed to open sqlite store: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://user:pw@localhost/db":   "postgres",
		"postgresql://user:pw@localhost/db": "postgres",
		"host=localhost dbname=relay":       "postgres",
		"/var/lib/relayhub/relayhub.db":     "sqlite",
		"relayhub.db":                       "sqlite",
	}
	for dsn, want := range cases {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestServiceInstanceRoundTrip(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		inst := models.ServiceInstance{
			ID:             "inst-1",
			Connector:      "mailpoll",
			Config:         map[string]string{"maildir": "/tmp/mail"},
			InboundEnabled: true,
		}
		if err := s.SaveServiceInstance(inst); err != nil {
			t.Fatalf("save failed: %v", err)
		}

		got, err := s.GetServiceInstance("inst-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got == nil || got.Connector != "mailpoll" || got.Config["maildir"] != "/tmp/mail" {
			t.Errorf("unexpected instance: %+v", got)
		}

		missing, err := s.GetServiceInstance("nope")
		if err != nil {
			t.Fatalf("get missing failed: %v", err)
		}
		if missing != nil {
			t.Error("expected nil for missing instance")
		}

		list, err := s.ListServiceInstances()
		if err != nil || len(list) != 1 {
			t.Fatalf("expected 1 instance, got %d (err %v)", len(list), err)
		}

		if err := s.DeleteServiceInstance("inst-1"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		list, _ = s.ListServiceInstances()
		if len(list) != 0 {
			t.Errorf("expected empty list after delete, got %d", len(list))
		}
	})
}

func TestNativeStoreLifecycle(t *testing.T) {
	specs := []models.FieldSpec{
		{Name: "message_id", Type: models.FieldTypeString, Required: true},
		{Name: "body", Type: models.FieldTypeString},
	}

	withBackends(t, func(t *testing.T, s Store) {
		if _, exists, _ := s.NativeSchema("inst-1", models.DirectionInbound); exists {
			t.Fatal("schema should not exist before provisioning")
		}

		dropped, err := s.ProvisionNativeStore("inst-1", models.DirectionInbound, specs)
		if err != nil {
			t.Fatalf("provision failed: %v", err)
		}
		if dropped != 0 {
			t.Errorf("fresh provision dropped %d rows", dropped)
		}

		got, exists, err := s.NativeSchema("inst-1", models.DirectionInbound)
		if err != nil || !exists {
			t.Fatalf("schema lookup failed: exists=%v err=%v", exists, err)
		}
		if len(got) != 2 || got[0].Name != "message_id" {
			t.Errorf("unexpected schema: %+v", got)
		}

		if _, err := s.AddNativeMessage(models.NativeMessageRecord{
			ServiceInstanceID: "inst-1",
			Direction:         models.DirectionInbound,
			NativeID:          "n1",
			Fields:            map[string]string{"message_id": "n1", "body": "hi"},
		}); err != nil {
			t.Fatalf("add native failed: %v", err)
		}

		// Re-provision drops existing rows and reports the count.
		dropped, err = s.ProvisionNativeStore("inst-1", models.DirectionInbound, specs)
		if err != nil {
			t.Fatalf("re-provision failed: %v", err)
		}
		if dropped != 1 {
			t.Errorf("expected 1 dropped row, got %d", dropped)
		}

		if err := s.TeardownNativeStore("inst-1", models.DirectionInbound); err != nil {
			t.Fatalf("teardown failed: %v", err)
		}
		if _, exists, _ := s.NativeSchema("inst-1", models.DirectionInbound); exists {
			t.Error("schema should be gone after teardown")
		}
		// Tearing down a missing store succeeds.
		if err := s.TeardownNativeStore("inst-1", models.DirectionInbound); err != nil {
			t.Errorf("second teardown should succeed, got %v", err)
		}
	})
}

func TestNativeMessageDedupAndAttempts(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		rec := models.NativeMessageRecord{
			ServiceInstanceID: "inst-1",
			Direction:         models.DirectionInbound,
			NativeID:          "n1",
			Fields:            map[string]string{"body": "hi"},
		}
		id, err := s.AddNativeMessage(rec)
		if err != nil {
			t.Fatalf("add failed: %v", err)
		}
		if _, err := s.AddNativeMessage(rec); !errors.Is(err, models.ErrDuplicateMessage) {
			t.Errorf("expected ErrDuplicateMessage, got %v", err)
		}
		// Same native id in the other direction is a different store.
		out := rec
		out.ID = ""
		out.Direction = models.DirectionOutbound
		if _, err := s.AddNativeMessage(out); err != nil {
			t.Errorf("same native id in other direction should insert: %v", err)
		}

		recs, err := s.NewNativeMessages("inst-1", 5)
		if err != nil || len(recs) != 1 {
			t.Fatalf("expected 1 new inbound record, got %d (err %v)", len(recs), err)
		}

		// Attempts past the bound hide the record without changing status.
		for i := 0; i < 5; i++ {
			if _, err := s.BumpNativeAttempts(id); err != nil {
				t.Fatalf("bump failed: %v", err)
			}
		}
		recs, _ = s.NewNativeMessages("inst-1", 5)
		if len(recs) != 0 {
			t.Errorf("expected record hidden at attempt bound, got %d", len(recs))
		}
		total, pending, err := s.NativeMessageCounts("inst-1", models.DirectionInbound)
		if err != nil || total != 1 || pending != 1 {
			t.Errorf("expected total=1 pending=1, got total=%d pending=%d err=%v", total, pending, err)
		}

		if err := s.MarkNativeProcessed(id); err != nil {
			t.Fatalf("mark processed failed: %v", err)
		}
		_, pending, _ = s.NativeMessageCounts("inst-1", models.DirectionInbound)
		if pending != 0 {
			t.Errorf("expected 0 pending after processing, got %d", pending)
		}
	})
}

func TestCanonicalMessageDedup(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		msg := models.CanonicalMessage{
			ID:              "cm-1",
			SourceServiceID: "inst-1",
			SourceNativeID:  "n1",
			Subject:         "hello",
			Body:            "body",
			Snippet:         "body",
			Sender:          "a@example.org",
			Date:            time.Now().UTC(),
		}
		if err := s.AddCanonicalMessage(msg); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		dup := msg
		dup.ID = "cm-other"
		if err := s.AddCanonicalMessage(dup); !errors.Is(err, models.ErrDuplicateMessage) {
			t.Errorf("expected ErrDuplicateMessage, got %v", err)
		}

		exists, err := s.CanonicalMessageExists("inst-1", "n1")
		if err != nil || !exists {
			t.Errorf("expected message to exist, got exists=%v err=%v", exists, err)
		}

		undist, err := s.UndistributedCanonicalMessages(10)
		if err != nil || len(undist) != 1 {
			t.Fatalf("expected 1 undistributed, got %d (err %v)", len(undist), err)
		}
		if err := s.MarkCanonicalDistributed("cm-1"); err != nil {
			t.Fatalf("mark distributed failed: %v", err)
		}
		undist, _ = s.UndistributedCanonicalMessages(10)
		if len(undist) != 0 {
			t.Errorf("expected 0 undistributed after mark, got %d", len(undist))
		}

		got, err := s.GetCanonicalMessage("cm-1")
		if err != nil || got == nil || !got.Distributed {
			t.Errorf("expected distributed message, got %+v (err %v)", got, err)
		}
	})
}

func TestSubscriptions(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		save := func(user, dest, source string, active bool) {
			t.Helper()
			err := s.SaveSubscription(models.UserSubscription{
				UserID:            user,
				ServiceInstanceID: dest,
				SourceServiceID:   source,
				Active:            active,
				Config:            map[string]string{models.SubscriptionAddressKey: user + "@example.org"},
			})
			if err != nil {
				t.Fatalf("save subscription failed: %v", err)
			}
		}
		save("alice", "mail-out", "src-1", true)
		save("bob", "mail-out", "src-1", true)
		save("carol", "mail-out", "src-2", true)
		save("dave", "mail-out", "src-1", false)

		subs, err := s.ActiveSubscriptionsBySource("src-1")
		if err != nil {
			t.Fatalf("list by source failed: %v", err)
		}
		if len(subs) != 2 {
			t.Fatalf("expected 2 active subs for src-1, got %d", len(subs))
		}
		if subs[0].UserID != "alice" || subs[1].UserID != "bob" {
			t.Errorf("unexpected sub order: %+v", subs)
		}

		if err := s.DeactivateSubscription("alice", "mail-out"); err != nil {
			t.Fatalf("deactivate failed: %v", err)
		}
		subs, _ = s.ActiveSubscriptionsBySource("src-1")
		if len(subs) != 1 || subs[0].UserID != "bob" {
			t.Errorf("expected only bob active, got %+v", subs)
		}

		got, err := s.GetSubscription("alice", "mail-out")
		if err != nil || got == nil || got.Active {
			t.Errorf("expected inactive alice subscription, got %+v (err %v)", got, err)
		}
	})
}

func TestQueueStatusTransitions(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		id, err := s.EnqueueOutgoing(models.OutgoingQueueEntry{
			CanonicalMessageID:   "cm-1",
			UserID:               "alice",
			DestinationServiceID: "mail-out",
		})
		if err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}

		// sent before processing is illegal
		if err := s.MarkEntrySent(id, ""); !errors.Is(err, models.ErrStatusConflict) {
			t.Errorf("expected ErrStatusConflict for queued->sent, got %v", err)
		}

		if err := s.MarkEntryProcessing(id); err != nil {
			t.Fatalf("mark processing failed: %v", err)
		}
		// double claim is rejected
		if err := s.MarkEntryProcessing(id); !errors.Is(err, models.ErrStatusConflict) {
			t.Errorf("expected ErrStatusConflict for second claim, got %v", err)
		}

		if err := s.MarkEntrySent(id, "native-7"); err != nil {
			t.Fatalf("mark sent failed: %v", err)
		}
		// terminal states never regress
		if err := s.MarkEntryFailed(id, "boom"); !errors.Is(err, models.ErrStatusConflict) {
			t.Errorf("expected ErrStatusConflict for sent->failed, got %v", err)
		}

		got, err := s.GetQueueEntry(id)
		if err != nil || got == nil {
			t.Fatalf("get entry failed: %v", err)
		}
		if got.Status != models.QueueStatusSent || got.NativeOutgoingID != "native-7" || got.ProcessedAt == nil {
			t.Errorf("unexpected entry: %+v", got)
		}
	})
}

func TestFailStaleProcessingEntries(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		stale, _ := s.EnqueueOutgoing(models.OutgoingQueueEntry{CanonicalMessageID: "cm-1", UserID: "a", DestinationServiceID: "d"})
		fresh, _ := s.EnqueueOutgoing(models.OutgoingQueueEntry{CanonicalMessageID: "cm-2", UserID: "b", DestinationServiceID: "d"})
		if err := s.MarkEntryProcessing(stale); err != nil {
			t.Fatalf("claim failed: %v", err)
		}

		n, err := s.FailStaleProcessingEntries(time.Now().Add(time.Second), "crash recovery")
		if err != nil {
			t.Fatalf("fail stale failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 stale entry failed, got %d", n)
		}

		got, _ := s.GetQueueEntry(stale)
		if got.Status != models.QueueStatusFailed || got.ErrorMessage != "crash recovery" {
			t.Errorf("unexpected stale entry: %+v", got)
		}
		got, _ = s.GetQueueEntry(fresh)
		if got.Status != models.QueueStatusQueued {
			t.Errorf("queued entry should be untouched, got %+v", got)
		}
	})
}

func TestDeleteEntriesForInstance(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		s.EnqueueOutgoing(models.OutgoingQueueEntry{CanonicalMessageID: "cm-1", UserID: "a", DestinationServiceID: "gone"})
		s.EnqueueOutgoing(models.OutgoingQueueEntry{CanonicalMessageID: "cm-1", UserID: "b", DestinationServiceID: "gone"})
		s.EnqueueOutgoing(models.OutgoingQueueEntry{CanonicalMessageID: "cm-1", UserID: "c", DestinationServiceID: "kept"})

		n, err := s.DeleteEntriesForInstance("gone")
		if err != nil || n != 2 {
			t.Fatalf("expected 2 deleted, got %d (err %v)", n, err)
		}
		entries, _ := s.QueuedEntries(10)
		if len(entries) != 1 || entries[0].DestinationServiceID != "kept" {
			t.Errorf("unexpected remaining entries: %+v", entries)
		}
	})
}

func TestEntriesForMessage(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		for _, e := range []models.OutgoingQueueEntry{
			{CanonicalMessageID: "cm-1", UserID: "alice", DestinationServiceID: "dest-1"},
			{CanonicalMessageID: "cm-1", UserID: "bob", DestinationServiceID: "dest-1"},
			{CanonicalMessageID: "cm-2", UserID: "alice", DestinationServiceID: "dest-1"},
		} {
			if _, err := s.EnqueueOutgoing(e); err != nil {
				t.Fatalf("enqueue failed: %v", err)
			}
		}

		entries, err := s.EntriesForMessage("cm-1")
		if err != nil || len(entries) != 2 {
			t.Fatalf("expected 2 entries for cm-1, got %d (err %v)", len(entries), err)
		}
		for _, e := range entries {
			if e.CanonicalMessageID != "cm-1" {
				t.Errorf("unexpected entry %+v", e)
			}
		}

		none, err := s.EntriesForMessage("cm-none")
		if err != nil || len(none) != 0 {
			t.Errorf("expected no entries, got %d (err %v)", len(none), err)
		}
	})
}

func TestAuditEvents(t *testing.T) {
	withBackends(t, func(t *testing.T, s Store) {
		for i, instanceID := range []string{"inst-1", "inst-2", "inst-1"} {
			err := s.AddAuditEvent(models.AuditEvent{
				EventType:         models.AuditInfo,
				ServiceInstanceID: instanceID,
				Details:           "event",
				Timestamp:         time.Now().Add(time.Duration(i) * time.Millisecond),
			})
			if err != nil {
				t.Fatalf("add audit failed: %v", err)
			}
		}

		all, err := s.AuditEvents("", 10)
		if err != nil || len(all) != 3 {
			t.Fatalf("expected 3 events, got %d (err %v)", len(all), err)
		}
		filtered, err := s.AuditEvents("inst-1", 10)
		if err != nil || len(filtered) != 2 {
			t.Fatalf("expected 2 events for inst-1, got %d (err %v)", len(filtered), err)
		}
		limited, _ := s.AuditEvents("", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit to apply, got %d", len(limited))
		}
	})
}

// TestPostgresStoreIntegration exercises the PostgreSQL backend against a
// real database. Set RELAYHUB_TEST_POSTGRES_DSN to run it.
func TestPostgresStoreIntegration(t *testing.T) {
	dsn := os.Getenv("RELAYHUB_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skipf("RELAYHUB_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration test")
	}

	s, err := NewPostgresStore(WithPostgresDSN(dsn))
	if err != nil {
		t.Fatalf("failed to open postgres store: %v", err)
	}
	defer s.Close()

	instanceID := fmt.Sprintf("pgtest-%d", time.Now().UnixNano())
	inst := models.ServiceInstance{
		ID:             instanceID,
		Connector:      "webhook",
		Config:         map[string]string{"url": "https://example.org/hook"},
		InboundEnabled: true,
	}
	if err := s.SaveServiceInstance(inst); err != nil {
		t.Fatalf("save instance failed: %v", err)
	}
	t.Cleanup(func() {
		s.DeleteEntriesForInstance(instanceID)
		s.TeardownNativeStore(instanceID, models.DirectionInbound)
		s.DeleteServiceInstance(instanceID)
	})

	got, err := s.GetServiceInstance(instanceID)
	if err != nil || got == nil {
		t.Fatalf("get instance failed: %+v (err %v)", got, err)
	}
	if got.Config["url"] != "https://example.org/hook" {
		t.Errorf("config did not round trip: %v", got.Config)
	}

	specs := []models.FieldSpec{
		{Name: "id", Type: models.FieldTypeString, Required: true},
		{Name: "body", Type: models.FieldTypeString},
	}
	if _, err := s.ProvisionNativeStore(instanceID, models.DirectionInbound, specs); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	rec := models.NativeMessageRecord{
		ServiceInstanceID: instanceID,
		Direction:         models.DirectionInbound,
		NativeID:          "pg-native-1",
		Fields:            map[string]string{"id": "pg-native-1", "body": "hello"},
	}
	if _, err := s.AddNativeMessage(rec); err != nil {
		t.Fatalf("add native failed: %v", err)
	}
	if _, err := s.AddNativeMessage(rec); !errors.Is(err, models.ErrDuplicateMessage) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}
