package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msgrelay/relayhub/internal/lock"
	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

const (
	distLease = 30 * time.Second
	// distBatchSize bounds how many undistributed messages one cycle handles.
	distBatchSize = 100
)

// Distributor fans undistributed canonical messages out into per-recipient
// outgoing queue entries, one per active subscription on the source
// instance. Suppressed messages are marked distributed with zero entries.
type Distributor struct {
	store store.Store
	locks lock.Manager
	audit *Recorder
}

// NewDistributor creates the distribution stage.
func NewDistributor(st store.Store, locks lock.Manager, audit *Recorder) *Distributor {
	return &Distributor{store: st, locks: locks, audit: audit}
}

// RunCycle distributes one batch of undistributed messages. A message whose
// lock is held is skipped. A rerun after a crash picks up the message that
// never got its distributed mark and skips recipients whose entries were
// already enqueued, so each subscriber ends up with exactly one entry.
func (d *Distributor) RunCycle(ctx context.Context) error {
	msgs, err := d.store.UndistributedCanonicalMessages(distBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list undistributed messages: %w", err)
	}

	for _, msg := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := d.distributeMessage(ctx, msg); err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				continue
			}
			slog.Error("Distributor.RunCycle: failed to distribute message", "messageID", msg.ID, "error", err)
			d.audit.Error(msg.SourceServiceID, fmt.Sprintf("distribution of %s failed: %v", msg.ID, err))
		}
	}
	return nil
}

func (d *Distributor) distributeMessage(ctx context.Context, msg models.CanonicalMessage) error {
	lease, err := d.locks.Acquire(ctx, util.DistLockKey(msg.ID), distLease, 0)
	if err != nil {
		return err
	}
	defer lease.Release()

	if msg.Suppressed() {
		if err := d.store.MarkCanonicalDistributed(msg.ID); err != nil {
			return fmt.Errorf("failed to mark suppressed message distributed: %w", err)
		}
		slog.Info("Distributor.distributeMessage: fan-out suppressed", "messageID", msg.ID)
		d.audit.Event(models.AuditDistributed, msg.SourceServiceID, fmt.Sprintf("suppressed %s, 0 recipient(s)", msg.ID))
		return nil
	}

	subs, err := d.store.ActiveSubscriptionsBySource(msg.SourceServiceID)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	// Entries left behind by an interrupted run. Those recipients are
	// skipped rather than enqueued a second time.
	existing, err := d.store.EntriesForMessage(msg.ID)
	if err != nil {
		return fmt.Errorf("failed to list existing entries: %w", err)
	}
	enqueuedFor := make(map[string]bool, len(existing))
	for _, e := range existing {
		enqueuedFor[e.UserID+"\x00"+e.DestinationServiceID] = true
	}

	enqueued := 0
	for _, sub := range subs {
		if enqueuedFor[sub.UserID+"\x00"+sub.ServiceInstanceID] {
			slog.Debug("Distributor.distributeMessage: entry already enqueued, skipping", "messageID", msg.ID, "userID", sub.UserID, "destination", sub.ServiceInstanceID)
			continue
		}
		_, err := d.store.EnqueueOutgoing(models.OutgoingQueueEntry{
			ID:                   util.GenerateEntryID(),
			CanonicalMessageID:   msg.ID,
			UserID:               sub.UserID,
			DestinationServiceID: sub.ServiceInstanceID,
			Status:               models.QueueStatusQueued,
			CreatedAt:            time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue for user %s: %w", sub.UserID, err)
		}
		enqueued++
	}

	if err := d.store.MarkCanonicalDistributed(msg.ID); err != nil {
		return fmt.Errorf("failed to mark message distributed: %w", err)
	}
	slog.Info("Distributor.distributeMessage: message distributed", "messageID", msg.ID, "recipients", enqueued)
	d.audit.Event(models.AuditDistributed, msg.SourceServiceID, fmt.Sprintf("distributed %s to %d recipient(s)", msg.ID, enqueued))
	return nil
}
