package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/msgrelay/relayhub/internal/connector"
	"github.com/msgrelay/relayhub/internal/lock"
	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/schema"
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

const (
	sendLease = 1 * time.Minute
	// sendBatchSize bounds how many queued entries one cycle handles.
	sendBatchSize = 100
)

// DeliveryWorker drains the outgoing queue: each queued entry is claimed,
// rendered into the destination connector's native form, and sent. A send
// failure is terminal for the entry; redelivery is an explicit operator
// action that creates a fresh entry.
type DeliveryWorker struct {
	store      store.Store
	connectors *connector.Registry
	schemas    *schema.Registry
	locks      lock.Manager
	audit      *Recorder
}

// NewDeliveryWorker creates the delivery stage.
func NewDeliveryWorker(st store.Store, connectors *connector.Registry, schemas *schema.Registry, locks lock.Manager, audit *Recorder) *DeliveryWorker {
	return &DeliveryWorker{store: st, connectors: connectors, schemas: schemas, locks: locks, audit: audit}
}

// RunCycle delivers one batch of queued entries. Entries are isolated; a
// contended lock or a lost processing claim just skips the entry.
func (w *DeliveryWorker) RunCycle(ctx context.Context) error {
	entries, err := w.store.QueuedEntries(sendBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list queued entries: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.deliverEntry(ctx, entry); err != nil {
			if errors.Is(err, lock.ErrNotAcquired) || errors.Is(err, models.ErrStatusConflict) {
				continue
			}
			slog.Error("DeliveryWorker.RunCycle: delivery failed", "entryID", entry.ID, "error", err)
		}
	}
	return nil
}

func (w *DeliveryWorker) deliverEntry(ctx context.Context, entry models.OutgoingQueueEntry) error {
	lease, err := w.locks.Acquire(ctx, util.SendLockKey(entry.ID), sendLease, 0)
	if err != nil {
		return err
	}
	defer lease.Release()

	// Claim the entry. A conflict means another worker already advanced it.
	if err := w.store.MarkEntryProcessing(entry.ID); err != nil {
		if errors.Is(err, models.ErrStatusConflict) {
			slog.Debug("DeliveryWorker.deliverEntry: entry already claimed", "entryID", entry.ID)
		}
		return err
	}

	msg, err := w.store.GetCanonicalMessage(entry.CanonicalMessageID)
	if err != nil {
		return w.failEntry(entry, fmt.Sprintf("canonical message %s unavailable: %v", entry.CanonicalMessageID, err))
	}
	if msg == nil {
		return w.failEntry(entry, fmt.Sprintf("canonical message %s not found", entry.CanonicalMessageID))
	}

	dest, err := w.store.GetServiceInstance(entry.DestinationServiceID)
	if err != nil {
		return w.failEntry(entry, fmt.Sprintf("destination instance %s unavailable: %v", entry.DestinationServiceID, err))
	}
	if dest == nil {
		return w.failEntry(entry, fmt.Sprintf("destination instance %s not found", entry.DestinationServiceID))
	}
	if !dest.OutboundEnabled {
		return w.failEntry(entry, fmt.Sprintf("destination instance %s has outbound disabled", dest.ID))
	}
	conn, ok := w.connectors.Get(dest.Connector)
	if !ok {
		return w.failEntry(entry, fmt.Sprintf("no connector registered for %q", dest.Connector))
	}

	address, tempSub, err := w.resolveAddress(entry, msg)
	if err != nil {
		return w.failEntry(entry, err.Error())
	}
	if tempSub {
		// The synthesized invitation subscription must not outlive this
		// delivery, whatever the outcome.
		defer func() {
			if err := w.store.DeactivateSubscription(entry.UserID, entry.DestinationServiceID); err != nil {
				slog.Error("DeliveryWorker.deliverEntry: failed to deactivate invitation subscription", "entryID", entry.ID, "error", err)
			}
		}()
	}

	native, err := conn.TranslateFromCanonical(*msg, w.sourceName(msg.SourceServiceID))
	if err != nil {
		return w.failEntry(entry, fmt.Sprintf("translation failed: %v", err))
	}
	native[connector.NativeToField] = address

	// Mirror the rendered message into the destination's outbound native
	// store when one is provisioned. Best effort; delivery proceeds without
	// the record.
	nativeOutgoingID := ""
	if handle, err := w.schemas.Handle(dest.ID, models.DirectionOutbound); err == nil {
		if err := handle.Store(entry.ID, native); err != nil && !errors.Is(err, models.ErrDuplicateMessage) {
			slog.Error("DeliveryWorker.deliverEntry: failed to record outbound message", "entryID", entry.ID, "error", err)
		} else {
			nativeOutgoingID = entry.ID
		}
	} else if !errors.Is(err, models.ErrStoreNotFound) {
		slog.Error("DeliveryWorker.deliverEntry: outbound store lookup failed", "entryID", entry.ID, "error", err)
	}

	if err := conn.Send(ctx, *dest, native); err != nil {
		return w.failEntry(entry, fmt.Sprintf("send failed: %v", err))
	}

	if err := w.store.MarkEntrySent(entry.ID, nativeOutgoingID); err != nil {
		return fmt.Errorf("failed to mark entry sent: %w", err)
	}
	slog.Info("DeliveryWorker.deliverEntry: message delivered", "entryID", entry.ID, "messageID", msg.ID, "destination", dest.ID, "user", entry.UserID)
	w.audit.Event(models.AuditSend, dest.ID, fmt.Sprintf("delivered %s to user %s", msg.ID, entry.UserID))
	return nil
}

// resolveAddress finds the delivery address for the entry's recipient. For
// invitation messages carrying an explicit address, a temporary active
// subscription is synthesized when the user has no active one; the returned
// flag tells the caller to deactivate it after the delivery attempt.
func (w *DeliveryWorker) resolveAddress(entry models.OutgoingQueueEntry, msg *models.CanonicalMessage) (string, bool, error) {
	sub, err := w.store.GetSubscription(entry.UserID, entry.DestinationServiceID)
	if err != nil {
		return "", false, fmt.Errorf("subscription lookup failed: %w", err)
	}

	if msg.Invitation() {
		if addr := msg.Header(models.HeaderInvitationAddress); addr != "" {
			if sub != nil && sub.Active {
				if sub.Address() != "" {
					return sub.Address(), false, nil
				}
				return addr, false, nil
			}
			now := time.Now().UTC()
			invite := models.UserSubscription{
				UserID:            entry.UserID,
				ServiceInstanceID: entry.DestinationServiceID,
				SourceServiceID:   msg.SourceServiceID,
				Active:            true,
				Config:            map[string]string{models.SubscriptionAddressKey: addr},
				CreatedAt:         now,
				UpdatedAt:         now,
			}
			if sub != nil {
				// A deactivated subscription is reactivated for the attempt
				// with its stored config and source left untouched.
				invite = *sub
				invite.Active = true
				invite.UpdatedAt = now
			}
			if err := w.store.SaveSubscription(invite); err != nil {
				return "", false, fmt.Errorf("failed to save invitation subscription: %w", err)
			}
			return addr, true, nil
		}
	}

	if sub == nil || !sub.Active {
		return "", false, fmt.Errorf("user %s has no active subscription on %s", entry.UserID, entry.DestinationServiceID)
	}
	addr := sub.Address()
	if addr == "" {
		return "", false, fmt.Errorf("subscription for user %s on %s has no address", entry.UserID, entry.DestinationServiceID)
	}
	return addr, false, nil
}

// sourceName resolves the human-facing name of the source instance's
// connector for attribution headers.
func (w *DeliveryWorker) sourceName(sourceServiceID string) string {
	src, err := w.store.GetServiceInstance(sourceServiceID)
	if err != nil || src == nil {
		return sourceServiceID
	}
	if conn, ok := w.connectors.Get(src.Connector); ok {
		m := conn.Manifest()
		if m.FriendlyName != "" {
			return m.FriendlyName
		}
		return m.Name
	}
	return src.Connector
}

// Requeue creates a fresh queued entry for the same message and recipient as
// a failed one. The failed entry keeps its terminal status.
func (w *DeliveryWorker) Requeue(entryID string) (*models.OutgoingQueueEntry, error) {
	old, err := w.store.GetQueueEntry(entryID)
	if err != nil {
		return nil, fmt.Errorf("queue entry %s unavailable: %w", entryID, err)
	}
	if old == nil {
		return nil, fmt.Errorf("queue entry %s not found", entryID)
	}
	if old.Status != models.QueueStatusFailed {
		return nil, fmt.Errorf("%w: entry %s is %s, only failed entries can be requeued", models.ErrStatusConflict, entryID, old.Status)
	}

	fresh := models.OutgoingQueueEntry{
		ID:                   util.GenerateEntryID(),
		CanonicalMessageID:   old.CanonicalMessageID,
		UserID:               old.UserID,
		DestinationServiceID: old.DestinationServiceID,
		Status:               models.QueueStatusQueued,
		CreatedAt:            time.Now().UTC(),
	}
	if _, err := w.store.EnqueueOutgoing(fresh); err != nil {
		return nil, fmt.Errorf("failed to enqueue replacement for %s: %w", entryID, err)
	}
	slog.Info("DeliveryWorker.Requeue: entry requeued", "failedEntryID", entryID, "newEntryID", fresh.ID)
	w.audit.Event(models.AuditInfo, old.DestinationServiceID, fmt.Sprintf("requeued failed entry %s as %s", entryID, fresh.ID))
	return &fresh, nil
}

func (w *DeliveryWorker) failEntry(entry models.OutgoingQueueEntry, reason string) error {
	slog.Error("DeliveryWorker.failEntry: entry failed", "entryID", entry.ID, "reason", reason)
	w.audit.Error(entry.DestinationServiceID, fmt.Sprintf("delivery of entry %s failed: %s", entry.ID, reason))
	if err := w.store.MarkEntryFailed(entry.ID, reason); err != nil {
		return fmt.Errorf("failed to mark entry failed: %w", err)
	}
	return nil
}
