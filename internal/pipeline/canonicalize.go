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
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

const (
	canonLease = 30 * time.Second
	// DefaultMaxTranslateAttempts bounds how often a native record that fails
	// translation is retried before it is left frozen in the store.
	DefaultMaxTranslateAttempts = 5
)

// Canonicalizer turns new native inbound records into canonical messages.
// The canonical id is derived deterministically from the source instance and
// native id, and the store's dedup key guarantees at most one canonical
// message per native record no matter how often a cycle reruns.
type Canonicalizer struct {
	store       store.Store
	connectors  *connector.Registry
	locks       lock.Manager
	audit       *Recorder
	maxAttempts int
}

// NewCanonicalizer creates the canonicalization stage.
func NewCanonicalizer(st store.Store, connectors *connector.Registry, locks lock.Manager, audit *Recorder, maxAttempts int) *Canonicalizer {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxTranslateAttempts
	}
	return &Canonicalizer{store: st, connectors: connectors, locks: locks, audit: audit, maxAttempts: maxAttempts}
}

// RunCycle processes every new native record of every inbound-enabled
// instance. Records that hit their attempt bound stay in the store as new
// but are no longer selected.
func (c *Canonicalizer) RunCycle(ctx context.Context) error {
	instances, err := c.store.ListServiceInstances()
	if err != nil {
		return fmt.Errorf("failed to list service instances: %w", err)
	}

	for _, inst := range instances {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !inst.InboundEnabled {
			continue
		}
		conn, ok := c.connectors.Get(inst.Connector)
		if !ok {
			slog.Error("Canonicalizer.RunCycle: no connector registered", "instanceID", inst.ID, "connector", inst.Connector)
			continue
		}

		recs, err := c.store.NewNativeMessages(inst.ID, c.maxAttempts)
		if err != nil {
			slog.Error("Canonicalizer.RunCycle: failed to list new messages", "instanceID", inst.ID, "error", err)
			continue
		}
		for _, rec := range recs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := c.processRecord(ctx, inst, conn, rec); err != nil {
				if errors.Is(err, lock.ErrNotAcquired) {
					continue
				}
				slog.Error("Canonicalizer.RunCycle: failed to process record", "instanceID", inst.ID, "nativeID", rec.NativeID, "error", err)
			}
		}
	}
	return nil
}

func (c *Canonicalizer) processRecord(ctx context.Context, inst models.ServiceInstance, conn connector.Connector, rec models.NativeMessageRecord) error {
	lease, err := c.locks.Acquire(ctx, util.CanonLockKey(inst.ID, rec.NativeID), canonLease, 0)
	if err != nil {
		return err
	}
	defer lease.Release()

	// A canonical message may already exist if a prior cycle crashed between
	// insert and the processed mark. Re-mark and move on.
	exists, err := c.store.CanonicalMessageExists(inst.ID, rec.NativeID)
	if err != nil {
		return fmt.Errorf("dedup check failed: %w", err)
	}
	if exists {
		slog.Debug("Canonicalizer.processRecord: canonical message already exists", "instanceID", inst.ID, "nativeID", rec.NativeID)
		return c.store.MarkNativeProcessed(rec.ID)
	}

	fields, err := conn.TranslateToCanonical(rec)
	if err != nil {
		attempts, bumpErr := c.store.BumpNativeAttempts(rec.ID)
		if bumpErr != nil {
			slog.Error("Canonicalizer.processRecord: failed to bump attempts", "recordID", rec.ID, "error", bumpErr)
		}
		c.audit.Error(inst.ID, fmt.Sprintf("translation of %s failed (attempt %d): %v", rec.NativeID, attempts, err))
		if attempts >= c.maxAttempts {
			slog.Warn("Canonicalizer.processRecord: record frozen after repeated failures", "instanceID", inst.ID, "nativeID", rec.NativeID, "attempts", attempts)
		}
		return fmt.Errorf("translation failed: %w", err)
	}

	msg := models.CanonicalMessage{
		ID:              util.CanonicalMessageID(inst.ID, rec.NativeID),
		SourceServiceID: inst.ID,
		SourceNativeID:  rec.NativeID,
		Subject:         fields.Subject,
		Body:            fields.Body,
		Snippet:         models.MakeSnippet(fields.Body),
		Sender:          fields.Sender,
		Recipients:      fields.Recipients,
		Headers:         fields.Headers,
		Date:            fields.Date,
		CreatedAt:       time.Now().UTC(),
	}
	if err := c.store.AddCanonicalMessage(msg); err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			return c.store.MarkNativeProcessed(rec.ID)
		}
		return fmt.Errorf("failed to add canonical message: %w", err)
	}
	if err := c.store.MarkNativeProcessed(rec.ID); err != nil {
		return fmt.Errorf("failed to mark record processed: %w", err)
	}

	slog.Info("Canonicalizer.processRecord: message canonicalized", "instanceID", inst.ID, "nativeID", rec.NativeID, "messageID", msg.ID)
	c.audit.Event(models.AuditProcessed, inst.ID, fmt.Sprintf("canonicalized %s as %s", rec.NativeID, msg.ID))
	return nil
}
