// Package schema manages the per-instance native store lifecycle.
//
// Every (service instance, direction) pair owns one native store whose shape
// is declared by the connector manifest. Provisioning is destructive: when a
// schema changes, the existing rows for that store are dropped and the drop
// is recorded in the audit log. Writes go through a StoreHandle that
// validates each message against the provisioned field specs.
package schema

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/msgrelay/relayhub/internal/lock"
	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/store"
	"github.com/msgrelay/relayhub/internal/util"
)

const (
	provisionLease = 30 * time.Second
	provisionWait  = 5 * time.Second
)

// Registry provisions, tears down, and hands out native stores.
type Registry struct {
	store store.Store
	locks lock.Manager
}

// NewRegistry creates a schema registry over the given store and lock manager.
func NewRegistry(st store.Store, locks lock.Manager) *Registry {
	return &Registry{store: st, locks: locks}
}

// Provision creates or replaces the native store for one instance direction.
// It takes the instance's poll lock so a schema swap never races a running
// fetch. Re-provisioning with a changed schema drops the stored rows; the
// dropped count is returned and audited.
func (r *Registry) Provision(ctx context.Context, instanceID string, direction models.Direction, specs []models.FieldSpec) (int, error) {
	if !models.IsValidDirection(direction) {
		return 0, fmt.Errorf("invalid direction %q", direction)
	}
	if len(specs) == 0 {
		return 0, models.ErrMissingSchema
	}

	lease, err := r.locks.Acquire(ctx, util.PollLockKey(instanceID), provisionLease, provisionWait)
	if err != nil {
		return 0, fmt.Errorf("failed to lock instance %s for provisioning: %w", instanceID, err)
	}
	defer lease.Release()

	dropped, err := r.store.ProvisionNativeStore(instanceID, direction, specs)
	if err != nil {
		return 0, fmt.Errorf("failed to provision native store for %s/%s: %w", instanceID, direction, err)
	}

	details := fmt.Sprintf("provisioned %s store with %d field(s)", direction, len(specs))
	if dropped > 0 {
		details = fmt.Sprintf("%s, dropped %d existing message(s)", details, dropped)
	}
	r.audit(models.AuditProvision, instanceID, details)
	slog.Info("Registry.Provision: native store provisioned", "instanceID", instanceID, "direction", direction, "fields", len(specs), "dropped", dropped)
	return dropped, nil
}

// Teardown removes the native store for one instance direction. Tearing down
// a store that does not exist succeeds silently.
func (r *Registry) Teardown(ctx context.Context, instanceID string, direction models.Direction) error {
	lease, err := r.locks.Acquire(ctx, util.PollLockKey(instanceID), provisionLease, provisionWait)
	if err != nil {
		return fmt.Errorf("failed to lock instance %s for teardown: %w", instanceID, err)
	}
	defer lease.Release()

	if err := r.store.TeardownNativeStore(instanceID, direction); err != nil {
		return fmt.Errorf("failed to tear down native store for %s/%s: %w", instanceID, direction, err)
	}
	r.audit(models.AuditTeardown, instanceID, fmt.Sprintf("tore down %s store", direction))
	slog.Info("Registry.Teardown: native store removed", "instanceID", instanceID, "direction", direction)
	return nil
}

// SyncInstance reconciles an instance's native stores with its manifest and
// enabled directions: it provisions stores for enabled directions, tears down
// stores whose direction is disabled or undeclared, and re-provisions when
// the manifest schema no longer matches the stored one. Re-provisioning is
// destructive like any other provision.
func (r *Registry) SyncInstance(ctx context.Context, inst models.ServiceInstance, m models.ConnectorManifest) error {
	type want struct {
		direction models.Direction
		enabled   bool
	}
	wants := []want{
		{models.DirectionInbound, inst.InboundEnabled && m.Inbound},
		{models.DirectionOutbound, inst.OutboundEnabled && m.Outbound},
	}

	for _, w := range wants {
		current, exists, err := r.store.NativeSchema(inst.ID, w.direction)
		if err != nil {
			return fmt.Errorf("failed to read schema for %s/%s: %w", inst.ID, w.direction, err)
		}
		switch {
		case w.enabled:
			specs, err := m.SchemaFor(w.direction)
			if err != nil {
				return fmt.Errorf("manifest %s: %w", m.Name, err)
			}
			if exists && specsEqual(current, specs) {
				continue
			}
			if _, err := r.Provision(ctx, inst.ID, w.direction, specs); err != nil {
				return err
			}
		case exists:
			if err := r.Teardown(ctx, inst.ID, w.direction); err != nil {
				return err
			}
		}
	}
	return nil
}

func specsEqual(a, b []models.FieldSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].Type != b[i].Type ||
			a[i].Required != b[i].Required || a[i].Default != b[i].Default ||
			!slices.Equal(a[i].Options, b[i].Options) {
			return false
		}
	}
	return true
}

// Handle returns a validated write handle for one provisioned native store.
// Returns models.ErrStoreNotFound if the store has not been provisioned.
func (r *Registry) Handle(instanceID string, direction models.Direction) (*StoreHandle, error) {
	specs, exists, err := r.store.NativeSchema(instanceID, direction)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema for %s/%s: %w", instanceID, direction, err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s/%s", models.ErrStoreNotFound, instanceID, direction)
	}
	return &StoreHandle{
		store:      r.store,
		instanceID: instanceID,
		direction:  direction,
		specs:      specs,
	}, nil
}

func (r *Registry) audit(eventType, instanceID, details string) {
	err := r.store.AddAuditEvent(models.AuditEvent{
		EventType:         eventType,
		ServiceInstanceID: instanceID,
		Details:           details,
		Timestamp:         time.Now().UTC(),
	})
	if err != nil {
		slog.Error("Registry.audit: failed to record audit event", "eventType", eventType, "instanceID", instanceID, "error", err)
	}
}

// StoreHandle writes native messages into one provisioned store, validating
// each message against the store's field specs first.
type StoreHandle struct {
	store      store.Store
	instanceID string
	direction  models.Direction
	specs      []models.FieldSpec
}

// Specs returns the field specs the handle validates against.
func (h *StoreHandle) Specs() []models.FieldSpec {
	return h.specs
}

// Store validates and persists one native message. Storing a native id that
// already exists in this store returns models.ErrDuplicateMessage; callers
// check for it and treat the message as already stored, so the source copy
// can still be removed.
func (h *StoreHandle) Store(nativeID string, fields map[string]string) error {
	if nativeID == "" {
		return errors.New("native id is empty")
	}
	if err := models.ValidateFields(h.specs, fields); err != nil {
		return fmt.Errorf("message %s rejected by schema: %w", nativeID, err)
	}

	_, err := h.store.AddNativeMessage(models.NativeMessageRecord{
		ID:                util.GenerateNativeRecordID(),
		ServiceInstanceID: h.instanceID,
		Direction:         h.direction,
		NativeID:          nativeID,
		Fields:            fields,
		Status:            models.NativeStatusNew,
		CreatedAt:         time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateMessage) {
			slog.Debug("StoreHandle.Store: native message already stored", "instanceID", h.instanceID, "direction", h.direction, "nativeID", nativeID)
			return err
		}
		return fmt.Errorf("failed to store native message %s: %w", nativeID, err)
	}
	return nil
}
