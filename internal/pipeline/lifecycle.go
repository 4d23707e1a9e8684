package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/msgrelay/relayhub/internal/connector"
	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/schema"
	"github.com/msgrelay/relayhub/internal/store"
)

// Lifecycle manages service instance activation and removal.
type Lifecycle struct {
	store      store.Store
	connectors *connector.Registry
	schemas    *schema.Registry
	audit      *Recorder
}

// NewLifecycle creates the instance lifecycle manager.
func NewLifecycle(st store.Store, connectors *connector.Registry, schemas *schema.Registry, audit *Recorder) *Lifecycle {
	return &Lifecycle{store: st, connectors: connectors, schemas: schemas, audit: audit}
}

// ActivateInstance saves an instance and reconciles its native stores with
// the connector manifest. Directions the manifest does not declare are
// forced off regardless of what the instance requests.
func (l *Lifecycle) ActivateInstance(ctx context.Context, inst models.ServiceInstance) error {
	if inst.ID == "" {
		return fmt.Errorf("service instance id is empty")
	}
	conn, ok := l.connectors.Get(inst.Connector)
	if !ok {
		return fmt.Errorf("no connector registered for %q", inst.Connector)
	}
	m := conn.Manifest()

	if inst.InboundEnabled && !m.Inbound {
		slog.Warn("Lifecycle.ActivateInstance: inbound not declared by connector, disabling", "instanceID", inst.ID, "connector", m.Name)
		inst.InboundEnabled = false
	}
	if inst.OutboundEnabled && !m.Outbound {
		slog.Warn("Lifecycle.ActivateInstance: outbound not declared by connector, disabling", "instanceID", inst.ID, "connector", m.Name)
		inst.OutboundEnabled = false
	}

	if err := l.store.SaveServiceInstance(inst); err != nil {
		return fmt.Errorf("failed to save service instance %s: %w", inst.ID, err)
	}
	if err := l.schemas.SyncInstance(ctx, inst, m); err != nil {
		return fmt.Errorf("failed to sync native stores for %s: %w", inst.ID, err)
	}

	slog.Info("Lifecycle.ActivateInstance: instance active", "instanceID", inst.ID, "connector", inst.Connector, "inbound", inst.InboundEnabled, "outbound", inst.OutboundEnabled)
	l.audit.Event(models.AuditInfo, inst.ID, fmt.Sprintf("instance activated (connector %s)", inst.Connector))
	return nil
}

// RemoveInstance tears down an instance: both native stores, its pending
// queue entries, and the instance record itself. Canonical messages and the
// audit trail are kept.
func (l *Lifecycle) RemoveInstance(ctx context.Context, instanceID string) error {
	for _, direction := range []models.Direction{models.DirectionInbound, models.DirectionOutbound} {
		if err := l.schemas.Teardown(ctx, instanceID, direction); err != nil {
			return err
		}
	}

	deleted, err := l.store.DeleteEntriesForInstance(instanceID)
	if err != nil {
		return fmt.Errorf("failed to delete queue entries for %s: %w", instanceID, err)
	}
	if err := l.store.DeleteServiceInstance(instanceID); err != nil {
		return fmt.Errorf("failed to delete service instance %s: %w", instanceID, err)
	}

	slog.Info("Lifecycle.RemoveInstance: instance removed", "instanceID", instanceID, "deletedEntries", deleted)
	l.audit.Event(models.AuditInfo, instanceID, fmt.Sprintf("instance removed, %d queue entries deleted", deleted))
	return nil
}
