// Package store provides storage backends for the relay hub.
//
// This file implements an in-memory store used by unit tests and ad-hoc runs
// without a database.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
	"github.com/msgrelay/relayhub/internal/util"
)

// InMemoryStore keeps all relay state in process memory.
type InMemoryStore struct {
	mu sync.Mutex

	instances     map[string]models.ServiceInstance
	schemas       map[nativeKey][]models.FieldSpec
	native        map[string]models.NativeMessageRecord
	canonical     map[string]models.CanonicalMessage
	subscriptions map[subKey]models.UserSubscription
	queue         map[string]models.OutgoingQueueEntry
	queueUpdated  map[string]time.Time
	audit         []models.AuditEvent
	nextAuditID   int64
}

type nativeKey struct {
	instanceID string
	direction  models.Direction
}

type subKey struct {
	userID     string
	instanceID string
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances:     make(map[string]models.ServiceInstance),
		schemas:       make(map[nativeKey][]models.FieldSpec),
		native:        make(map[string]models.NativeMessageRecord),
		canonical:     make(map[string]models.CanonicalMessage),
		subscriptions: make(map[subKey]models.UserSubscription),
		queue:         make(map[string]models.OutgoingQueueEntry),
		queueUpdated:  make(map[string]time.Time),
		nextAuditID:   1,
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

// --- service instances ---

func (s *InMemoryStore) SaveServiceInstance(inst models.ServiceInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[inst.ID] = inst
	return nil
}

func (s *InMemoryStore) GetServiceInstance(id string) (*models.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, nil
	}
	return &inst, nil
}

func (s *InMemoryStore) ListServiceInstances() ([]models.ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var instances []models.ServiceInstance
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	sort.Slice(instances, func(i, j int) bool { return instances[i].ID < instances[j].ID })
	return instances, nil
}

func (s *InMemoryStore) DeleteServiceInstance(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	return nil
}

// --- native stores ---

func (s *InMemoryStore) ProvisionNativeStore(instanceID string, direction models.Direction, specs []models.FieldSpec) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, rec := range s.native {
		if rec.ServiceInstanceID == instanceID && rec.Direction == direction {
			delete(s.native, id)
			dropped++
		}
	}
	s.schemas[nativeKey{instanceID, direction}] = append([]models.FieldSpec(nil), specs...)
	return dropped, nil
}

func (s *InMemoryStore) TeardownNativeStore(instanceID string, direction models.Direction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range s.native {
		if rec.ServiceInstanceID == instanceID && rec.Direction == direction {
			delete(s.native, id)
		}
	}
	delete(s.schemas, nativeKey{instanceID, direction})
	return nil
}

func (s *InMemoryStore) NativeSchema(instanceID string, direction models.Direction) ([]models.FieldSpec, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	specs, ok := s.schemas[nativeKey{instanceID, direction}]
	if !ok {
		return nil, false, nil
	}
	return append([]models.FieldSpec(nil), specs...), true, nil
}

func (s *InMemoryStore) AddNativeMessage(rec models.NativeMessageRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.native {
		if existing.ServiceInstanceID == rec.ServiceInstanceID &&
			existing.Direction == rec.Direction &&
			existing.NativeID == rec.NativeID {
			return "", models.ErrDuplicateMessage
		}
	}
	if rec.ID == "" {
		rec.ID = util.GenerateNativeRecordID()
	}
	if rec.Status == "" {
		rec.Status = models.NativeStatusNew
	}
	rec.CreatedAt = time.Now()
	s.native[rec.ID] = rec
	return rec.ID, nil
}

func (s *InMemoryStore) NewNativeMessages(instanceID string, maxAttempts int) ([]models.NativeMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recs []models.NativeMessageRecord
	for _, rec := range s.native {
		if rec.ServiceInstanceID == instanceID && rec.Direction == models.DirectionInbound &&
			rec.Status == models.NativeStatusNew && rec.Attempts < maxAttempts {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (s *InMemoryStore) MarkNativeProcessed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.native[id]
	if !ok || rec.Status != models.NativeStatusNew {
		return nil
	}
	now := time.Now()
	rec.Status = models.NativeStatusProcessed
	rec.ProcessedAt = &now
	s.native[id] = rec
	return nil
}

func (s *InMemoryStore) BumpNativeAttempts(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.native[id]
	if !ok {
		return 0, models.ErrStoreNotFound
	}
	rec.Attempts++
	s.native[id] = rec
	return rec.Attempts, nil
}

func (s *InMemoryStore) NativeMessageCounts(instanceID string, direction models.Direction) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total, pending := 0, 0
	for _, rec := range s.native {
		if rec.ServiceInstanceID == instanceID && rec.Direction == direction {
			total++
			if rec.Status == models.NativeStatusNew {
				pending++
			}
		}
	}
	return total, pending, nil
}

// --- canonical messages ---

func (s *InMemoryStore) AddCanonicalMessage(msg models.CanonicalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.canonical {
		if existing.SourceServiceID == msg.SourceServiceID && existing.SourceNativeID == msg.SourceNativeID {
			return models.ErrDuplicateMessage
		}
	}
	msg.CreatedAt = time.Now()
	msg.Distributed = false
	s.canonical[msg.ID] = msg
	return nil
}

func (s *InMemoryStore) CanonicalMessageExists(sourceServiceID, sourceNativeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range s.canonical {
		if msg.SourceServiceID == sourceServiceID && msg.SourceNativeID == sourceNativeID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) GetCanonicalMessage(id string) (*models.CanonicalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.canonical[id]
	if !ok {
		return nil, nil
	}
	return &msg, nil
}

func (s *InMemoryStore) UndistributedCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []models.CanonicalMessage
	for _, msg := range s.canonical {
		if !msg.Distributed {
			msgs = append(msgs, msg)
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

func (s *InMemoryStore) MarkCanonicalDistributed(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.canonical[id]
	if !ok {
		return nil
	}
	msg.Distributed = true
	s.canonical[id] = msg
	return nil
}

func (s *InMemoryStore) ListCanonicalMessages(limit int) ([]models.CanonicalMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msgs []models.CanonicalMessage
	for _, msg := range s.canonical {
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].CreatedAt.After(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}
	return msgs, nil
}

// --- subscriptions ---

func (s *InMemoryStore) SaveSubscription(sub models.UserSubscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	s.subscriptions[subKey{sub.UserID, sub.ServiceInstanceID}] = sub
	return nil
}

func (s *InMemoryStore) GetSubscription(userID, serviceInstanceID string) (*models.UserSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[subKey{userID, serviceInstanceID}]
	if !ok {
		return nil, nil
	}
	return &sub, nil
}

func (s *InMemoryStore) ActiveSubscriptionsBySource(sourceServiceID string) ([]models.UserSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []models.UserSubscription
	for _, sub := range s.subscriptions {
		if sub.SourceServiceID == sourceServiceID && sub.Active {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].UserID < subs[j].UserID })
	return subs, nil
}

func (s *InMemoryStore) DeactivateSubscription(userID, serviceInstanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := subKey{userID, serviceInstanceID}
	sub, ok := s.subscriptions[key]
	if !ok {
		return nil
	}
	sub.Active = false
	sub.UpdatedAt = time.Now()
	s.subscriptions[key] = sub
	return nil
}

// --- outgoing queue ---

func (s *InMemoryStore) EnqueueOutgoing(e models.OutgoingQueueEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.GenerateEntryID()
	}
	if e.Status == "" {
		e.Status = models.QueueStatusQueued
	}
	now := time.Now()
	e.CreatedAt = now
	s.queue[e.ID] = e
	s.queueUpdated[e.ID] = now
	return e.ID, nil
}

func (s *InMemoryStore) GetQueueEntry(id string) (*models.OutgoingQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) QueuedEntries(limit int) ([]models.OutgoingQueueEntry, error) {
	return s.EntriesByStatus(models.QueueStatusQueued, limit)
}

func (s *InMemoryStore) EntriesByStatus(status models.QueueStatus, limit int) ([]models.OutgoingQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.OutgoingQueueEntry
	for _, e := range s.queue {
		if e.Status == status {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *InMemoryStore) EntriesForMessage(canonicalMessageID string) ([]models.OutgoingQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []models.OutgoingQueueEntry
	for _, e := range s.queue {
		if e.CanonicalMessageID == canonicalMessageID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

func (s *InMemoryStore) MarkEntryProcessing(id string) error {
	return s.transition(id, models.QueueStatusQueued, models.QueueStatusProcessing, "", "")
}

func (s *InMemoryStore) MarkEntrySent(id, nativeOutgoingID string) error {
	return s.transition(id, models.QueueStatusProcessing, models.QueueStatusSent, nativeOutgoingID, "")
}

func (s *InMemoryStore) MarkEntryFailed(id, errMsg string) error {
	return s.transition(id, models.QueueStatusProcessing, models.QueueStatusFailed, "", errMsg)
}

func (s *InMemoryStore) transition(id string, from, to models.QueueStatus, nativeOutgoingID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queue[id]
	if !ok || e.Status != from {
		return models.ErrStatusConflict
	}
	now := time.Now()
	e.Status = to
	if nativeOutgoingID != "" {
		e.NativeOutgoingID = nativeOutgoingID
	}
	if errMsg != "" {
		e.ErrorMessage = errMsg
	}
	if to == models.QueueStatusSent || to == models.QueueStatusFailed {
		e.ProcessedAt = &now
	}
	s.queue[id] = e
	s.queueUpdated[id] = now
	return nil
}

func (s *InMemoryStore) FailStaleProcessingEntries(staleBefore time.Time, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	now := time.Now()
	for id, e := range s.queue {
		if e.Status == models.QueueStatusProcessing && s.queueUpdated[id].Before(staleBefore) {
			e.Status = models.QueueStatusFailed
			e.ErrorMessage = reason
			e.ProcessedAt = &now
			s.queue[id] = e
			s.queueUpdated[id] = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) DeleteEntriesForInstance(instanceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.queue {
		if e.DestinationServiceID == instanceID {
			delete(s.queue, id)
			delete(s.queueUpdated, id)
			n++
		}
	}
	return n, nil
}

// --- audit log ---

func (s *InMemoryStore) AddAuditEvent(ev models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	ev.ID = s.nextAuditID
	s.nextAuditID++
	s.audit = append(s.audit, ev)
	return nil
}

func (s *InMemoryStore) AuditEvents(instanceID string, limit int) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var events []models.AuditEvent
	for i := len(s.audit) - 1; i >= 0 && len(events) < limit; i-- {
		ev := s.audit[i]
		if instanceID == "" || ev.ServiceInstanceID == instanceID {
			events = append(events, ev)
		}
	}
	return events, nil
}
