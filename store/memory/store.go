// Package memory provides an in-memory store implementation. It is
// primarily useful for tests and local development: it honors the same
// conditional-write semantics as the SQL backends, including the lease
// liveness predicate, but keeps everything in process memory.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	execution "github.com/uengine-oss/process-gpt-execution"
	"github.com/uengine-oss/process-gpt-execution/deadletter"
	"github.com/uengine-oss/process-gpt-execution/id"
	"github.com/uengine-oss/process-gpt-execution/lease"
	"github.com/uengine-oss/process-gpt-execution/migration"
	"github.com/uengine-oss/process-gpt-execution/workitem"
)

// Ensure Store implements all subsystem interfaces at compile time.
var (
	_ workitem.Store   = (*Store)(nil)
	_ lease.Store      = (*Store)(nil)
	_ deadletter.Store = (*Store)(nil)
	_ migration.Store  = (*Store)(nil)
)

// Store is an in-memory implementation of the composite store contract.
// All methods are safe for concurrent use; every mutation happens under
// one mutex, which is what makes the conditional transitions atomic.
type Store struct {
	mu     sync.RWMutex
	closed bool

	items   map[string]*workitem.WorkItem
	leases  map[string]*lease.Lease
	letters map[string]*deadletter.Entry
	rows    map[string]*migration.TargetRow
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		items:   make(map[string]*workitem.WorkItem),
		leases:  make(map[string]*lease.Lease),
		letters: make(map[string]*deadletter.Entry),
		rows:    make(map[string]*migration.TargetRow),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *Store) Migrate(ctx context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return execution.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Subsequent calls fail with
// execution.ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return execution.ErrStoreClosed
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────
// Work items
// ──────────────────────────────────────────────────────────────────────

func (s *Store) CreateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := w.ID.String()
	if _, ok := s.items[key]; ok {
		return execution.ErrItemAlreadyExists
	}
	s.items[key] = cloneItem(w)
	return nil
}

func (s *Store) CreateWorkItems(ctx context.Context, items []*workitem.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for _, w := range items {
		key := w.ID.String()
		if _, ok := s.items[key]; ok {
			continue
		}
		s.items[key] = cloneItem(w)
	}
	return nil
}

func (s *Store) GetWorkItem(ctx context.Context, itemID id.WorkItemID) (*workitem.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return nil, execution.ErrItemNotFound
	}
	return cloneItem(w), nil
}

func (s *Store) UpdateWorkItem(ctx context.Context, w *workitem.WorkItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := w.ID.String()
	if _, ok := s.items[key]; !ok {
		return execution.ErrItemNotFound
	}
	clone := cloneItem(w)
	clone.Touch(time.Now().UTC())
	s.items[key] = clone
	return nil
}

func (s *Store) PollClaimable(ctx context.Context, opts workitem.PollOpts) ([]*workitem.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var out []*workitem.WorkItem
	for _, w := range s.items {
		if !w.Status.Claimable() {
			continue
		}
		if w.RetryAt.After(now) {
			continue
		}
		if opts.TenantID != "" && w.TenantID != opts.TenantID {
			continue
		}
		out = append(out, cloneItem(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) ClaimWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if !w.Status.Claimable() {
		return false, nil
	}
	w.Status = workitem.StatusClaimed
	w.Consumer = consumer
	w.Touch(time.Now().UTC())
	return true, nil
}

func (s *Store) StartWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status != workitem.StatusClaimed || w.Consumer != consumer {
		return false, nil
	}
	now := time.Now().UTC()
	w.Status = workitem.StatusProcessing
	w.StartedAt = &now
	w.Touch(now)
	return true, nil
}

func (s *Store) CompleteWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, result *workitem.Draft) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status != workitem.StatusProcessing || w.Consumer != consumer {
		return false, nil
	}
	now := time.Now().UTC()
	w.Status = workitem.StatusDone
	if result != nil {
		w.Draft = cloneDraft(result)
	}
	w.CompletedAt = &now
	w.Consumer = id.Nil
	w.Touch(now)
	return true, nil
}

func (s *Store) RetryWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string, retryAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status != workitem.StatusProcessing || w.Consumer != consumer {
		return false, nil
	}
	w.Status = workitem.StatusRetryPending
	w.AttemptCount = attemptCount
	w.ErrorDetail = errorDetail
	w.RetryAt = retryAt
	w.Consumer = id.Nil
	w.StartedAt = nil
	w.Touch(time.Now().UTC())
	return true, nil
}

func (s *Store) DeadLetterWorkItem(ctx context.Context, itemID id.WorkItemID, consumer id.ReplicaID, attemptCount int, errorDetail string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status != workitem.StatusProcessing || w.Consumer != consumer {
		return false, nil
	}
	w.Status = workitem.StatusDeadLetter
	w.AttemptCount = attemptCount
	w.ErrorDetail = errorDetail
	w.Consumer = id.Nil
	w.Touch(time.Now().UTC())
	return true, nil
}

func (s *Store) ResubmitWorkItem(ctx context.Context, itemID id.WorkItemID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status != workitem.StatusDeadLetter {
		return false, nil
	}
	now := time.Now().UTC()
	w.Status = workitem.StatusSubmitted
	w.AttemptCount = 0
	w.ErrorDetail = ""
	w.RetryAt = now
	w.StartedAt = nil
	w.CompletedAt = nil
	w.Touch(now)
	return true, nil
}

func (s *Store) FailWorkItem(ctx context.Context, itemID id.WorkItemID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	w, ok := s.items[itemID.String()]
	if !ok {
		return false, execution.ErrItemNotFound
	}
	if w.Status.Terminal() {
		return false, nil
	}
	w.Status = workitem.StatusFailed
	w.ErrorDetail = reason
	w.Consumer = id.Nil
	w.Touch(time.Now().UTC())
	return true, nil
}

func (s *Store) SweepExpiredClaims(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var swept int64
	for _, w := range s.items {
		if w.Status != workitem.StatusClaimed && w.Status != workitem.StatusProcessing {
			continue
		}
		l := s.leases[leaseKey(w.ID.String(), w.TenantID)]
		if l != nil && !l.Expired(now) {
			continue
		}
		w.Status = workitem.StatusSubmitted
		w.Consumer = id.Nil
		w.StartedAt = nil
		w.Touch(now)
		if l != nil {
			delete(s.leases, leaseKey(w.ID.String(), w.TenantID))
		}
		swept++
	}
	return swept, nil
}

func (s *Store) ListWorkItemsByStatus(ctx context.Context, status workitem.Status, opts workitem.ListOpts) ([]*workitem.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*workitem.WorkItem
	for _, w := range s.items {
		if w.Status != status {
			continue
		}
		if opts.TenantID != "" && w.TenantID != opts.TenantID {
			continue
		}
		out = append(out, cloneItem(w))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) CountWorkItems(ctx context.Context, opts workitem.CountOpts) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var count int64
	for _, w := range s.items {
		if opts.TenantID != "" && w.TenantID != opts.TenantID {
			continue
		}
		if opts.Status != "" && w.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// ──────────────────────────────────────────────────────────────────────
// Leases
// ──────────────────────────────────────────────────────────────────────

func leaseKey(resourceID, tenantID string) string {
	return resourceID + "/" + tenantID
}

func (s *Store) AcquireLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	key := leaseKey(resourceID, tenantID)
	now := time.Now().UTC()
	if existing := s.leases[key]; existing.Live(holderID, now) {
		return false, nil
	}
	s.leases[key] = &lease.Lease{
		ResourceID: resourceID,
		TenantID:   tenantID,
		HolderID:   holderID,
		AcquiredAt: now,
		ExpiresAt:  cloneTime(expiresAt),
	}
	return true, nil
}

func (s *Store) RenewLease(ctx context.Context, resourceID, tenantID, holderID string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	key := leaseKey(resourceID, tenantID)
	l, ok := s.leases[key]
	if !ok || l.HolderID != holderID {
		return false, nil
	}
	exp := expiresAt
	l.ExpiresAt = &exp
	return true, nil
}

func (s *Store) ReleaseLease(ctx context.Context, resourceID, tenantID, holderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := leaseKey(resourceID, tenantID)
	if l, ok := s.leases[key]; ok && l.HolderID == holderID {
		delete(s.leases, key)
	}
	return nil
}

func (s *Store) GetLease(ctx context.Context, resourceID, tenantID string) (*lease.Lease, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	l, ok := s.leases[leaseKey(resourceID, tenantID)]
	if !ok {
		return nil, nil
	}
	return cloneLease(l), nil
}

// ──────────────────────────────────────────────────────────────────────
// Dead letters
// ──────────────────────────────────────────────────────────────────────

func (s *Store) PushDeadLetter(ctx context.Context, entry *deadletter.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.letters[entry.ID.String()] = cloneEntry(entry)
	return nil
}

func (s *Store) ListDeadLetters(ctx context.Context, opts deadletter.ListOpts) ([]*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*deadletter.Entry
	for _, e := range s.letters {
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		out = append(out, cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].FailedAt.After(out[j].FailedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Store) GetDeadLetter(ctx context.Context, entryID id.DeadLetterID) (*deadletter.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := s.letters[entryID.String()]
	if !ok {
		return nil, execution.ErrDeadLetterNotFound
	}
	return cloneEntry(e), nil
}

func (s *Store) MarkReplayed(ctx context.Context, entryID id.DeadLetterID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	e, ok := s.letters[entryID.String()]
	if !ok {
		return execution.ErrDeadLetterNotFound
	}
	now := time.Now().UTC()
	e.ReplayedAt = &now
	return nil
}

func (s *Store) PurgeDeadLetters(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	var purged int64
	for key, e := range s.letters {
		if e.FailedAt.Before(before) {
			delete(s.letters, key)
			purged++
		}
	}
	return purged, nil
}

func (s *Store) CountDeadLetters(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return int64(len(s.letters)), nil
}

// ──────────────────────────────────────────────────────────────────────
// Migration rows
// ──────────────────────────────────────────────────────────────────────

// SeedMigrationRow inserts or replaces a definition row, for tests and
// local setups.
func (s *Store) SeedMigrationRow(row *migration.TargetRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[row.ID] = cloneRow(row)
}

func (s *Store) NextMigrationBatch(ctx context.Context, opts migration.BatchOpts) ([]*migration.TargetRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = migration.DefaultBatchSize
	}
	var out []*migration.TargetRow
	for _, row := range s.rows {
		if row.Migrated {
			continue
		}
		if opts.CursorAfterID != "" && row.ID <= opts.CursorAfterID {
			continue
		}
		if opts.TenantID != "" && row.TenantID != opts.TenantID {
			continue
		}
		// Same predicate as the SQL backends: any lease held by a
		// different holder fences the row, including when no holder was
		// named.
		if l := s.leases[leaseKey(row.ID, row.TenantID)]; l != nil && l.HolderID != opts.AllowedHolderID {
			continue
		}
		out = append(out, cloneRow(row))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (s *Store) MarkMigrated(ctx context.Context, rowID string, definition json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	row, ok := s.rows[rowID]
	if !ok || row.Migrated {
		return false, nil
	}
	row.Definition = append(json.RawMessage(nil), definition...)
	row.Migrated = true
	row.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ──────────────────────────────────────────────────────────────────────
// Clone helpers
// ──────────────────────────────────────────────────────────────────────

func cloneItem(w *workitem.WorkItem) *workitem.WorkItem {
	clone := *w
	clone.Draft = cloneDraft(w.Draft)
	clone.StartedAt = cloneTime(w.StartedAt)
	clone.CompletedAt = cloneTime(w.CompletedAt)
	clone.DueDate = cloneTime(w.DueDate)
	return &clone
}

func cloneDraft(d *workitem.Draft) *workitem.Draft {
	if d == nil {
		return nil
	}
	clone := workitem.Draft{Kind: d.Kind}
	if d.Fields != nil {
		clone.Fields = make(map[string]any, len(d.Fields))
		for k, v := range d.Fields {
			clone.Fields[k] = v
		}
	}
	if d.Extra != nil {
		clone.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			clone.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &clone
}

func cloneLease(l *lease.Lease) *lease.Lease {
	clone := *l
	clone.ExpiresAt = cloneTime(l.ExpiresAt)
	return &clone
}

func cloneEntry(e *deadletter.Entry) *deadletter.Entry {
	clone := *e
	clone.Draft = cloneDraft(e.Draft)
	clone.ReplayedAt = cloneTime(e.ReplayedAt)
	return &clone
}

func cloneRow(r *migration.TargetRow) *migration.TargetRow {
	clone := *r
	clone.Definition = append(json.RawMessage(nil), r.Definition...)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	clone := *t
	return &clone
}
