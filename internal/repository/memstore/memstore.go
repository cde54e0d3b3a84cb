// Package memstore is an in-memory implementation of the repository
// interfaces. Transactions are serialised and rolled back by snapshot, which
// is enough to exercise the outbox, dedup and idempotency paths in tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/outbox-relay/internal/model"
	"github.com/jwalitptl/outbox-relay/internal/repository"
)

type state struct {
	outbox      []model.OutboxEvent
	archive     []model.OutboxEvent
	keys        map[string]model.IdempotencyRecord
	processed   map[string]model.ProcessedEvent
	deadLetters []model.DeadLetterEvent
	tenders     []model.Tender
	ledger      []model.LedgerEntry
}

type Store struct {
	txMu sync.Mutex
	mu   sync.Mutex
	now  func() time.Time

	state

	claimErrs  []error
	insertErrs []error
}

func New() *Store {
	return &Store{
		now: time.Now,
		state: state{
			keys:      make(map[string]model.IdempotencyRecord),
			processed: make(map[string]model.ProcessedEvent),
		},
	}
}

// SetClock replaces the store's notion of now().
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailClaims makes the next n Claim calls return err.
func (s *Store) FailClaims(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.claimErrs = append(s.claimErrs, err)
	}
}

// FailNextOutboxInsert makes the next outbox InsertTx return err.
func (s *Store) FailNextOutboxInsert(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErrs = append(s.insertErrs, err)
}

func (s *Store) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	rollback := func() {
		s.mu.Lock()
		s.state = snap
		s.mu.Unlock()
	}

	defer func() {
		if p := recover(); p != nil {
			rollback()
			panic(p)
		}
	}()

	if err := fn(nil); err != nil {
		rollback()
		return err
	}
	return nil
}

func (s *Store) PingContext(ctx context.Context) error { return nil }

func (s *Store) snapshot() state {
	keys := make(map[string]model.IdempotencyRecord, len(s.keys))
	for k, v := range s.keys {
		keys[k] = v
	}
	processed := make(map[string]model.ProcessedEvent, len(s.processed))
	for k, v := range s.processed {
		processed[k] = v
	}
	return state{
		outbox:      append([]model.OutboxEvent(nil), s.outbox...),
		archive:     append([]model.OutboxEvent(nil), s.archive...),
		keys:        keys,
		processed:   processed,
		deadLetters: append([]model.DeadLetterEvent(nil), s.deadLetters...),
		tenders:     append([]model.Tender(nil), s.tenders...),
		ledger:      append([]model.LedgerEntry(nil), s.ledger...),
	}
}

// OutboxEvents returns a copy of the outbox rows in insertion order.
func (s *Store) OutboxEvents() []model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OutboxEvent(nil), s.outbox...)
}

func (s *Store) DeadLetters() []model.DeadLetterEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.DeadLetterEvent(nil), s.deadLetters...)
}

func (s *Store) ProcessedEvents() []model.ProcessedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProcessedEvent, 0, len(s.processed))
	for _, p := range s.processed {
		out = append(out, p)
	}
	return out
}

func (s *Store) LedgerEntries() []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.LedgerEntry(nil), s.ledger...)
}

func (s *Store) Tenders() []model.Tender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Tender(nil), s.tenders...)
}

// AddDeadLetter seeds a dead-letter record directly.
func (s *Store) AddDeadLetter(rec model.DeadLetterEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, rec)
}

func (s *Store) Outbox() repository.OutboxRepository { return outboxRepo{s} }
func (s *Store) Idempotency() repository.IdempotencyRepository { return idempotencyRepo{s} }
func (s *Store) Processed() repository.ProcessedEventRepository { return processedRepo{s} }
func (s *Store) DeadLetterRepo() repository.DeadLetterRepository { return deadLetterRepo{s} }
func (s *Store) TenderRepo() repository.TenderRepository { return tenderRepo{s} }
func (s *Store) Ledger() repository.LedgerRepository { return ledgerRepo{s} }

type outboxRepo struct{ s *Store }

func (r outboxRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, events ...*model.OutboxEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.insertErrs) > 0 {
		err := r.s.insertErrs[0]
		r.s.insertErrs = r.s.insertErrs[1:]
		return err
	}
	for _, e := range events {
		r.s.outbox = append(r.s.outbox, *e)
	}
	return nil
}

func (r outboxRepo) Claim(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if len(r.s.claimErrs) > 0 {
		err := r.s.claimErrs[0]
		r.s.claimErrs = r.s.claimErrs[1:]
		return nil, err
	}

	idx := make([]int, 0)
	for i := range r.s.outbox {
		if r.s.outbox[i].PublishedAt == nil {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return r.s.outbox[idx[a]].CreatedAt.Before(r.s.outbox[idx[b]].CreatedAt)
	})
	if len(idx) > limit {
		idx = idx[:limit]
	}

	now := r.s.now()
	claimed := make([]*model.OutboxEvent, 0, len(idx))
	for _, i := range idx {
		r.s.outbox[i].PublishedAt = &now
		row := r.s.outbox[i]
		claimed = append(claimed, &row)
	}
	return claimed, nil
}

func (r outboxRepo) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now().Add(-threshold)
	var n int64
	for i := range r.s.outbox {
		row := &r.s.outbox[i]
		if row.PublishedAt != nil && row.DeliveredAt == nil && row.PublishedAt.Before(cutoff) {
			row.PublishedAt = nil
			n++
		}
	}
	return n, nil
}

func (r outboxRepo) find(id uuid.UUID) *model.OutboxEvent {
	for i := range r.s.outbox {
		if r.s.outbox[i].ID == id {
			return &r.s.outbox[i]
		}
	}
	return nil
}

func (r outboxRepo) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if row := r.find(id); row != nil && row.DeliveredAt == nil {
		now := r.s.now()
		row.DeliveredAt = &now
	}
	return nil
}

func (r outboxRepo) Unclaim(ctx context.Context, id uuid.UUID, lastError string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if row := r.find(id); row != nil && row.DeliveredAt == nil {
		row.PublishedAt = nil
		row.Attempts++
		row.LastError = &lastError
	}
	return nil
}

func (r outboxRepo) DeadLetter(ctx context.Context, id uuid.UUID, records []*model.DeadLetterEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	lastError := ""
	for _, rec := range records {
		lastError = rec.ErrorMessage
		updated := false
		for i := range r.s.deadLetters {
			dl := &r.s.deadLetters[i]
			if dl.EventID == rec.EventID && dl.ConsumerName == rec.ConsumerName && dl.ResolvedAt == nil {
				dl.ErrorMessage = rec.ErrorMessage
				dl.FailedAt = rec.FailedAt
				updated = true
			}
		}
		if !updated {
			r.s.deadLetters = append(r.s.deadLetters, *rec)
		}
	}

	if row := r.find(id); row != nil {
		now := r.s.now()
		row.DeliveredAt = &now
		row.Attempts++
		row.LastError = &lastError
	}
	return nil
}

func (r outboxRepo) PendingStats(ctx context.Context) (*model.OutboxStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	stats := &model.OutboxStats{}
	var oldest *time.Time
	for i := range r.s.outbox {
		row := r.s.outbox[i]
		if row.PublishedAt != nil {
			continue
		}
		stats.PendingCount++
		if oldest == nil || row.CreatedAt.Before(*oldest) {
			t := row.CreatedAt
			oldest = &t
		}
	}
	if oldest != nil {
		stats.OldestPendingAge = r.s.now().Sub(*oldest)
	}
	return stats, nil
}

func (r outboxRepo) ArchiveDeliveredBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	kept := r.s.outbox[:0:0]
	var n int64
	for _, row := range r.s.outbox {
		if row.DeliveredAt != nil && row.DeliveredAt.Before(before) {
			r.s.archive = append(r.s.archive, row)
			n++
			continue
		}
		kept = append(kept, row)
	}
	r.s.outbox = kept
	return n, nil
}

type idempotencyRepo struct{ s *Store }

func (r idempotencyRepo) Get(ctx context.Context, key model.IdempotencyKey) (*model.IdempotencyRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.keys[key.String()]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &rec, nil
}

func (r idempotencyRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, rec *model.IdempotencyRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.keys[rec.IdempotencyKey.String()]; ok {
		return repository.ErrDuplicateKey
	}
	r.s.keys[rec.IdempotencyKey.String()] = *rec
	return nil
}

type processedRepo struct{ s *Store }

func processedKey(eventID uuid.UUID, consumer string) string {
	return eventID.String() + "|" + consumer
}

func (r processedRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, rec *model.ProcessedEvent) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := processedKey(rec.EventID, rec.ConsumerName)
	if _, ok := r.s.processed[key]; ok {
		return false, nil
	}
	r.s.processed[key] = *rec
	return true, nil
}

func (r processedRepo) Exists(ctx context.Context, eventID uuid.UUID, consumer string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	_, ok := r.s.processed[processedKey(eventID, consumer)]
	return ok, nil
}

type deadLetterRepo struct{ s *Store }

func (r deadLetterRepo) List(ctx context.Context, f model.DeadLetterFilter) ([]*model.DeadLetterEvent, int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var matched []*model.DeadLetterEvent
	for i := range r.s.deadLetters {
		dl := r.s.deadLetters[i]
		switch {
		case f.EventType != "" && dl.EventType != f.EventType,
			f.ConsumerName != "" && dl.ConsumerName != f.ConsumerName,
			f.From != nil && dl.FailedAt.Before(*f.From),
			f.To != nil && dl.FailedAt.After(*f.To),
			f.Status == model.DeadLetterResolved && dl.ResolvedAt == nil,
			(f.Status == "" || f.Status == model.DeadLetterUnresolved) && dl.ResolvedAt != nil:
			continue
		}
		cp := dl
		matched = append(matched, &cp)
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].FailedAt.After(matched[j].FailedAt) })

	total := len(matched)
	if f.Offset >= total {
		return []*model.DeadLetterEvent{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func (r deadLetterRepo) find(id uuid.UUID) *model.DeadLetterEvent {
	for i := range r.s.deadLetters {
		if r.s.deadLetters[i].ID == id {
			return &r.s.deadLetters[i]
		}
	}
	return nil
}

func (r deadLetterRepo) Get(ctx context.Context, id uuid.UUID) (*model.DeadLetterEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl := r.find(id)
	if dl == nil {
		return nil, repository.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

func (r deadLetterRepo) GetMany(ctx context.Context, ids []uuid.UUID) ([]*model.DeadLetterEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.DeadLetterEvent
	for _, id := range ids {
		if dl := r.find(id); dl != nil {
			cp := *dl
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r deadLetterRepo) Resolve(ctx context.Context, id uuid.UUID, by string, note *string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	dl := r.find(id)
	if dl == nil {
		return repository.ErrNotFound
	}
	if dl.ResolvedAt != nil {
		return repository.ErrAlreadyResolved
	}
	now := r.s.now()
	dl.ResolvedAt = &now
	dl.ResolvedBy = &by
	dl.ResolutionNote = note
	return nil
}

func (r deadLetterRepo) RecordRetryFailure(ctx context.Context, id uuid.UUID, msg string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if dl := r.find(id); dl != nil && dl.ResolvedAt == nil {
		dl.RetryCount++
		dl.ErrorMessage = msg
		dl.FailedAt = r.s.now()
	}
	return nil
}

type tenderRepo struct{ s *Store }

func (r tenderRepo) CreateTx(ctx context.Context, tx *sqlx.Tx, t *model.Tender) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.tenders = append(r.s.tenders, *t)
	return nil
}

func (r tenderRepo) Get(ctx context.Context, tenantID string, id uuid.UUID) (*model.Tender, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.tenders {
		if t.TenantID == tenantID && t.ID == id {
			t := t
			return &t, nil
		}
	}
	return nil, repository.ErrNotFound
}

type ledgerRepo struct{ s *Store }

func (r ledgerRepo) InsertTx(ctx context.Context, tx *sqlx.Tx, entries ...*model.LedgerEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, e := range entries {
		r.s.ledger = append(r.s.ledger, *e)
	}
	return nil
}

func (r ledgerRepo) ListByTender(ctx context.Context, tenantID string, tenderID uuid.UUID) ([]*model.LedgerEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.LedgerEntry
	for _, e := range r.s.ledger {
		if e.TenantID == tenantID && e.TenderID == tenderID {
			e := e
			out = append(out, &e)
		}
	}
	return out, nil
}
