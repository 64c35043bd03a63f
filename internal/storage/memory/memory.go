// Package memory provides an in-memory storage.Store for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

var _ storage.Store = (*Store)(nil)

type attemptKey struct {
	debt    models.DebtKey
	counter int64
}

type reconKey struct {
	signature string
	kind      models.ReconciliationKind
}

// Store keeps everything in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	debts    map[models.DebtKey]*models.DebtRecord
	payments map[string]struct{}
	attempts map[attemptKey]*models.Attempt
	latest   map[models.DebtKey]int64
	recons   map[string]*models.Reconciliation
	reconIDs map[reconKey]string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		debts:    make(map[models.DebtKey]*models.DebtRecord),
		payments: make(map[string]struct{}),
		attempts: make(map[attemptKey]*models.Attempt),
		latest:   make(map[models.DebtKey]int64),
		recons:   make(map[string]*models.Reconciliation),
		reconIDs: make(map[reconKey]string),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) GetDebt(_ context.Context, key models.DebtKey) (*models.DebtRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.debts[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrDebtNotFound, key)
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) RecordPayment(_ context.Context, payment models.Payment) (*models.DebtRecord, error) {
	if err := payment.Key.Validate(); err != nil {
		return nil, err
	}
	if !payment.Amount.IsPositive() {
		return nil, fmt.Errorf("payment amount must be positive, got %s", payment.Amount)
	}
	if payment.Reference == "" {
		payment.Reference = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.debts[payment.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrDebtNotFound, payment.Key)
	}
	if _, seen := s.payments[payment.Reference]; !seen {
		next := *rec
		next.ApplyPayment(payment.Amount)
		if err := next.Check(); err != nil {
			return nil, err
		}
		next.UpdatedAt = time.Now().Unix()
		*rec = next
		s.payments[payment.Reference] = struct{}{}
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) AddCharges(_ context.Context, charges []models.Charge) error {
	for _, c := range charges {
		if err := c.Key.Validate(); err != nil {
			return err
		}
		if !c.Amount.IsPositive() {
			return fmt.Errorf("charge for %s must be positive, got %s", c.Key, c.Amount)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	for _, c := range charges {
		rec, ok := s.debts[c.Key]
		if !ok {
			rec = &models.DebtRecord{Key: c.Key}
			s.debts[c.Key] = rec
		}
		rec.TotalOwed = rec.TotalOwed.Add(c.Amount)
		rec.UpdatedAt = now
	}
	return nil
}

func (s *Store) Begin(_ context.Context, attempt *models.Attempt) error {
	if err := attempt.Key.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	counter := s.latest[attempt.Key]
	if prev, ok := s.attempts[attemptKey{attempt.Key, counter}]; ok && !prev.State.Resolved() {
		return fmt.Errorf("%w: %s attempt %d is %s", storage.ErrAttemptInFlight, attempt.Key, counter, prev.State)
	}

	now := time.Now().Unix()
	attempt.Counter = counter + 1
	attempt.State = models.StateBuilding
	attempt.CreatedAt = now
	attempt.UpdatedAt = now

	cp := *attempt
	s.attempts[attemptKey{attempt.Key, attempt.Counter}] = &cp
	s.latest[attempt.Key] = attempt.Counter
	return nil
}

func (s *Store) Update(_ context.Context, attempt *models.Attempt, from models.AttemptState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.attempts[attemptKey{attempt.Key, attempt.Counter}]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrAttemptNotFound, attempt.Reference())
	}
	if stored.State != from {
		return fmt.Errorf("%w: %s is no longer %s", storage.ErrStaleState, attempt.Reference(), from)
	}

	attempt.UpdatedAt = time.Now().Unix()
	cp := *attempt
	cp.CreatedAt = stored.CreatedAt
	s.attempts[attemptKey{attempt.Key, attempt.Counter}] = &cp
	return nil
}

func (s *Store) GetAttempt(_ context.Context, key models.DebtKey, counter int64) (*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[attemptKey{key, counter}]
	if !ok {
		return nil, fmt.Errorf("%w: %s#%d", storage.ErrAttemptNotFound, key, counter)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) LatestAttempt(ctx context.Context, key models.DebtKey) (*models.Attempt, error) {
	s.mu.Lock()
	counter, ok := s.latest[key]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrAttemptNotFound, key)
	}
	return s.GetAttempt(ctx, key, counter)
}

func (s *Store) ListOpenAttempts(_ context.Context) ([]*models.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*models.Attempt
	for _, a := range s.attempts {
		if !a.State.Terminal() {
			cp := *a
			open = append(open, &cp)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CreatedAt != open[j].CreatedAt {
			return open[i].CreatedAt < open[j].CreatedAt
		}
		return open[i].Reference() < open[j].Reference()
	})
	return open, nil
}

func (s *Store) Enqueue(_ context.Context, r *models.Reconciliation) error {
	if r.Signature == "" {
		return fmt.Errorf("reconciliation requires a ledger signature")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.reconIDs[reconKey{r.Signature, r.Kind}]; ok {
		r.ID = id
		return nil
	}

	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	now := time.Now().Unix()
	if r.CreatedAt == 0 {
		r.CreatedAt = now
	}
	if r.NextAttemptAt == 0 {
		r.NextAttemptAt = now
	}
	r.Status = models.ReconciliationPending
	r.UpdatedAt = now

	cp := *r
	s.recons[r.ID] = &cp
	s.reconIDs[reconKey{r.Signature, r.Kind}] = r.ID
	return nil
}

func (s *Store) ListDue(_ context.Context, now int64, limit int) ([]*models.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.Reconciliation
	for _, r := range s.recons {
		if r.Status == models.ReconciliationPending && r.NextAttemptAt <= now {
			cp := *r
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextAttemptAt != due[j].NextAttemptAt {
			return due[i].NextAttemptAt < due[j].NextAttemptAt
		}
		return due[i].CreatedAt < due[j].CreatedAt
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) MarkDone(_ context.Context, id string) error {
	return s.mutate(id, func(r *models.Reconciliation) {
		r.Status = models.ReconciliationDone
	})
}

func (s *Store) MarkRetry(_ context.Context, id string, lastErr string, next int64) error {
	return s.mutate(id, func(r *models.Reconciliation) {
		r.Tries++
		r.LastError = lastErr
		r.NextAttemptAt = next
	})
}

func (s *Store) MarkAbandoned(_ context.Context, id string, lastErr string) error {
	return s.mutate(id, func(r *models.Reconciliation) {
		r.Tries++
		r.LastError = lastErr
		r.Status = models.ReconciliationAbandoned
	})
}

func (s *Store) mutate(id string, fn func(*models.Reconciliation)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recons[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrReconciliationNotFound, id)
	}
	fn(r)
	r.UpdatedAt = time.Now().Unix()
	return nil
}

func (s *Store) ListReconciliations(_ context.Context, status models.ReconciliationStatus) ([]*models.Reconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.Reconciliation
	for _, r := range s.recons {
		if status == "" || r.Status == status {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CountPending(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.recons {
		if r.Status == models.ReconciliationPending {
			n++
		}
	}
	return n, nil
}
