package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/metrics"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/storage"
)

// StatusChecker reads a transfer's confirmation status.
type StatusChecker interface {
	Status(ctx context.Context, signature string) (ledger.Status, error)
}

// ReconcilerConfig tunes the drain loop.
type ReconcilerConfig struct {
	BatchSize int
	MaxTries  int
	RetryBase time.Duration
	RetryMax  time.Duration
}

func (c ReconcilerConfig) withDefaults() ReconcilerConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxTries <= 0 {
		c.MaxTries = 10
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Hour
	}
	return c
}

// ReconcilerDeps are the collaborators of a Reconciler.
type ReconcilerDeps struct {
	Queue   storage.ReconciliationQueue
	Journal storage.AttemptJournal
	Debts   storage.DebtStore
	Ledger  StatusChecker
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Reconciler drains the reconciliation queue. It only ever retries the
// debt-store write or re-reads ledger status; it never submits a transfer.
type Reconciler struct {
	queue   storage.ReconciliationQueue
	journal storage.AttemptJournal
	debts   storage.DebtStore
	ledger  StatusChecker
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     ReconcilerConfig
	now     func() time.Time
}

// NewReconciler creates a Reconciler.
func NewReconciler(deps ReconcilerDeps, cfg ReconcilerConfig) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		queue:   deps.Queue,
		journal: deps.Journal,
		debts:   deps.Debts,
		ledger:  deps.Ledger,
		metrics: deps.Metrics,
		logger:  logger.With("component", "reconciler"),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// DrainStats summarizes one drain pass.
type DrainStats struct {
	Done      int
	Retried   int
	Abandoned int
}

// Drain processes every entry currently due.
func (r *Reconciler) Drain(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	due, err := r.queue.ListDue(ctx, r.now().Unix(), r.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("failed to list due reconciliations: %w", err)
	}

	for _, entry := range due {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		log := r.logger.With(
			"reconciliation_id", entry.ID,
			"kind", entry.Kind,
			"signature", entry.Signature,
			"debt_key", entry.Key.String(),
			"attempt", entry.Counter,
		)

		var perr error
		switch entry.Kind {
		case models.ReconcileDebtWrite:
			perr = r.retryDebtWrite(ctx, log, entry)
		case models.ReconcileConfirmCheck:
			perr = r.checkConfirmation(ctx, log, entry)
		default:
			perr = fmt.Errorf("unknown reconciliation kind %q", entry.Kind)
		}

		switch {
		case perr == nil:
			if err := r.queue.MarkDone(ctx, entry.ID); err != nil {
				log.Error("Failed to mark reconciliation done", "error", err)
				continue
			}
			r.metrics.Reconciled(string(entry.Kind), "done")
			stats.Done++
		case entry.Tries+1 >= r.cfg.MaxTries:
			if err := r.queue.MarkAbandoned(ctx, entry.ID, perr.Error()); err != nil {
				log.Error("Failed to abandon reconciliation", "error", err)
				continue
			}
			r.metrics.Reconciled(string(entry.Kind), "abandoned")
			log.Error("Reconciliation abandoned, manual action required", "tries", entry.Tries+1, "error", perr)
			stats.Abandoned++
		default:
			next := r.now().Add(r.delay(entry.Tries)).Unix()
			if err := r.queue.MarkRetry(ctx, entry.ID, perr.Error(), next); err != nil {
				log.Error("Failed to reschedule reconciliation", "error", err)
				continue
			}
			r.metrics.Reconciled(string(entry.Kind), "retry")
			log.Warn("Reconciliation failed, will retry", "tries", entry.Tries+1, "next_attempt_at", next, "error", perr)
			stats.Retried++
		}
	}
	return stats, nil
}

// delay is the wait after the given number of failed tries.
func (r *Reconciler) delay(tries int) time.Duration {
	b := retry.WithCappedDuration(r.cfg.RetryMax, retry.NewExponential(r.cfg.RetryBase))
	d := r.cfg.RetryBase
	for i := 0; i <= tries; i++ {
		d, _ = b.Next()
	}
	return d
}

func (r *Reconciler) retryDebtWrite(ctx context.Context, log *slog.Logger, entry *models.Reconciliation) error {
	rec, err := r.debts.RecordPayment(ctx, models.Payment{
		Key:       entry.Key,
		Amount:    entry.Amount,
		Reference: entry.Signature,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDebtStoreWrite, err)
	}
	r.resolveAttempt(ctx, log, entry, models.StatePartiallySettled, models.StateSettled, "")
	log.Info("Debt store write reconciled", "paid_to_date", rec.PaidToDate.StringFixed(2))
	return nil
}

func (r *Reconciler) checkConfirmation(ctx context.Context, log *slog.Logger, entry *models.Reconciliation) error {
	status, err := r.ledger.Status(ctx, entry.Signature)
	if err != nil {
		return err
	}

	switch status {
	case ledger.StatusConfirmed:
		_, err := r.debts.RecordPayment(ctx, models.Payment{
			Key:       entry.Key,
			Amount:    entry.Amount,
			Reference: entry.Signature,
		})
		if err != nil {
			// The transfer moved; only the write is left. Hand it over to a
			// debt_write entry and close this one.
			r.resolveAttempt(ctx, log, entry, models.StateUnknown, models.StatePartiallySettled, KindDebtStoreWriteFailure)
			follow := &models.Reconciliation{
				Signature: entry.Signature,
				Kind:      models.ReconcileDebtWrite,
				Key:       entry.Key,
				Counter:   entry.Counter,
				Amount:    entry.Amount,
				LastError: err.Error(),
			}
			if qerr := r.queue.Enqueue(ctx, follow); qerr != nil {
				return fmt.Errorf("failed to queue debt write: %w", qerr)
			}
			log.Warn("Transfer confirmed, debt store write queued", "error", err)
			return nil
		}
		r.resolveAttempt(ctx, log, entry, models.StateUnknown, models.StateSettled, "")
		log.Info("Unknown transfer confirmed and settled")
		return nil
	case ledger.StatusFailed:
		r.resolveAttempt(ctx, log, entry, models.StateUnknown, models.StateFailed, KindRejectedByLedger)
		log.Info("Unknown transfer failed on the ledger")
		return nil
	}
	return fmt.Errorf("%w: transfer still %s", ledger.ErrConfirmationTimeout, status)
}

// resolveAttempt moves the journaled attempt from one terminal state to
// another. A missing or already-moved attempt is logged and skipped.
func (r *Reconciler) resolveAttempt(ctx context.Context, log *slog.Logger, entry *models.Reconciliation, from, to models.AttemptState, kind Kind) {
	if r.journal == nil {
		return
	}
	a, err := r.journal.GetAttempt(ctx, entry.Key, entry.Counter)
	if err != nil {
		log.Warn("Attempt not found for reconciliation", "error", err)
		return
	}
	if a.State != from {
		return
	}
	a.State = to
	a.ErrorKind = string(kind)
	if kind == KindNone {
		a.Error = ""
	}
	if err := r.journal.Update(ctx, a, from); err != nil && !errors.Is(err, storage.ErrStaleState) {
		log.Error("Failed to update reconciled attempt", "error", err)
		return
	}
	r.metrics.Outcome(string(to), string(kind))
}

// Schedule runs Drain on the cron spec until ctx ends or stop is called.
// Overlapping runs are skipped. stop waits for a running drain and may be
// called more than once.
func (r *Reconciler) Schedule(ctx context.Context, spec string) (stop func(), err error) {
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err = c.AddFunc(spec, func() {
		stats, err := r.Drain(ctx)
		if err != nil {
			r.logger.Error("Reconciliation drain failed", "error", err)
			return
		}
		if stats != (DrainStats{}) {
			r.logger.Info("Reconciliation drain finished",
				"done", stats.Done,
				"retried", stats.Retried,
				"abandoned", stats.Abandoned,
			)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", spec, err)
	}
	c.Start()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Stop()
		case <-done:
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-c.Stop().Done()
	}, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
