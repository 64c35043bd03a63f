// Package settlement drives a payment from a debt record to a confirmed
// ledger transfer and back into the debt store.
//
// Each attempt moves through
//
//	idle -> building -> awaiting_signature -> broadcasting -> confirming -> reconciling
//
// and ends settled, partially_settled, failed or unknown. An attempt may be
// cancelled only before it enters broadcasting; after that it always runs to
// a terminal state.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/metrics"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/signer"
	"github.com/mmynk/splitpay/internal/storage"
)

// Builder assembles unsigned transfers.
type Builder interface {
	Build(ctx context.Context, from, to string, amount decimal.Decimal) (*models.UnsignedTransfer, error)
}

// Signer is a connected wallet session.
type Signer interface {
	CurrentAccount() string
	Sign(ctx context.Context, payload *models.UnsignedTransfer) (*models.SignedTransfer, error)
}

// Ledger is the part of the ledger client used after signing.
type Ledger interface {
	SubmitSigned(ctx context.Context, signed *models.SignedTransfer) (string, error)
	Confirm(ctx context.Context, signature string, timeout time.Duration) (ledger.Status, error)
	Status(ctx context.Context, signature string) (ledger.Status, error)
}

// Config holds the timing and retry policy.
type Config struct {
	// ConfirmTimeout bounds confirmation polling.
	ConfirmTimeout time.Duration

	// StillWaitingAfter is when a pending signature is flagged as slow.
	StillWaitingAfter time.Duration

	// SignatureTimeout bounds the wait for a signature. Zero waits until the
	// attempt is cancelled.
	SignatureTimeout time.Duration

	// BroadcastAttempts is the number of submissions tried on network errors.
	BroadcastAttempts int

	// BroadcastBackoff is the first delay between submissions.
	BroadcastBackoff time.Duration

	// MaxRebuilds is how often a stale block reference triggers a fresh build.
	MaxRebuilds int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmTimeout:    30 * time.Second,
		StillWaitingAfter: 5 * time.Second,
		BroadcastAttempts: 3,
		BroadcastBackoff:  500 * time.Millisecond,
		MaxRebuilds:       1,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = d.ConfirmTimeout
	}
	if c.StillWaitingAfter <= 0 {
		c.StillWaitingAfter = d.StillWaitingAfter
	}
	if c.BroadcastAttempts <= 0 {
		c.BroadcastAttempts = d.BroadcastAttempts
	}
	if c.BroadcastBackoff <= 0 {
		c.BroadcastBackoff = d.BroadcastBackoff
	}
	if c.MaxRebuilds < 0 {
		c.MaxRebuilds = 0
	}
	return c
}

// PaymentRequest asks to pay down a debt record.
type PaymentRequest struct {
	Key models.DebtKey

	// Amount is the requested payment. It is clamped to what remains when
	// within money.Tolerance of it.
	Amount decimal.Decimal

	// Recipient is the creditor's ledger account.
	Recipient string

	Description string
}

// Result is the outcome of a payment that reached an attempt.
type Result struct {
	Attempt models.Attempt

	// Record is the debt record after a settled payment.
	Record *models.DebtRecord

	// Rebuilds counts fresh builds after stale block references.
	Rebuilds int
}

// Snapshot is the live view of a running attempt.
type Snapshot struct {
	Attempt      models.Attempt
	StillWaiting bool
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Builder Builder
	Ledger  Ledger
	Debts   storage.DebtStore
	Journal storage.AttemptJournal
	Queue   storage.ReconciliationQueue
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Orchestrator runs settlement attempts. Attempts for different debt records
// run concurrently; the journal admits one in-flight attempt per record.
type Orchestrator struct {
	builder Builder
	ledger  Ledger
	debts   storage.DebtStore
	journal storage.AttemptJournal
	queue   storage.ReconciliationQueue
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	mu     sync.Mutex
	active map[models.DebtKey]*run
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		builder: deps.Builder,
		ledger:  deps.Ledger,
		debts:   deps.Debts,
		journal: deps.Journal,
		queue:   deps.Queue,
		metrics: deps.Metrics,
		logger:  logger.With("component", "settlement"),
		cfg:     cfg.withDefaults(),
		active:  make(map[models.DebtKey]*run),
	}
}

// run is the in-process state of one attempt.
type run struct {
	mu           sync.Mutex
	attempt      models.Attempt
	stored       models.AttemptState
	ctx          context.Context
	cancel       context.CancelCauseFunc
	cancelled    bool
	stillWaiting bool
}

func (r *run) snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{Attempt: r.attempt, StillWaiting: r.stillWaiting}
}

// Outcome is what a background attempt started with Start ended with.
type Outcome struct {
	Result *Result
	Err    error
}

// payment is a validated request.
type payment struct {
	req    PaymentRequest
	amount decimal.Decimal
	from   string
}

// Pay settles req using wallet. A nil error means the transfer confirmed:
// the result is settled or partially_settled. Failures before any attempt
// returns a nil Result; failed and unknown attempts return both.
func (o *Orchestrator) Pay(ctx context.Context, wallet Signer, req PaymentRequest) (*Result, error) {
	p, err := o.prepare(ctx, wallet, req)
	if err != nil {
		return nil, err
	}
	a, r, err := o.begin(ctx, p)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, wallet, p, a, r)
}

// Start validates req and journals the first attempt before returning it.
// The attempt then runs in the background; its outcome is sent on the
// returned channel, which is closed afterwards.
func (o *Orchestrator) Start(ctx context.Context, wallet Signer, req PaymentRequest) (models.Attempt, <-chan Outcome, error) {
	p, err := o.prepare(ctx, wallet, req)
	if err != nil {
		return models.Attempt{}, nil, err
	}
	a, r, err := o.begin(ctx, p)
	if err != nil {
		return models.Attempt{}, nil, err
	}

	started := *a
	ch := make(chan Outcome, 1)
	go func() {
		defer close(ch)
		res, err := o.run(ctx, wallet, p, a, r)
		ch <- Outcome{Result: res, Err: err}
	}()
	return started, ch, nil
}

// prepare checks req against the debt record. Nothing external is called
// when it fails.
func (o *Orchestrator) prepare(ctx context.Context, wallet Signer, req PaymentRequest) (*payment, error) {
	if err := req.Key.Validate(); err != nil {
		return nil, o.reject(fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	if req.Recipient == "" {
		return nil, o.reject(fmt.Errorf("%w: recipient account required", ErrInvalidRequest))
	}
	if !req.Amount.IsPositive() {
		return nil, o.reject(money.ErrNonPositive)
	}

	rec, err := o.debts.GetDebt(ctx, req.Key)
	if err != nil {
		return nil, o.reject(fmt.Errorf("failed to get debt record: %w", err))
	}
	remaining := rec.Remaining()
	if req.Amount.GreaterThan(remaining.Add(money.Tolerance)) {
		return nil, o.reject(fmt.Errorf("%w: requested %s, remaining %s",
			ErrAmountExceedsRemaining, money.Format(req.Amount), money.Format(remaining)))
	}
	amount := money.Clamp(req.Amount, decimal.Zero, remaining)
	if !amount.IsPositive() {
		return nil, o.reject(fmt.Errorf("%w: nothing is owed on %s", ErrAmountExceedsRemaining, req.Key))
	}

	if wallet == nil || wallet.CurrentAccount() == "" {
		return nil, o.reject(signer.ErrNotConnected)
	}
	return &payment{req: req, amount: amount, from: wallet.CurrentAccount()}, nil
}

// run drives attempts for p until one does not end on a stale block
// reference or the rebuild budget is spent.
func (o *Orchestrator) run(ctx context.Context, wallet Signer, p *payment, a *models.Attempt, r *run) (*Result, error) {
	rebuilds := 0
	for {
		res, err := o.attempt(ctx, wallet, p, a, r)
		res.Rebuilds = rebuilds
		if !errors.Is(err, ledger.ErrBlockRefExpired) || rebuilds >= o.cfg.MaxRebuilds {
			return res, err
		}

		rebuilds++
		o.metrics.Rebuild()
		o.logger.Info("Rebuilding transfer with a fresh block reference",
			"debt_key", p.req.Key.String(),
			"attempt", res.Attempt.Counter,
		)
		var berr error
		if a, r, berr = o.begin(ctx, p); berr != nil {
			return res, err
		}
	}
}

// reject reports a request refused before any attempt began.
func (o *Orchestrator) reject(err error) error {
	kind := Classify(err)
	o.metrics.Outcome(string(models.StateIdle), string(kind))
	o.logger.Info("Payment request rejected", "kind", kind, "error", err)
	return &Error{Kind: kind, State: models.StateIdle, Err: err}
}

// begin journals a new attempt and makes it visible to Snapshot and Cancel.
func (o *Orchestrator) begin(ctx context.Context, p *payment) (*models.Attempt, *run, error) {
	a := &models.Attempt{Key: p.req.Key, Amount: p.amount, From: p.from, To: p.req.Recipient}
	if err := o.journal.Begin(ctx, a); err != nil {
		return nil, nil, o.reject(err)
	}

	signCtx, cancel := context.WithCancelCause(ctx)
	r := &run{attempt: *a, stored: a.State, ctx: signCtx, cancel: cancel}
	o.track(r)
	return a, r, nil
}

func (o *Orchestrator) attempt(ctx context.Context, wallet Signer, p *payment, a *models.Attempt, r *run) (*Result, error) {
	defer r.cancel(nil)
	defer o.untrack(a.Key, r)

	// Journal and debt-store writes must land even after the caller's
	// context is gone.
	wctx := context.WithoutCancel(ctx)
	signCtx := r.ctx

	log := o.logger.With("debt_key", a.Key.String(), "attempt", a.Counter)
	log.Info("Settlement attempt started", "amount", money.Format(a.Amount), "from", a.From, "to", a.To)

	start := time.Now()
	tx, err := o.builder.Build(signCtx, a.From, a.To, a.Amount)
	o.metrics.Stage("building", start)
	if err != nil {
		return o.fail(wctx, log, r, a, cancelCause(signCtx, err))
	}
	a.Native = tx.Native
	if err := o.advance(wctx, log, r, a, models.StateAwaitingSignature); err != nil {
		return o.fail(wctx, log, r, a, err)
	}

	signed, err := o.sign(signCtx, log, r, wallet, tx)
	if err != nil {
		return o.fail(wctx, log, r, a, err)
	}

	if err := o.enterBroadcast(wctx, log, r, a); err != nil {
		return o.fail(wctx, log, r, a, err)
	}

	// Past this point the attempt is not cancellable.
	bctx := context.WithoutCancel(ctx)

	start = time.Now()
	sig, err := o.broadcast(bctx, signed)
	o.metrics.Stage("broadcasting", start)
	if err != nil {
		// A submission lost in transit may still have reached the ledger.
		// When the payload names its signature, check instead of assuming.
		if known, ok := ledger.SignatureOf(signed.Payload); ok && errors.Is(err, ledger.ErrNetworkUnavailable) {
			a.Signature = known
			log.Warn("Broadcast outcome unknown", "signature", known, "error", err)
			return o.unknown(wctx, log, r, a, err)
		}
		return o.fail(wctx, log, r, a, err)
	}
	a.Signature = sig
	log = log.With("signature", sig)
	if err := o.advance(wctx, log, r, a, models.StateConfirming); err != nil {
		log.Error("Failed to journal confirming state", "error", err)
	}

	start = time.Now()
	status, err := o.ledger.Confirm(bctx, sig, o.cfg.ConfirmTimeout)
	if errors.Is(err, ledger.ErrConfirmationTimeout) {
		// One last look before calling it unknown.
		if final, serr := o.ledger.Status(bctx, sig); serr == nil {
			status = final
		}
	}
	o.metrics.Stage("confirming", start)

	switch status {
	case ledger.StatusConfirmed:
	case ledger.StatusFailed:
		return o.fail(wctx, log, r, a, fmt.Errorf("%w: transfer %s failed on the ledger", ledger.ErrRejected, sig))
	default:
		if err == nil {
			err = fmt.Errorf("%w: %s still %s", ledger.ErrConfirmationTimeout, sig, status)
		}
		return o.unknown(wctx, log, r, a, err)
	}

	if err := o.advance(wctx, log, r, a, models.StateReconciling); err != nil {
		log.Error("Failed to journal reconciling state", "error", err)
	}
	return o.reconcile(wctx, log, r, a, p.req.Description)
}

// sign asks the wallet for a signature, bounded by the signature timeout and
// by cancellation of the attempt.
func (o *Orchestrator) sign(ctx context.Context, log *slog.Logger, r *run, wallet Signer, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
	if o.cfg.SignatureTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, o.cfg.SignatureTimeout, signer.ErrTimeout)
		defer cancel()
	}

	waiting := time.AfterFunc(o.cfg.StillWaitingAfter, func() {
		r.mu.Lock()
		r.stillWaiting = true
		r.mu.Unlock()
		log.Info("Still waiting for signature")
	})
	defer waiting.Stop()

	start := time.Now()
	signed, err := wallet.Sign(ctx, tx)
	o.metrics.Stage("signing", start)
	if err != nil {
		return nil, cancelCause(ctx, err)
	}
	return signed, nil
}

// cancelCause replaces a context error with the reason the context ended.
func cancelCause(ctx context.Context, err error) error {
	if ctx.Err() == nil {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, context.Canceled) {
		cause = ErrCancelled
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		cause = signer.ErrTimeout
	}
	return fmt.Errorf("%w: %v", cause, err)
}

// enterBroadcast is the only way into broadcasting. The journal update is a
// compare-and-set from awaiting_signature, so a (record, counter) pair is
// broadcast at most once.
func (o *Orchestrator) enterBroadcast(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancelled {
		return ErrCancelled
	}
	if r.stored != models.StateAwaitingSignature {
		return fmt.Errorf("refusing to broadcast %s from %s", a.Reference(), r.stored)
	}

	a.State = models.StateBroadcasting
	if err := o.journal.Update(ctx, a, models.StateAwaitingSignature); err != nil {
		a.State = models.StateAwaitingSignature
		return fmt.Errorf("failed to enter broadcasting: %w", err)
	}
	r.stored = a.State
	r.attempt = *a
	log.Info("Settlement state changed", "state", a.State)
	return nil
}

// broadcast submits signed, retrying only on network errors.
func (o *Orchestrator) broadcast(ctx context.Context, signed *models.SignedTransfer) (string, error) {
	backoff := retry.WithMaxRetries(uint64(o.cfg.BroadcastAttempts-1), retry.NewExponential(o.cfg.BroadcastBackoff))

	var sig string
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		s, err := o.ledger.SubmitSigned(ctx, signed)
		switch {
		case err == nil:
			o.metrics.Broadcast("accepted")
			sig = s
			return nil
		case errors.Is(err, ledger.ErrNetworkUnavailable):
			o.metrics.Broadcast("network_error")
			o.logger.Warn("Broadcast failed, retrying", "error", err)
			return retry.RetryableError(err)
		default:
			o.metrics.Broadcast("rejected")
			return err
		}
	})
	if err != nil {
		return "", err
	}
	return sig, nil
}

func (o *Orchestrator) reconcile(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt, description string) (*Result, error) {
	start := time.Now()
	rec, err := o.debts.RecordPayment(ctx, models.Payment{
		Key:         a.Key,
		Amount:      a.Amount,
		Reference:   a.Signature,
		Description: description,
	})
	o.metrics.Stage("reconciling", start)

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrDebtStoreWrite, err)
		a.ErrorKind = string(KindDebtStoreWriteFailure)
		a.Error = err.Error()
		o.finish(ctx, log, r, a, models.StatePartiallySettled)
		o.enqueue(ctx, log, a, models.ReconcileDebtWrite)
		log.Error("Transfer confirmed but debt store write failed", "error", err)
		return &Result{Attempt: *a}, nil
	}

	o.finish(ctx, log, r, a, models.StateSettled)
	return &Result{Attempt: *a, Record: rec}, nil
}

func (o *Orchestrator) fail(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt, err error) (*Result, error) {
	kind := Classify(err)
	a.ErrorKind = string(kind)
	a.Error = err.Error()
	o.finish(ctx, log, r, a, models.StateFailed)
	return &Result{Attempt: *a}, &Error{Kind: kind, State: models.StateFailed, Signature: a.Signature, Err: err}
}

func (o *Orchestrator) unknown(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt, err error) (*Result, error) {
	kind := Classify(err)
	a.ErrorKind = string(kind)
	a.Error = err.Error()
	o.finish(ctx, log, r, a, models.StateUnknown)
	o.enqueue(ctx, log, a, models.ReconcileConfirmCheck)
	return &Result{Attempt: *a}, &Error{Kind: kind, State: models.StateUnknown, Signature: a.Signature, Err: err}
}

// advance journals a non-terminal transition.
func (o *Orchestrator) advance(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt, to models.AttemptState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := a.State
	a.State = to
	if err := o.journal.Update(ctx, a, r.stored); err != nil {
		// Keep the in-memory state moving after broadcast so the attempt
		// still reaches a terminal state; the next write retries from stored.
		if !to.PastBroadcast() {
			a.State = prev
		}
		r.attempt = *a
		return err
	}
	r.stored = to
	r.attempt = *a
	log.Info("Settlement state changed", "state", to)
	return nil
}

// finish journals a terminal state. A failed write is logged, never returned.
func (o *Orchestrator) finish(ctx context.Context, log *slog.Logger, r *run, a *models.Attempt, to models.AttemptState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.State = to
	r.attempt = *a
	if err := o.journal.Update(ctx, a, r.stored); err != nil {
		log.Error("Failed to journal terminal state", "state", to, "error", err)
	} else {
		r.stored = to
	}
	o.metrics.Outcome(string(to), a.ErrorKind)

	attrs := []any{"state", to}
	if a.ErrorKind != "" {
		attrs = append(attrs, "kind", a.ErrorKind, "error", a.Error)
	}
	switch to {
	case models.StateSettled, models.StateFailed:
		log.Info("Settlement finished", attrs...)
	default:
		log.Warn("Settlement finished", attrs...)
	}
}

func (o *Orchestrator) enqueue(ctx context.Context, log *slog.Logger, a *models.Attempt, kind models.ReconciliationKind) {
	if o.queue == nil || a.Signature == "" {
		log.Error("Reconciliation needed but not queued", "kind", kind)
		return
	}
	entry := &models.Reconciliation{
		Signature: a.Signature,
		Kind:      kind,
		Key:       a.Key,
		Counter:   a.Counter,
		Amount:    a.Amount,
		LastError: a.Error,
	}
	if err := o.queue.Enqueue(ctx, entry); err != nil {
		log.Error("Failed to queue reconciliation", "kind", kind, "error", err)
		return
	}
	log.Info("Reconciliation queued", "kind", kind, "reconciliation_id", entry.ID)
}

func (o *Orchestrator) track(r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[r.attempt.Key] = r
}

func (o *Orchestrator) untrack(key models.DebtKey, r *run) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active[key] == r {
		delete(o.active, key)
	}
}

// Snapshot returns the live state of the running attempt for key.
func (o *Orchestrator) Snapshot(key models.DebtKey) (Snapshot, bool) {
	o.mu.Lock()
	r, ok := o.active[key]
	o.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(), true
}

// Cancel abandons the running attempt for key. It succeeds only while the
// attempt is building or awaiting a signature.
func (o *Orchestrator) Cancel(key models.DebtKey) error {
	o.mu.Lock()
	r, ok := o.active[key]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveAttempt, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.attempt.State {
	case models.StateBuilding, models.StateAwaitingSignature:
		r.cancelled = true
		r.cancel(ErrCancelled)
		o.logger.Info("Settlement cancelled", "debt_key", key.String(), "attempt", r.attempt.Counter)
		return nil
	}
	return fmt.Errorf("%w: %s is %s", ErrNotCancellable, r.attempt.Reference(), r.attempt.State)
}

// Recover closes attempts left open by a previous process. Attempts that
// never broadcast are failed. Attempts that may have reached the ledger are
// moved to unknown, or to partially_settled when confirmation was already
// seen, and queued for reconciliation.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	open, err := o.journal.ListOpenAttempts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list open attempts: %w", err)
	}

	recovered := 0
	for _, a := range open {
		o.mu.Lock()
		_, running := o.active[a.Key]
		o.mu.Unlock()
		if running {
			continue
		}

		log := o.logger.With("debt_key", a.Key.String(), "attempt", a.Counter)
		from := a.State
		var queue models.ReconciliationKind
		switch {
		case from == models.StateReconciling && a.Signature != "":
			a.State = models.StatePartiallySettled
			a.ErrorKind = string(KindDebtStoreWriteFailure)
			queue = models.ReconcileDebtWrite
		case from.PastBroadcast():
			a.State = models.StateUnknown
			a.ErrorKind = string(KindInterrupted)
			queue = models.ReconcileConfirmCheck
		default:
			a.State = models.StateFailed
			a.ErrorKind = string(KindInterrupted)
		}
		a.Error = fmt.Sprintf("interrupted while %s", from)

		if err := o.journal.Update(ctx, a, from); err != nil {
			log.Error("Failed to recover attempt", "error", err)
			continue
		}
		if queue != "" {
			o.enqueue(ctx, log, a, queue)
		}
		o.metrics.Outcome(string(a.State), a.ErrorKind)
		log.Warn("Recovered interrupted attempt", "from", from, "state", a.State, "signature", a.Signature)
		recovered++
	}
	return recovered, nil
}
