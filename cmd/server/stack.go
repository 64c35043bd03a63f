package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/metrics"
	"github.com/mmynk/splitpay/internal/pricing"
	"github.com/mmynk/splitpay/internal/settlement"
	"github.com/mmynk/splitpay/internal/storage"
	"github.com/mmynk/splitpay/internal/storage/remote"
	"github.com/mmynk/splitpay/internal/storage/sqlite"
	"github.com/mmynk/splitpay/internal/transfer"
)

// stack is everything a command needs to settle or reconcile payments.
type stack struct {
	store        *sqlite.SQLiteStore
	debts        storage.DebtStore
	ledger       *ledger.Client
	registry     *prometheus.Registry
	metrics      *metrics.Metrics
	orchestrator *settlement.Orchestrator
	reconciler   *settlement.Reconciler
}

func newLedger() (*ledger.Client, error) {
	return ledger.New(viper.GetString(ledgerURLKey),
		ledger.WithPollInterval(viper.GetDuration(confirmIntervalKey)),
		ledger.WithLogger(log),
	)
}

func newStack() (*stack, error) {
	dbPath := viper.GetString(dbPathKey)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info("Storage initialized", "database", dbPath)

	var debts storage.DebtStore = store
	if u := viper.GetString(debtStoreURLKey); u != "" {
		rc, err := remote.New(u, nil, remote.BreakerSettings{}, log.With("component", "debt_store"))
		if err != nil {
			store.Close()
			return nil, err
		}
		debts = rc
		log.Info("Using external debt store", "url", u)
	}

	lc, err := newLedger()
	if err != nil {
		store.Close()
		return nil, err
	}

	rates, err := pricing.NewFixedRate(viper.GetString(rateKey))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("invalid %s: %w", rateKey, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg, store, log)

	o := settlement.New(settlement.Deps{
		Builder: transfer.NewBuilder(lc, rates, viper.GetUint64(feeReserveKey), log),
		Ledger:  lc,
		Debts:   debts,
		Journal: store,
		Queue:   store,
		Metrics: m,
		Logger:  log,
	}, settlement.Config{
		ConfirmTimeout:    viper.GetDuration(confirmTimeoutKey),
		StillWaitingAfter: viper.GetDuration(stillWaitingKey),
		SignatureTimeout:  viper.GetDuration(signatureTimeoutKey),
		BroadcastAttempts: viper.GetInt(broadcastAttemptsKey),
		BroadcastBackoff:  viper.GetDuration(broadcastBackoffKey),
		MaxRebuilds:       viper.GetInt(maxRebuildsKey),
	})

	r := settlement.NewReconciler(settlement.ReconcilerDeps{
		Queue:   store,
		Journal: store,
		Debts:   debts,
		Ledger:  lc,
		Metrics: m,
		Logger:  log,
	}, settlement.ReconcilerConfig{})

	return &stack{
		store:        store,
		debts:        debts,
		ledger:       lc,
		registry:     reg,
		metrics:      m,
		orchestrator: o,
		reconciler:   r,
	}, nil
}

func (s *stack) Close() error {
	return s.store.Close()
}
