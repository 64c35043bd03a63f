package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/mmynk/splitpay/internal/api"
	"github.com/mmynk/splitpay/internal/auth"
	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/middleware"
	"github.com/mmynk/splitpay/internal/service"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Connect API and the reconciliation schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st, err := newStack()
			if err != nil {
				return err
			}
			defer st.Close()

			// Attempts a previous process left open are resolved before
			// accepting new payments.
			recovered, err := st.orchestrator.Recover(ctx)
			if err != nil {
				log.Error("Recovery failed", "error", err)
				return err
			}
			if recovered > 0 {
				log.Warn("Recovered interrupted attempts", "count", recovered)
			}

			stopReconciler, err := st.reconciler.Schedule(ctx, viper.GetString(reconcileScheduleKey))
			if err != nil {
				return err
			}
			defer stopReconciler()

			var interceptors []connect.Interceptor
			if secret := viper.GetString(jwtSecretKey); secret != "" {
				jm := auth.NewJWTManager(secret, viper.GetDuration(tokenTTLKey))
				interceptors = append(interceptors, middleware.RequireAuth(jm))
			} else {
				log.Warn("Auth disabled, callers are taken from requests")
			}
			interceptors = append(interceptors, middleware.LoggingInterceptor(log.With("component", "rpc"), st.metrics))
			opts := connect.WithInterceptors(interceptors...)

			mux := http.NewServeMux()

			settlementSvc := service.NewSettlementService(st.orchestrator, st.store, st.store, st.ledger, service.SettlementConfig{
				SigningTimeout: viper.GetDuration(signatureTimeoutKey),
			})
			settlementPath, settlementHandler := api.NewSettlementServiceHandler(settlementSvc, opts)
			mux.Handle(settlementPath, settlementHandler)

			splitPath, splitHandler := api.NewSplitServiceHandler(service.NewSplitService(st.debts), opts)
			mux.Handle(splitPath, splitHandler)

			mux.Handle("GET /metrics", promhttp.HandlerFor(st.registry, promhttp.HandlerOpts{}))
			mux.Handle("GET /health", healthHandler(st.ledger))

			srv := &http.Server{
				Addr: viper.GetString(laddrKey),
				// h2c serves HTTP/2 without TLS for Connect clients.
				Handler:           h2c.NewHandler(loggingMiddleware(corsMiddleware(mux)), &http2.Server{}),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				log.Info("Connect server starting", "laddr", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server failed", "error", err)
					return err
				}
				return nil
			case <-ctx.Done():
			}

			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String(laddrKey, ":8080", "Listen address")
	cmd.Flags().String(reconcileScheduleKey, "@every 1m", "Cron schedule for draining the reconciliation queue")
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

type healthResponse struct {
	Status        string `json:"status"`
	Ledger        string `json:"ledger"`
	LedgerNetwork string `json:"ledger_network,omitempty"`
}

// healthHandler reports the service as healthy while the ledger answers.
func healthHandler(lc *ledger.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		resp := healthResponse{Status: "ok", Ledger: "ok"}
		code := http.StatusOK
		h, err := lc.Health(ctx)
		if err != nil {
			log.Warn("Ledger health check failed", "error", err)
			resp.Status, resp.Ledger = "degraded", "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			resp.Ledger, resp.LedgerNetwork = h.Status, h.Network
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(resp)
	})
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		log.Debug("Request received",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		next.ServeHTTP(w, r)

		log.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser wallets
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
