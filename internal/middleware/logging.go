package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"connectrpc.com/connect"

	"github.com/mmynk/splitpay/internal/metrics"
)

// LoggingInterceptor returns a Connect interceptor that logs every RPC call and
// counts it by procedure and code.
func LoggingInterceptor(logger *slog.Logger, m *metrics.Metrics) connect.UnaryInterceptorFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			start := time.Now()
			procedure := req.Spec().Procedure

			resp, err := next(ctx, req)

			caller := GetEmail(ctx) // empty if pre-auth
			duration := time.Since(start).Milliseconds()
			if err != nil {
				var connectErr *connect.Error
				if errors.As(err, &connectErr) {
					m.RPC(procedure, connectErr.Code().String())
					logger.Warn("RPC error",
						"procedure", procedure,
						"code", connectErr.Code(),
						"error", connectErr.Message(),
						"caller", caller,
						"duration_ms", duration,
					)
				} else {
					m.RPC(procedure, connect.CodeUnknown.String())
					logger.Error("RPC error",
						"procedure", procedure,
						"error", err,
						"caller", caller,
						"duration_ms", duration,
					)
				}
			} else {
				m.RPC(procedure, "ok")
				logger.Info("RPC ok",
					"procedure", procedure,
					"caller", caller,
					"duration_ms", duration,
				)
			}

			return resp, err
		}
	}
}
