package middleware

import (
	"context"
	"strings"

	"connectrpc.com/connect"

	"github.com/mmynk/splitpay/internal/auth"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// EmailKey is the context key for the authenticated participant's email.
	EmailKey contextKey = "email"
	// WalletKey is the context key for the participant's wallet account.
	WalletKey contextKey = "wallet"
)

// GetEmail extracts the caller's email from the context.
// Returns empty string if not found.
func GetEmail(ctx context.Context) string {
	email, _ := ctx.Value(EmailKey).(string)
	return email
}

// GetWallet extracts the caller's wallet account from the context.
func GetWallet(ctx context.Context) string {
	wallet, _ := ctx.Value(WalletKey).(string)
	return wallet
}

// WithCaller returns ctx carrying the caller identity.
func WithCaller(ctx context.Context, email, wallet string) context.Context {
	ctx = context.WithValue(ctx, EmailKey, email)
	if wallet != "" {
		ctx = context.WithValue(ctx, WalletKey, wallet)
	}
	return ctx
}

// RequireAuth returns a middleware that validates JWT tokens and requires authentication.
// It extracts the token from the Authorization header, validates it, and adds
// the caller identity to the request context.
func RequireAuth(jwtManager *auth.JWTManager) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			authHeader := req.Header().Get("Authorization")
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrInvalidToken)
			}

			claims, err := jwtManager.Validate(parts[1])
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, err)
			}

			return next(WithCaller(ctx, claims.Email, claims.Wallet), req)
		}
	}
}
