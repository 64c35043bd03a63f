package middleware

import (
	"context"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitpay/internal/auth"
)

func callWithHeader(t *testing.T, interceptor connect.UnaryInterceptorFunc, header string) (context.Context, error) {
	t.Helper()
	var seen context.Context
	next := connect.UnaryFunc(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		seen = ctx
		return connect.NewResponse(&struct{}{}), nil
	})

	req := connect.NewRequest(&struct{}{})
	if header != "" {
		req.Header().Set("Authorization", header)
	}
	_, err := interceptor(next)(context.Background(), req)
	return seen, err
}

func TestRequireAuth(t *testing.T) {
	jwt := auth.NewJWTManager("secret", time.Hour)
	token, err := jwt.Generate("bob@example.com", "wallet-1")
	require.NoError(t, err)

	ctx, err := callWithHeader(t, RequireAuth(jwt), "Bearer "+token)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", GetEmail(ctx))
	assert.Equal(t, "wallet-1", GetWallet(ctx))

	for _, header := range []string{"", "Bearer", "Basic " + token, "Bearer nope"} {
		_, err := callWithHeader(t, RequireAuth(jwt), header)
		assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err), header)
	}
}

func TestGetEmail_Empty(t *testing.T) {
	assert.Empty(t, GetEmail(context.Background()))
	assert.Empty(t, GetWallet(WithCaller(context.Background(), "bob@example.com", "")))
}
