package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/tontine/internal/auth"
	"github.com/mmynk/tontine/internal/metrics"
)

type ping struct{}

// echoUser is a handler that returns the caller it saw.
func echoUser(seen *string) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		*seen = GetUserID(ctx)
		return connect.NewResponse(&ping{}), nil
	}
}

func TestRequireAuth(t *testing.T) {
	jwtManager := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "tontine", time.Hour)
	token, err := jwtManager.Generate("alice")
	require.NoError(t, err)

	var seen string
	handler := RequireAuth(jwtManager)(echoUser(&seen))

	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong scheme", "Basic " + token},
		{"empty bearer", "Bearer "},
		{"bad token", "Bearer nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := connect.NewRequest(&ping{})
			if tt.header != "" {
				req.Header().Set("Authorization", tt.header)
			}
			_, err := handler(context.Background(), req)
			assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
		})
	}

	req := connect.NewRequest(&ping{})
	req.Header().Set("Authorization", "Bearer "+token)
	_, err = handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "alice", seen)
}

func TestRequireAuthCarriesRole(t *testing.T) {
	jwtManager := auth.NewJWTManager("0123456789abcdef0123456789abcdef", "tontine", time.Hour)
	member, err := jwtManager.Generate("alice")
	require.NoError(t, err)
	provider, err := jwtManager.GenerateWithRole("momo-gateway", auth.RolePaymentProvider)
	require.NoError(t, err)

	var role string
	handler := RequireAuth(jwtManager)(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		role = GetRole(ctx)
		return connect.NewResponse(&ping{}), nil
	})

	req := connect.NewRequest(&ping{})
	req.Header().Set("Authorization", "Bearer "+member)
	_, err = handler(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, role)

	req = connect.NewRequest(&ping{})
	req.Header().Set("Authorization", "Bearer "+provider)
	_, err = handler(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, auth.RolePaymentProvider, role)
}

func TestRateLimiterIsPerCaller(t *testing.T) {
	l := NewRateLimiter(1, 2)
	assert.True(t, l.Allow("alice"))
	assert.True(t, l.Allow("alice"))
	assert.False(t, l.Allow("alice"))
	assert.True(t, l.Allow("bob"))

	var seen string
	handler := l.Interceptor()(echoUser(&seen))
	ctx := WithUserID(context.Background(), "alice")
	_, err := handler(ctx, connect.NewRequest(&ping{}))
	assert.Equal(t, connect.CodeResourceExhausted, connect.CodeOf(err))

	_, err = handler(WithUserID(context.Background(), "carol"), connect.NewRequest(&ping{}))
	assert.NoError(t, err)
	assert.Equal(t, "carol", seen)
}

func TestMetricsInterceptorRecordsCodes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ok := MetricsInterceptor(m)(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return connect.NewResponse(&ping{}), nil
	})
	failing := MetricsInterceptor(m)(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return nil, connect.NewError(connect.CodeNotFound, errors.New("missing"))
	})

	_, err := ok(context.Background(), connect.NewRequest(&ping{}))
	require.NoError(t, err)
	_, err = failing(context.Background(), connect.NewRequest(&ping{}))
	require.Error(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.RPCDuration))
}

func TestLoggingInterceptorPassesThrough(t *testing.T) {
	want := connect.NewError(connect.CodeInternal, errors.New("boom"))
	handler := LoggingInterceptor()(func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		return nil, want
	})
	_, err := handler(context.Background(), connect.NewRequest(&ping{}))
	assert.Same(t, want, err)
}
