package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peerlend/crypto"
	"peerlend/services/lendingd/config"
)

func TestRateLimiterDisabledWithoutLimit(t *testing.T) {
	require.Nil(t, newRateLimiter(config.RateLimitConfig{}))
}

func TestRateLimiterSweepsIdleVisitors(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	limiter := newRateLimiter(config.RateLimitConfig{RequestsPerMinute: 60, Burst: 1, IdleTTL: time.Minute})
	limiter.clockNow = func() time.Time { return now }

	require.True(t, limiter.allow("a"))
	require.False(t, limiter.allow("a"))
	require.True(t, limiter.allow("b"))
	require.Len(t, limiter.visitors, 2)

	now = now.Add(2 * time.Minute)
	require.True(t, limiter.allow("c"))
	require.Len(t, limiter.visitors, 1)
}

func TestVisitorKey(t *testing.T) {
	req := httptest.NewRequest("GET", "/v1/loans/1", nil)
	req.RemoteAddr = "10.0.0.7:5123"
	require.Equal(t, "ip:10.0.0.7", visitorKey(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.4, 10.0.0.1")
	require.Equal(t, "ip:192.0.2.4", visitorKey(req))

	addr := crypto.DeriveAddress("caller")
	req = req.WithContext(WithCaller(req.Context(), addr))
	require.Equal(t, "addr:"+addr.String(), visitorKey(req))
}

func TestIssuedTokenVerifies(t *testing.T) {
	auth := newAuthenticator(config.AuthConfig{HMACSecret: testSecret, Issuer: "peerlend", Audience: "api", ClockSkew: time.Minute})
	addr := crypto.DeriveAddress("caller")

	token, err := IssueToken(testSecret, addr, "peerlend", "api", time.Minute)
	require.NoError(t, err)
	got, err := auth.verify(token)
	require.NoError(t, err)
	require.Equal(t, addr, got)

	token, err = IssueToken(testSecret, addr, "someone-else", "api", time.Minute)
	require.NoError(t, err)
	_, err = auth.verify(token)
	require.Error(t, err)
}

func TestTLSConfigAllowsInsecure(t *testing.T) {
	cfg, err := TLSConfig(config.TLSConfig{AllowInsecure: true}, nil)
	require.NoError(t, err)
	require.Nil(t, cfg)

	_, err = TLSConfig(config.TLSConfig{}, nil)
	require.Error(t, err)

	_, err = TLSConfig(config.TLSConfig{AllowInsecure: true}, []string{"client"})
	require.Error(t, err)
}
