package reconcile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/model"
)

func TestHTTPEchoerOpensCircuitAfterFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	echoer := NewHTTPEchoer(EchoConfig{Timeout: time.Second, FailureThreshold: 2, Cooldown: time.Hour})
	e := Echo{Callback: model.CallbackCredentials{ListenerURL: srv.URL}, Event: "delivered", StatusCode: 2, Timestamp: time.Now()}

	assert.Error(t, echoer.Echo(context.Background(), e))
	assert.Error(t, echoer.Echo(context.Background(), e))
	assert.ErrorIs(t, echoer.Echo(context.Background(), e), ErrCircuitOpen)
	assert.Equal(t, int32(2), hits.Load())
}

func TestHTTPEchoerRejectsBadURL(t *testing.T) {
	echoer := NewHTTPEchoer(EchoConfig{})
	err := echoer.Echo(context.Background(), Echo{Callback: model.CallbackCredentials{ListenerURL: "::nope"}})
	assert.Error(t, err)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "listener", FailureThreshold: 1, Timeout: time.Minute})
	cb.now = func() time.Time { return now }

	require.True(t, cb.AllowRequest())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.AllowRequest())

	now = now.Add(time.Minute)
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(time.Minute)
	require.True(t, cb.AllowRequest())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, "half-open", CircuitHalfOpen.String())
}
