package httpclient

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	econoserrors "econos/internal/errors"
)

func TestCircuitBreakerRoundTripperOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewWithCircuitBreakerConfig(time.Second, nil, "worker-sidecar", econoserrors.CircuitBreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
	})

	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}

	// Circuit is open now; the request must be rejected before reaching the server
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	var openErr *econoserrors.CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
	assert.Equal(t, int64(3), hits.Load())
}

func TestCircuitBreakerRoundTripperPassesSuccesses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewWithCircuitBreaker(time.Second, nil, "worker-sidecar")

	for i := 0; i < 10; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
}
