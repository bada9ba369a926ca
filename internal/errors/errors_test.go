package errors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"explicit transient", NewTransientError(fmt.Errorf("rpc down"), ""), true},
		{"explicit permanent", NewPermanentError(fmt.Errorf("bad key"), ""), false},
		{"connection refused", fmt.Errorf("dial tcp 127.0.0.1:8545: connection refused"), true},
		{"rate limited", fmt.Errorf("request failed with status 429"), true},
		{"server error", fmt.Errorf("request failed with status 503"), true},
		{"not found", fmt.Errorf("request failed with status 404"), false},
		{"execution reverted", fmt.Errorf("execution reverted: task exists"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewPermanentError(fmt.Errorf("invalid input"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	result, err := RetryWithResult(context.Background(), RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", NewTransientError(fmt.Errorf("rpc timeout"), "")
		}
		return "receipt", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "receipt", result)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		return NewTransientError(fmt.Errorf("rpc timeout"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 5, calls, "MaxAttempts=4 means five total executions")
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func(ctx context.Context) error {
		return NewTransientError(fmt.Errorf("rpc timeout"), "")
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
	}{
		{"validation", NewValidationError("budget", "must be positive"), KindValidation},
		{"no eligible worker", &NoEligibleWorkerError{TaskType: "writer"}, KindResource},
		{"budget exceeded", &BudgetExceededError{Estimated: big.NewInt(8), Max: big.NewInt(5)}, KindResource},
		{"chain unavailable", &ChainUnavailableError{Op: "depositTask", Err: fmt.Errorf("rpc down")}, KindChain},
		{"tx reverted", &TxRevertedError{TxHash: "0xdead"}, KindChain},
		{"invalid transition", &InvalidTransitionError{From: "completed", To: "running"}, KindProtocol},
		{"nonce reused", &NonceReusedError{TaskID: "0x01", Nonce: 7}, KindProtocol},
		{"dispatch failed", &DispatchFailedError{Worker: "0xW", StatusCode: 500}, KindWorker},
		{"proof timeout", &ProofTimeoutError{TaskID: "0x01"}, KindTimeout},
		{"config missing", &ConfigMissingError{Key: "ECONOS_MASTER_PRIVATE_KEY"}, KindInternal},
		{"wrapped", fmt.Errorf("step 2: %w", &NoWorkerForServiceError{ServiceType: "researcher"}), KindResource},
		{"plain", errors.New("boom"), KindUnclassified},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
		})
	}
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	cb := NewCircuitBreaker("worker-0xW", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})

	boom := fmt.Errorf("dispatch failed")
	for i := 0; i < 2; i++ {
		_ = cb.Execute(context.Background(), func(ctx context.Context) error { return boom })
	}
	assert.Equal(t, StateOpen, cb.State())

	// Requests are rejected while open
	err := cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	var openErr *CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "worker-0xW", openErr.Name)

	// After the timeout a probe is allowed and success closes the circuit
	time.Sleep(15 * time.Millisecond)
	err = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManagerReusesBreakers(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())

	a := m.Get("worker-a")
	b := m.Get("worker-a")
	assert.Same(t, a, b)

	c := m.Get("worker-b")
	assert.NotSame(t, a, c)
	assert.Len(t, m.GetMetrics(), 2)
}
