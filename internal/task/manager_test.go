package task

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	econoserrors "econos/internal/errors"
	"econos/internal/logging"
)

func newTestManager() *Manager {
	return NewManager(NewInMemoryStore(), logging.Nop(), nil)
}

func validRequest() CreateRequest {
	return CreateRequest{
		Type:            TypeSummaryGeneration,
		InputParameters: map[string]any{"text": "the quick brown fox jumps over the lazy dog"},
		DurationSeconds: 3600,
		Budget:          big.NewInt(5_000_000_000_000_000),
	}
}

func TestCreateValidation(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRequest)
		field  string
	}{
		{"unsupported type", func(r *CreateRequest) { r.Type = "video-generation" }, "taskType"},
		{"missing required input", func(r *CreateRequest) { r.InputParameters = map[string]any{} }, "text"},
		{"nil budget", func(r *CreateRequest) { r.Budget = nil }, "budget"},
		{"zero budget", func(r *CreateRequest) { r.Budget = big.NewInt(0) }, "budget"},
		{"negative budget", func(r *CreateRequest) { r.Budget = big.NewInt(-1) }, "budget"},
		{"duration below minimum", func(r *CreateRequest) { r.DurationSeconds = 3599 }, "duration"},
		{"duration above maximum", func(r *CreateRequest) { r.DurationSeconds = 604801 }, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := validRequest()
			tc.mutate(&req)
			_, err := mgr.Create(ctx, req)
			require.Error(t, err)
			var verr *econoserrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreateAcceptsDurationBounds(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	for _, duration := range []int64{3600, 604800} {
		req := validRequest()
		req.DurationSeconds = duration
		created, err := mgr.Create(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, created.Status)
		assert.Equal(t, created.CreatedAt.Add(time.Duration(duration)*time.Second), created.Deadline)
	}
}

func TestCreateMergesCapabilitiesWithType(t *testing.T) {
	mgr := newTestManager()
	req := validRequest()
	req.RequiredCapabilities = []string{"gpu", string(TypeSummaryGeneration), "gpu"}

	created, err := mgr.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []string{string(TypeSummaryGeneration), "gpu"}, created.RequiredCapabilities)
}

func TestLifecycleHappyWalk(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)

	after, err := mgr.RecordEscrowDeposit(ctx, created.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, after.Status)
	assert.Equal(t, "0xdeposit", after.EscrowTxHash)
	assert.Equal(t, "0xworker1", after.AssignedWorker)

	_, err = mgr.RecordAuthorization(ctx, created.ID, AuthorizationRecord{
		Signature: "0xsig",
		Nonce:     1,
		ExpiresAt: created.Deadline.Unix(),
	})
	require.NoError(t, err)

	after, err = mgr.MarkAuthorized(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAuthorized, after.Status)

	after, err = mgr.MarkRunning(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, after.Status)

	after, err = mgr.RecordCompletion(ctx, created.ID, "0xresult")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
	assert.Equal(t, "0xresult", after.ResultHash)

	// terminal states admit no further transitions
	_, err = mgr.MarkFailed(ctx, created.ID, econoserrors.KindTimeout)
	var terr *econoserrors.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, string(StatusCompleted), terr.From)
}

func TestMarkAuthorizedRequiresStoredAuthorization(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, created.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)

	_, err = mgr.MarkAuthorized(ctx, created.ID)
	var verr *econoserrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "authorization")
}

func TestMarkCreatedRequiresEscrowDeposit(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = mgr.UpdateStatus(ctx, created.ID, StatusCreated)
	var verr *econoserrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "escrow")
}

func TestAuthorizationCannotOutliveDeadline(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)

	_, err = mgr.RecordAuthorization(ctx, created.ID, AuthorizationRecord{
		Signature: "0xsig",
		Nonce:     1,
		ExpiresAt: created.Deadline.Unix() + 1,
	})
	var verr *econoserrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "expiresAt", verr.Field)
}

func TestRecordCompletionFromAuthorizedPassesThroughRunning(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, created.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)
	_, err = mgr.RecordAuthorization(ctx, created.ID, AuthorizationRecord{Signature: "0xsig", Nonce: 1, ExpiresAt: created.Deadline.Unix()})
	require.NoError(t, err)
	_, err = mgr.MarkAuthorized(ctx, created.ID)
	require.NoError(t, err)

	after, err := mgr.RecordCompletion(ctx, created.ID, "0xresult")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, after.Status)
}

func TestRecordCompletionRejectsUnauthorizedTask(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, created.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)

	_, err = mgr.RecordCompletion(ctx, created.ID, "0xresult")
	var terr *econoserrors.InvalidTransitionError
	require.ErrorAs(t, err, &terr)
}

func TestConcurrentTerminalTransitionsAreSerialized(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, created.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)
	_, err = mgr.RecordAuthorization(ctx, created.ID, AuthorizationRecord{Signature: "0xsig", Nonce: 1, ExpiresAt: created.Deadline.Unix()})
	require.NoError(t, err)
	_, err = mgr.MarkAuthorized(ctx, created.ID)
	require.NoError(t, err)
	_, err = mgr.MarkRunning(ctx, created.ID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = mgr.RecordCompletion(ctx, created.ID, "0xresult")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = mgr.MarkRefunded(ctx, created.ID)
	}()
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			var terr *econoserrors.InvalidTransitionError
			assert.ErrorAs(t, err, &terr)
		}
	}
	assert.Equal(t, 1, succeeded)

	final, err := mgr.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, IsTerminal(final.Status))
}

func TestExpiredTaskSelection(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mgr.now = func() time.Time { return base }

	expiring, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, expiring.ID, "0xdeposit", "0xworker1")
	require.NoError(t, err)

	longReq := validRequest()
	longReq.DurationSeconds = 7200
	healthy, err := mgr.Create(ctx, longReq)
	require.NoError(t, err)
	_, err = mgr.RecordEscrowDeposit(ctx, healthy.ID, "0xdeposit2", "0xworker2")
	require.NoError(t, err)

	// a pending task past its deadline is not sweepable
	stillPending, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)

	mgr.now = func() time.Time { return base.Add(3601 * time.Second) }

	expired, err := mgr.GetExpiredTasks(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, expiring.ID, expired[0].ID)
	assert.NotEqual(t, stillPending.ID, expired[0].ID)
}

func TestFindByHash(t *testing.T) {
	mgr := newTestManager()
	ctx := context.Background()

	created, err := mgr.Create(ctx, validRequest())
	require.NoError(t, err)

	found, err := mgr.FindByHash(ctx, created.ID.ChainHash())
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	_, err = mgr.FindByHash(ctx, ToBytes32("unknown"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetUnknownTaskReturnsNotFound(t *testing.T) {
	mgr := newTestManager()
	_, err := mgr.Get(context.Background(), NewTaskID())
	assert.ErrorIs(t, err, ErrNotFound)
}
