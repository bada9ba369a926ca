package lifecycle

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"econos/internal/chain"
	econoserrors "econos/internal/errors"
	"econos/internal/task"
)

// fakeChain captures subscriptions and refund calls so tests can
// inject events and assert on sweeper behavior.
type fakeChain struct {
	mu          sync.Mutex
	onCreated   []func(chain.Event)
	onCompleted []func(chain.Event)
	onRefunded  []func(chain.Event)
	onProgress  []func(uint64)
	refunded    []task.TaskID
	refundErr   error
	watching    bool
}

func (f *fakeChain) SubscribeTaskCreated(cb func(chain.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCreated = append(f.onCreated, cb)
	return func() {}
}

func (f *fakeChain) SubscribeTaskCompleted(cb func(chain.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCompleted = append(f.onCompleted, cb)
	return func() {}
}

func (f *fakeChain) SubscribeTaskRefunded(cb func(chain.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRefunded = append(f.onRefunded, cb)
	return func() {}
}

func (f *fakeChain) OnBlockProcessed(cb func(uint64)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onProgress = append(f.onProgress, cb)
	return func() {}
}

func (f *fakeChain) StartWatching(context.Context, uint64) {
	f.mu.Lock()
	f.watching = true
	f.mu.Unlock()
}

func (f *fakeChain) RefundAndSlash(_ context.Context, id task.TaskID) (*chain.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refundErr != nil {
		return nil, f.refundErr
	}
	f.refunded = append(f.refunded, id)
	return &chain.Receipt{TxHash: "0xrefund", Confirmations: 2}, nil
}

func (f *fakeChain) refundCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.refunded)
}

func (f *fakeChain) emitCompleted(ev chain.Event) {
	f.mu.Lock()
	cbs := make([]func(chain.Event), len(f.onCompleted))
	copy(cbs, f.onCompleted)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *fakeChain) emitRefunded(ev chain.Event) {
	f.mu.Lock()
	cbs := make([]func(chain.Event), len(f.onRefunded))
	copy(cbs, f.onRefunded)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

func (f *fakeChain) emitCreated(ev chain.Event) {
	f.mu.Lock()
	cbs := make([]func(chain.Event), len(f.onCreated))
	copy(cbs, f.onCreated)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(ev)
	}
}

type fakeBook struct {
	mu        sync.Mutex
	penalized []string
}

func (b *fakeBook) Penalize(address string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.penalized = append(b.penalized, address)
	return 90
}

func newTestTask(t *testing.T, manager *task.Manager) *task.Task {
	t.Helper()
	created, err := manager.Create(context.Background(), task.CreateRequest{
		Type:            task.TypeSummaryGeneration,
		InputParameters: map[string]any{"text": "summarize this"},
		DurationSeconds: 7200,
		Budget:          big.NewInt(1_000_000),
	})
	require.NoError(t, err)
	return created
}

func advanceToRunning(t *testing.T, manager *task.Manager, id task.TaskID) {
	t.Helper()
	ctx := context.Background()
	_, err := manager.RecordEscrowDeposit(ctx, id, "0xdeposit", "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	_, err = manager.RecordAuthorization(ctx, id, task.AuthorizationRecord{Signature: "0xsig", Nonce: 1, ExpiresAt: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = manager.MarkAuthorized(ctx, id)
	require.NoError(t, err)
	_, err = manager.MarkRunning(ctx, id)
	require.NoError(t, err)
}

func startedMonitor(t *testing.T, manager *task.Manager, store task.Store, source ChainSource, book Penalizer, cbs Callbacks) *Monitor {
	t.Helper()
	m := NewMonitor(manager, source, store, book, cbs, Config{SweepInterval: time.Hour}, nil)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func TestCreatedEventConfirmsDeposit(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	startedMonitor(t, manager, store, fc, nil, Callbacks{})

	created := newTestTask(t, manager)
	fc.emitCreated(chain.Event{
		Kind:     chain.EventTaskCreated,
		TaskHash: created.ID.ChainHash(),
		Worker:   common.HexToAddress("0x2222222222222222222222222222222222222222"),
		TxHash:   common.HexToHash("0xabc"),
	})

	got, err := manager.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCreated, got.Status)
	assert.NotEmpty(t, got.EscrowTxHash)
	assert.NotEmpty(t, got.AssignedWorker)
}

func TestCompletedEventRecordsResultAndInvokesCallback(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}

	done := make(chan *task.Task, 1)
	startedMonitor(t, manager, store, fc, nil, Callbacks{
		OnTaskComplete: func(completed *task.Task) { done <- completed },
	})

	created := newTestTask(t, manager)
	advanceToRunning(t, manager, created.ID)

	fc.emitCompleted(chain.Event{
		Kind:     chain.EventTaskCompleted,
		TaskHash: created.ID.ChainHash(),
		Result:   []byte{0xab, 0xcd},
	})

	select {
	case completed := <-done:
		assert.Equal(t, task.StatusCompleted, completed.Status)
		assert.Equal(t, "0xabcd", completed.ResultHash)
	case <-time.After(2 * time.Second):
		t.Fatal("completion callback never fired")
	}
}

func TestRefundedEventSlashesWorker(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	book := &fakeBook{}

	refunded := make(chan *task.Task, 1)
	startedMonitor(t, manager, store, fc, book, Callbacks{
		OnTaskRefund: func(rt *task.Task) { refunded <- rt },
	})

	created := newTestTask(t, manager)
	worker := "0x3333333333333333333333333333333333333333"
	_, err := manager.RecordEscrowDeposit(context.Background(), created.ID, "0xdeposit", worker)
	require.NoError(t, err)

	fc.emitRefunded(chain.Event{
		Kind:     chain.EventTaskRefunded,
		TaskHash: created.ID.ChainHash(),
	})

	select {
	case rt := <-refunded:
		assert.Equal(t, task.StatusRefunded, rt.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("refund callback never fired")
	}

	book.mu.Lock()
	defer book.mu.Unlock()
	require.Len(t, book.penalized, 1)
	assert.Equal(t, worker, book.penalized[0])
}

func TestEventForUnknownTaskIsIgnored(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	startedMonitor(t, manager, store, fc, nil, Callbacks{})

	// Another master's task on the same escrow.
	fc.emitCompleted(chain.Event{
		Kind:     chain.EventTaskCompleted,
		TaskHash: task.ToBytes32("someone-elses-task"),
		Result:   []byte{0x01},
	})

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSweepRefundsExpiredTask(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	m := startedMonitor(t, manager, store, fc, nil, Callbacks{})

	expired := expiredTask(t, store, task.StatusCreated)
	m.Sweep(context.Background())

	require.Equal(t, 1, fc.refundCount())
	assert.Equal(t, expired.ID, fc.refunded[0])

	// Status is untouched until the TaskRefunded event lands.
	got, err := manager.Get(context.Background(), expired.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCreated, got.Status)
}

func TestSweepMarksTaskFailedWhenRefundFails(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{refundErr: &econoserrors.ChainUnavailableError{Op: "refundAndSlash"}}

	failed := make(chan *task.Task, 1)
	m := startedMonitor(t, manager, store, fc, nil, Callbacks{
		OnTaskFail: func(ft *task.Task, err error) { failed <- ft },
	})

	expired := expiredTask(t, store, task.StatusRunning)
	m.Sweep(context.Background())

	select {
	case ft := <-failed:
		assert.Equal(t, expired.ID, ft.ID)
		assert.Equal(t, task.StatusFailed, ft.Status)
		assert.Equal(t, string(econoserrors.KindChain), ft.FailureKind)
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback never fired")
	}
}

func TestSweepIsNoOpOnceTerminal(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	m := startedMonitor(t, manager, store, fc, nil, Callbacks{})

	expired := expiredTask(t, store, task.StatusCreated)
	m.Sweep(context.Background())
	require.Equal(t, 1, fc.refundCount())

	fc.emitRefunded(chain.Event{Kind: chain.EventTaskRefunded, TaskHash: expired.ID.ChainHash()})
	m.Sweep(context.Background())
	m.Sweep(context.Background())
	assert.Equal(t, 1, fc.refundCount(), "terminal task must not be refunded again")
}

func TestCheckpointRoundTrip(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	m := startedMonitor(t, manager, store, fc, nil, Callbacks{})

	fc.mu.Lock()
	progress := make([]func(uint64), len(fc.onProgress))
	copy(progress, fc.onProgress)
	fc.mu.Unlock()
	require.NotEmpty(t, progress)
	progress[0](1234)

	value, ok, err := store.LoadCheckpoint(context.Background(), CheckpointName)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(1234), value)
	m.Stop()

	// A restarted monitor resumes one block past the checkpoint.
	m2 := NewMonitor(manager, fc, store, nil, Callbacks{}, Config{SweepInterval: time.Hour}, nil)
	require.NoError(t, m2.Start(context.Background()))
	m2.Stop()
}

func TestStartStopIdempotent(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	m := NewMonitor(manager, fc, store, nil, Callbacks{}, Config{SweepInterval: time.Hour}, nil)

	require.NoError(t, m.Start(context.Background()))
	require.NoError(t, m.Start(context.Background()))
	m.Stop()
	m.Stop()
}

func TestSubscribeReceivesTransitions(t *testing.T) {
	store := task.NewInMemoryStore()
	manager := task.NewManager(store, nil, nil)
	fc := &fakeChain{}
	m := startedMonitor(t, manager, store, fc, nil, Callbacks{})

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	created := newTestTask(t, manager)
	fc.emitCreated(chain.Event{
		Kind:     chain.EventTaskCreated,
		TaskHash: created.ID.ChainHash(),
		Worker:   common.HexToAddress("0x4444444444444444444444444444444444444444"),
		TxHash:   common.HexToHash("0xdef"),
	})

	select {
	case ev := <-events:
		assert.Equal(t, created.ID.String(), ev.TaskID)
		assert.Equal(t, task.StatusCreated, ev.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no broadcast event received")
	}
}

// expiredTask plants a task already past its deadline directly in the
// store; the manager's validation would reject creating one.
func expiredTask(t *testing.T, store task.Store, status task.Status) *task.Task {
	t.Helper()
	now := time.Now().UTC()
	planted := &task.Task{
		ID:                   task.NewTaskID(),
		Type:                 task.TypeSummaryGeneration,
		InputParameters:      map[string]any{"text": "late"},
		RequiredCapabilities: []string{string(task.TypeSummaryGeneration)},
		Deadline:             now.Add(-time.Minute),
		Budget:               big.NewInt(1_000_000),
		Status:               status,
		AssignedWorker:       "0x5555555555555555555555555555555555555555",
		EscrowTxHash:         "0xdeposit",
		CreatedAt:            now.Add(-2 * time.Hour),
		UpdatedAt:            now.Add(-2 * time.Hour),
	}
	require.NoError(t, store.Create(context.Background(), planted))
	return planted
}
