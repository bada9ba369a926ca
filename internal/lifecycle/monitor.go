// Package lifecycle drives tasks through their terminal states. The
// monitor runs two independent activities: an event demultiplexer that
// applies on-chain escrow events to local tasks, and a deadline
// sweeper that reclaims funds from tasks whose workers never
// delivered. Neither activity propagates errors; failures become state
// transitions and callback invocations.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/robfig/cron/v3"

	"econos/internal/async"
	"econos/internal/chain"
	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/task"
)

// CheckpointName keys the monitor's resume point in the task store.
const CheckpointName = "chain.last_processed_block"

// ChainSource is the gateway surface the monitor consumes. Tests
// substitute a fake; production wires *chain.Gateway.
type ChainSource interface {
	SubscribeTaskCreated(cb func(chain.Event)) func()
	SubscribeTaskCompleted(cb func(chain.Event)) func()
	SubscribeTaskRefunded(cb func(chain.Event)) func()
	OnBlockProcessed(cb func(uint64)) func()
	StartWatching(ctx context.Context, fromBlock uint64)
	RefundAndSlash(ctx context.Context, id task.TaskID) (*chain.Receipt, error)
}

// CheckpointStore persists the monitor's scan progress. task.Store
// satisfies it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, name string, value uint64) error
	LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error)
}

// Penalizer records an observed reputation slash. *directory.Book
// satisfies it.
type Penalizer interface {
	Penalize(address string) int
}

// Callbacks are invoked after the corresponding transition has been
// persisted. All fields are optional.
type Callbacks struct {
	OnTaskComplete func(t *task.Task)
	OnTaskRefund   func(t *task.Task)
	OnTaskFail     func(t *task.Task, err error)
}

// Event is one observed lifecycle transition, broadcast to
// subscribers (the API server's websocket hub among them).
type Event struct {
	TaskID     string      `json:"taskId"`
	TaskType   string      `json:"taskType"`
	Status     task.Status `json:"status"`
	Worker     string      `json:"worker,omitempty"`
	ResultHash string      `json:"resultHash,omitempty"`
	TxHash     string      `json:"txHash,omitempty"`
	At         time.Time   `json:"at"`
}

// Config tunes the monitor.
type Config struct {
	// SweepInterval paces the deadline sweeper. Default 60s.
	SweepInterval time.Duration
	// RefundTimeout bounds one refund-and-slash write. Default 2m.
	RefundTimeout time.Duration
	// SubscriberBuffer sizes each broadcast channel. A subscriber that
	// falls this far behind starts losing events. Default 64.
	SubscriberBuffer int
}

// Monitor is the lifecycle engine.
type Monitor struct {
	manager     *task.Manager
	source      ChainSource
	checkpoints CheckpointStore
	reputation  Penalizer
	callbacks   Callbacks
	cfg         Config
	logger      logging.Logger
	now         func() time.Time

	cron *cron.Cron

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	unsubs  []func()
	wg      sync.WaitGroup

	subMu   sync.RWMutex
	nextSub int
	subs    map[int]chan Event
}

// NewMonitor builds a monitor. reputation may be nil when no local
// book is kept.
func NewMonitor(manager *task.Manager, source ChainSource, checkpoints CheckpointStore, reputation Penalizer, callbacks Callbacks, cfg Config, logger logging.Logger) *Monitor {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.RefundTimeout <= 0 {
		cfg.RefundTimeout = 2 * time.Minute
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	return &Monitor{
		manager:     manager,
		source:      source,
		checkpoints: checkpoints,
		reputation:  reputation,
		callbacks:   callbacks,
		cfg:         cfg,
		logger:      logging.OrNop(logger),
		now:         time.Now,
		subs:        make(map[int]chan Event),
	}
}

// Start resumes event scanning from the persisted checkpoint and
// launches the deadline sweeper. Calling Start on a running monitor is
// a no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	fromBlock := uint64(0)
	if m.checkpoints != nil {
		saved, ok, err := m.checkpoints.LoadCheckpoint(runCtx, CheckpointName)
		if err != nil {
			m.logger.Warn("checkpoint load failed, scanning from genesis: %v", err)
		} else if ok {
			fromBlock = saved + 1
		}
	}

	m.unsubs = []func(){
		m.source.SubscribeTaskCreated(func(ev chain.Event) { m.handleCreated(runCtx, ev) }),
		m.source.SubscribeTaskCompleted(func(ev chain.Event) { m.handleCompleted(runCtx, ev) }),
		m.source.SubscribeTaskRefunded(func(ev chain.Event) { m.handleRefunded(runCtx, ev) }),
		m.source.OnBlockProcessed(func(block uint64) { m.saveCheckpoint(runCtx, block) }),
	}
	m.source.StartWatching(runCtx, fromBlock)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", m.cfg.SweepInterval), func() {
		m.Sweep(runCtx)
	}); err != nil {
		cancel()
		for _, unsub := range m.unsubs {
			unsub()
		}
		m.unsubs = nil
		return fmt.Errorf("register sweeper: %w", err)
	}
	c.Start()

	m.cron = c
	m.cancel = cancel
	m.running = true
	m.logger.Info("lifecycle monitor started: from_block=%d sweep_interval=%s", fromBlock, m.cfg.SweepInterval)
	return nil
}

// Stop halts both activities and drains in-flight callbacks before
// returning. Idempotent.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	c := m.cron
	unsubs := m.unsubs
	m.cancel = nil
	m.cron = nil
	m.unsubs = nil
	m.runMu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	cancel()
	if c != nil {
		<-c.Stop().Done()
	}
	m.wg.Wait()
	m.logger.Info("lifecycle monitor stopped")
}

// Subscribe registers a broadcast listener for lifecycle transitions.
// Events are dropped rather than blocking when the subscriber falls
// behind.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, m.cfg.SubscriberBuffer)
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Monitor) broadcast(t *task.Task, txHash string) {
	ev := Event{
		TaskID:     t.ID.String(),
		TaskType:   string(t.Type),
		Status:     t.Status,
		Worker:     t.AssignedWorker,
		ResultHash: t.ResultHash,
		TxHash:     txHash,
		At:         m.now(),
	}
	m.subMu.RLock()
	defer m.subMu.RUnlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; dropping beats blocking the demux
		}
	}
}

// handleCreated confirms the escrow deposit locally. A task the
// orchestrator already advanced keeps its state; only Pending tasks
// move to Created.
func (m *Monitor) handleCreated(ctx context.Context, ev chain.Event) {
	t := m.resolve(ctx, ev)
	if t == nil || task.IsTerminal(t.Status) || t.Status != task.StatusPending {
		return
	}
	updated, err := m.manager.RecordEscrowDeposit(ctx, t.ID, ev.TxHash.Hex(), ev.Worker.Hex())
	if err != nil {
		m.logger.Warn("TaskCreated apply failed: task=%s err=%v", t.ID, err)
		return
	}
	m.broadcast(updated, ev.TxHash.Hex())
}

// handleCompleted records the result hash and walks the task to
// Completed.
func (m *Monitor) handleCompleted(ctx context.Context, ev chain.Event) {
	t := m.resolve(ctx, ev)
	if t == nil || task.IsTerminal(t.Status) {
		return
	}
	updated, err := m.manager.RecordCompletion(ctx, t.ID, hexutil.Encode(ev.Result))
	if err != nil {
		m.logger.Warn("TaskCompleted apply failed: task=%s status=%s err=%v", t.ID, t.Status, err)
		return
	}
	m.logger.Info("task completed on-chain: task=%s result=%s", t.ID, updated.ResultHash)
	m.broadcast(updated, ev.TxHash.Hex())
	m.invoke(func() {
		if m.callbacks.OnTaskComplete != nil {
			m.callbacks.OnTaskComplete(updated)
		}
	})
}

// handleRefunded moves the task to Refunded and records the observed
// slash against the worker.
func (m *Monitor) handleRefunded(ctx context.Context, ev chain.Event) {
	t := m.resolve(ctx, ev)
	if t == nil || task.IsTerminal(t.Status) {
		return
	}
	updated, err := m.manager.MarkRefunded(ctx, t.ID)
	if err != nil {
		m.logger.Warn("TaskRefunded apply failed: task=%s status=%s err=%v", t.ID, t.Status, err)
		return
	}
	if m.reputation != nil && updated.AssignedWorker != "" {
		score := m.reputation.Penalize(updated.AssignedWorker)
		m.logger.Info("worker slashed: worker=%s reputation=%d", updated.AssignedWorker, score)
	}
	m.broadcast(updated, ev.TxHash.Hex())
	m.invoke(func() {
		if m.callbacks.OnTaskRefund != nil {
			m.callbacks.OnTaskRefund(updated)
		}
	})
}

// Sweep reclaims funds from expired tasks. Exported so tests and the
// serve path can trigger a pass without waiting for the ticker; the
// cron schedule calls it on the configured interval. Re-running on an
// already terminal task is a no-op because GetExpiredTasks only
// returns active ones.
func (m *Monitor) Sweep(ctx context.Context) {
	expired, err := m.manager.GetExpiredTasks(ctx)
	if err != nil {
		m.logger.Warn("expiry sweep: list failed: %v", err)
		return
	}
	for _, t := range expired {
		if !task.CanRefund(t.Status) {
			continue
		}
		m.logger.Info("task expired, reclaiming escrow: task=%s status=%s deadline=%s",
			t.ID, t.Status, t.Deadline.Format(time.RFC3339))

		refundCtx, cancel := context.WithTimeout(ctx, m.cfg.RefundTimeout)
		_, err := m.source.RefundAndSlash(refundCtx, t.ID)
		cancel()
		if err == nil {
			// the TaskRefunded event finishes the transition
			continue
		}

		m.logger.Error("refund failed, marking task failed: task=%s err=%v", t.ID, err)
		failed, markErr := m.manager.MarkFailed(ctx, t.ID, econoserrors.KindOf(err))
		if markErr != nil {
			m.logger.Warn("mark failed after refund error: task=%s err=%v", t.ID, markErr)
			continue
		}
		m.broadcast(failed, "")
		failErr := err
		m.invoke(func() {
			if m.callbacks.OnTaskFail != nil {
				m.callbacks.OnTaskFail(failed, failErr)
			}
		})
	}
}

// resolve maps an on-chain task key to the local record through the
// store's hash index.
func (m *Monitor) resolve(ctx context.Context, ev chain.Event) *task.Task {
	t, err := m.manager.FindByHash(ctx, ev.TaskHash)
	if err != nil {
		// Not every escrow task belongs to this master.
		m.logger.Debug("event for unknown task: kind=%s hash=%x", ev.Kind, ev.TaskHash)
		return nil
	}
	return t
}

func (m *Monitor) saveCheckpoint(ctx context.Context, block uint64) {
	if m.checkpoints == nil {
		return
	}
	if err := m.checkpoints.SaveCheckpoint(ctx, CheckpointName, block); err != nil {
		m.logger.Warn("checkpoint save failed: block=%d err=%v", block, err)
	}
}

// invoke runs a callback on its own goroutine, tracked so Stop can
// drain.
func (m *Monitor) invoke(fn func()) {
	m.wg.Add(1)
	async.Go(m.logger, "lifecycle-callback", func() {
		defer m.wg.Done()
		fn()
	})
}
