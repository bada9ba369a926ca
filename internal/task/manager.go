package task

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/observability"
)

// Manager owns every task mutation. It is a thin stateless layer over a
// Store; read-modify-write sequences are serialized per task through a
// taskId keyed mutex table, so two goroutines can never interleave
// updates to the same task.
type Manager struct {
	store   Store
	logger  logging.Logger
	metrics *observability.MetricsCollector
	locks   sync.Map // TaskID -> *sync.Mutex
	now     func() time.Time
}

// NewManager creates a task manager over the given store. metrics may
// be nil.
func NewManager(store Store, logger logging.Logger, metrics *observability.MetricsCollector) *Manager {
	return &Manager{
		store:   store,
		logger:  logging.OrNop(logger),
		metrics: metrics,
		now:     time.Now,
	}
}

// Create validates the request and persists a new task in Pending.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	if !IsValidType(req.Type) {
		return nil, econoserrors.NewValidationError("taskType", fmt.Sprintf("unsupported task type %q", req.Type))
	}
	if err := ValidateInput(req.Type, req.InputParameters); err != nil {
		return nil, err
	}
	if req.Budget == nil || req.Budget.Sign() <= 0 {
		return nil, econoserrors.NewValidationError("budget", "must be a positive amount of wei")
	}
	if req.DurationSeconds < MinDurationSeconds {
		return nil, econoserrors.NewValidationError("duration",
			fmt.Sprintf("%d seconds is below the minimum of %d", req.DurationSeconds, MinDurationSeconds))
	}
	if req.DurationSeconds > MaxDurationSeconds {
		return nil, econoserrors.NewValidationError("duration",
			fmt.Sprintf("%d seconds exceeds the maximum of %d", req.DurationSeconds, MaxDurationSeconds))
	}

	now := m.now().UTC()
	t := &Task{
		ID:                   NewTaskID(),
		Type:                 req.Type,
		InputParameters:      req.InputParameters,
		RequiredCapabilities: mergeCapabilities(req.RequiredCapabilities, string(req.Type)),
		Deadline:             now.Add(time.Duration(req.DurationSeconds) * time.Second),
		Budget:               new(big.Int).Set(req.Budget),
		Status:               StatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := m.store.Create(ctx, t); err != nil {
		return nil, &econoserrors.PersistenceError{Op: "create task", Err: err}
	}
	m.metrics.RecordTaskCreated(ctx, string(t.Type))
	m.logger.Info("task created: id=%s type=%s budget=%s deadline=%s",
		t.ID, t.Type, t.Budget, t.Deadline.Format(time.RFC3339))
	return t.Clone(), nil
}

// Get returns a snapshot of the task.
func (m *Manager) Get(ctx context.Context, id TaskID) (*Task, error) {
	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("get task", err)
	}
	return t, nil
}

// FindByHash resolves a task by its on-chain identifier.
func (m *Manager) FindByHash(ctx context.Context, hash [32]byte) (*Task, error) {
	t, err := m.store.GetByHash(ctx, hash)
	if err != nil {
		return nil, wrapStoreErr("find task by hash", err)
	}
	return t, nil
}

// GetByStatus lists tasks in a given lifecycle state.
func (m *Manager) GetByStatus(ctx context.Context, status Status) ([]*Task, error) {
	tasks, err := m.store.GetByStatus(ctx, status)
	if err != nil {
		return nil, wrapStoreErr("list tasks by status", err)
	}
	return tasks, nil
}

// GetExpiredTasks returns active tasks whose deadline has passed.
func (m *Manager) GetExpiredTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := m.store.GetExpired(ctx, m.now())
	if err != nil {
		return nil, wrapStoreErr("list expired tasks", err)
	}
	return tasks, nil
}

// List returns tasks ordered newest first.
func (m *Manager) List(ctx context.Context, offset, limit int) ([]*Task, error) {
	tasks, err := m.store.List(ctx, offset, limit)
	if err != nil {
		return nil, wrapStoreErr("list tasks", err)
	}
	return tasks, nil
}

// UpdateStatus applies a lifecycle transition after checking the
// successor table and the data the target state requires.
func (m *Manager) UpdateStatus(ctx context.Context, id TaskID, to Status) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		return m.applyTransition(ctx, t, to)
	})
}

// AssignWorker records the selected worker address. Legal until the
// task reaches a terminal state.
func (m *Manager) AssignWorker(ctx context.Context, id TaskID, worker string) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		if IsTerminal(t.Status) {
			return &econoserrors.InvalidTransitionError{From: string(t.Status), To: string(t.Status)}
		}
		t.AssignedWorker = worker
		return nil
	})
}

// RecordEscrowDeposit stores the escrow transaction and moves a pending
// task to Created. Safe to call again after the on-chain event already
// advanced the task; the deposit fields are simply confirmed.
func (m *Manager) RecordEscrowDeposit(ctx context.Context, id TaskID, txHash, worker string) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		if IsTerminal(t.Status) {
			return &econoserrors.InvalidTransitionError{From: string(t.Status), To: string(StatusCreated)}
		}
		t.EscrowTxHash = txHash
		if worker != "" {
			t.AssignedWorker = worker
		}
		if t.Status == StatusPending {
			return m.applyTransition(ctx, t, StatusCreated)
		}
		return nil
	})
}

// RecordAuthorization stores the signed authorization triple. The
// expiry must not exceed the task deadline.
func (m *Manager) RecordAuthorization(ctx context.Context, id TaskID, rec AuthorizationRecord) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		if IsTerminal(t.Status) {
			return &econoserrors.InvalidTransitionError{From: string(t.Status), To: string(StatusAuthorized)}
		}
		if rec.ExpiresAt > t.Deadline.Unix() {
			return econoserrors.NewValidationError("expiresAt", "authorization outlives the task deadline")
		}
		auth := rec
		t.Authorization = &auth
		return nil
	})
}

// MarkAuthorized transitions Created -> Authorized after a successful
// dispatch. The authorization record must already be stored.
func (m *Manager) MarkAuthorized(ctx context.Context, id TaskID) (*Task, error) {
	return m.UpdateStatus(ctx, id, StatusAuthorized)
}

// MarkRunning transitions Authorized -> Running.
func (m *Manager) MarkRunning(ctx context.Context, id TaskID) (*Task, error) {
	return m.UpdateStatus(ctx, id, StatusRunning)
}

// RecordCompletion stores the result hash and walks the task to
// Completed. An authorized task that completed before the master
// observed it running passes through Running on the way.
func (m *Manager) RecordCompletion(ctx context.Context, id TaskID, resultHash string) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		if t.Status == StatusAuthorized {
			if err := m.applyTransition(ctx, t, StatusRunning); err != nil {
				return err
			}
		}
		if err := m.applyTransition(ctx, t, StatusCompleted); err != nil {
			return err
		}
		t.ResultHash = resultHash
		return nil
	})
}

// MarkRefunded transitions the task to Refunded.
func (m *Manager) MarkRefunded(ctx context.Context, id TaskID) (*Task, error) {
	return m.UpdateStatus(ctx, id, StatusRefunded)
}

// MarkFailed transitions the task to Failed and tags the error kind.
func (m *Manager) MarkFailed(ctx context.Context, id TaskID, kind econoserrors.Kind) (*Task, error) {
	return m.mutate(ctx, id, func(t *Task) error {
		if err := m.applyTransition(ctx, t, StatusFailed); err != nil {
			return err
		}
		t.FailureKind = string(kind)
		return nil
	})
}

// mutate serializes a read-modify-write cycle for one task.
func (m *Manager) mutate(ctx context.Context, id TaskID, fn func(t *Task) error) (*Task, error) {
	unlock := m.lockTask(id)
	defer unlock()

	t, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr("get task", err)
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	t.UpdatedAt = m.now().UTC()
	if err := m.store.Update(ctx, t); err != nil {
		return nil, wrapStoreErr("update task", err)
	}
	return t.Clone(), nil
}

// applyTransition enforces the successor table plus the data
// requirements of the target state: Created needs the escrow fields,
// Authorized needs a stored authorization.
func (m *Manager) applyTransition(ctx context.Context, t *Task, to Status) error {
	if err := CheckTransition(t.Status, to); err != nil {
		return err
	}
	switch to {
	case StatusCreated:
		if t.EscrowTxHash == "" || t.AssignedWorker == "" {
			return econoserrors.NewValidationError("status", "escrow deposit not recorded")
		}
	case StatusAuthorized:
		if t.Authorization == nil {
			return econoserrors.NewValidationError("status", "authorization not recorded")
		}
	}
	from := t.Status
	t.Status = to
	if IsTerminal(to) {
		m.metrics.RecordTaskTerminal(ctx, string(to))
	}
	m.logger.Info("task %s: %s -> %s", t.ID, from, to)
	return nil
}

func (m *Manager) lockTask(id TaskID) func() {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &econoserrors.PersistenceError{Op: op, Err: err}
}

func mergeCapabilities(extra []string, taskType string) []string {
	seen := map[string]struct{}{taskType: {}}
	out := []string{taskType}
	for _, cap := range extra {
		if cap == "" {
			continue
		}
		if _, dup := seen[cap]; dup {
			continue
		}
		seen[cap] = struct{}{}
		out = append(out, cap)
	}
	return out
}
