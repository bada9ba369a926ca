// Package orchestrator executes planned pipelines step by step: each
// step becomes a task that is funded, authorized, dispatched to a
// worker and awaited, its output feeding later steps through the plan's
// input mappings.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"econos/internal/authz"
	"econos/internal/chain"
	"econos/internal/directory"
	econoserrors "econos/internal/errors"
	"econos/internal/lifecycle"
	"econos/internal/logging"
	"econos/internal/observability"
	"econos/internal/planner"
	"econos/internal/task"
	"econos/internal/workerclient"
)

// WorkerSelector ranks and picks a worker for a task. *directory.Directory
// satisfies it.
type WorkerSelector interface {
	SelectWorker(ctx context.Context, t *task.Task, strategy directory.Strategy, directAddress string) (*directory.Offer, error)
}

// EscrowGateway funds tasks on-chain. *chain.Gateway satisfies it.
type EscrowGateway interface {
	DepositTask(ctx context.Context, id task.TaskID, worker common.Address, durationSeconds int64, amountWei *big.Int) (*chain.Receipt, error)
}

// AuthorizationIssuer mints signed task authorizations. *authz.Signer
// satisfies it.
type AuthorizationIssuer interface {
	Generate(taskID task.TaskID, worker string, validitySeconds int64) (authz.Payload, error)
	Sign(p authz.Payload) (*authz.SignedAuthorization, error)
}

// WorkerGateway speaks the worker sidecar protocol. *workerclient.Client
// satisfies it.
type WorkerGateway interface {
	Dispatch(ctx context.Context, in workerclient.DispatchInput) error
	FetchProof(ctx context.Context, endpoint string, id task.TaskID) (*workerclient.Proof, error)
	FetchResult(ctx context.Context, endpoint string, id task.TaskID) (any, error)
}

// TaskEvents delivers lifecycle transitions as they are applied.
// *lifecycle.Monitor satisfies it. May be nil; the orchestrator then
// relies on proof polling alone.
type TaskEvents interface {
	Subscribe() (<-chan lifecycle.Event, func())
}

// Config tunes execution.
type Config struct {
	// DefaultDurationSeconds is the hired duration when the caller names
	// none. Default 3600 (the minimum).
	DefaultDurationSeconds int64
	// AuthorizationValidity caps how long a signed authorization stays
	// usable; the effective validity is the smaller of this and the time
	// to the task deadline. Default 1h.
	AuthorizationValidity time.Duration
	// ProofPollInterval paces the fallback proof probes. Each wait is
	// jittered ±25% so a fleet of masters does not thunder in step.
	// Default 5s.
	ProofPollInterval time.Duration
}

// ExecuteOptions carries the caller's per-run choices.
type ExecuteOptions struct {
	// DurationSeconds is the hired duration per step. Zero uses the
	// configured default.
	DurationSeconds int64
	// Strategy picks the selection strategy; empty means the directory's
	// default.
	Strategy directory.Strategy
	// DirectAddress pins selection to one worker under the direct
	// strategy.
	DirectAddress string
	// StepBudgetWei caps each step's escrow. Nil falls back to the plan
	// binding's price.
	StepBudgetWei *big.Int
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	StepID      string      `json:"stepId"`
	TaskID      task.TaskID `json:"taskId"`
	ServiceType string      `json:"serviceType"`
	Worker      string      `json:"worker"`
	PriceWei    *big.Int    `json:"priceWei"`
	ResultHash  string      `json:"resultHash,omitempty"`
	Output      any         `json:"output,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	FinishedAt  time.Time   `json:"finishedAt"`
}

// PipelineResult is the outcome of a full plan execution.
type PipelineResult struct {
	PlanID      string       `json:"planId"`
	Request     string       `json:"request"`
	Steps       []StepResult `json:"steps"`
	FinalOutput any          `json:"finalOutput,omitempty"`
	TotalWei    *big.Int     `json:"totalWei"`
	StartedAt   time.Time    `json:"startedAt"`
	FinishedAt  time.Time    `json:"finishedAt"`
}

// Orchestrator drives plans to completion.
type Orchestrator struct {
	manager  *task.Manager
	selector WorkerSelector
	escrow   EscrowGateway
	signer   AuthorizationIssuer
	workers  WorkerGateway
	events   TaskEvents
	metrics  *observability.MetricsCollector
	cfg      Config
	logger   logging.Logger
	now      func() time.Time
}

// New builds an orchestrator. events and metrics may be nil.
func New(manager *task.Manager, selector WorkerSelector, escrow EscrowGateway, signer AuthorizationIssuer, workers WorkerGateway, events TaskEvents, metrics *observability.MetricsCollector, cfg Config, logger logging.Logger) *Orchestrator {
	if cfg.DefaultDurationSeconds <= 0 {
		cfg.DefaultDurationSeconds = task.MinDurationSeconds
	}
	if cfg.AuthorizationValidity <= 0 {
		cfg.AuthorizationValidity = time.Hour
	}
	if cfg.ProofPollInterval <= 0 {
		cfg.ProofPollInterval = 5 * time.Second
	}
	return &Orchestrator{
		manager:  manager,
		selector: selector,
		escrow:   escrow,
		signer:   signer,
		workers:  workers,
		events:   events,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Execute runs the plan's steps in order. The first step failure fails
// the whole plan; a step whose escrow is already funded is left for the
// deadline sweeper to reclaim rather than force-failed here. The final
// output is the last step's output.
func (o *Orchestrator) Execute(ctx context.Context, plan *planner.ExecutionPlan, opts ExecuteOptions) (*PipelineResult, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, econoserrors.NewValidationError("plan", "has no steps")
	}

	steps := make([]planner.Step, len(plan.Steps))
	copy(steps, plan.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	result := &PipelineResult{
		PlanID:    plan.ID,
		Request:   plan.Request,
		TotalWei:  new(big.Int),
		StartedAt: o.now().UTC(),
	}
	outputs := make(map[string]*StepResult, len(steps))

	o.logger.Info("pipeline started: plan=%s steps=%d", plan.ID, len(steps))
	for i := range steps {
		step := &steps[i]
		input, err := o.resolveInput(step, outputs)
		if err != nil {
			return result, fmt.Errorf("step %d (%s): %w", step.Order, step.ServiceType, err)
		}
		stepResult, err := o.runStep(ctx, step, input, opts)
		if stepResult != nil {
			result.Steps = append(result.Steps, *stepResult)
			if stepResult.PriceWei != nil {
				result.TotalWei.Add(result.TotalWei, stepResult.PriceWei)
			}
		}
		if err != nil {
			result.FinishedAt = o.now().UTC()
			o.logger.Error("pipeline failed: plan=%s step=%d service=%s err=%v", plan.ID, step.Order, step.ServiceType, err)
			return result, fmt.Errorf("step %d (%s): %w", step.Order, step.ServiceType, err)
		}
		outputs[step.ID] = stepResult
	}

	if len(result.Steps) > 0 {
		result.FinalOutput = result.Steps[len(result.Steps)-1].Output
	}
	result.FinishedAt = o.now().UTC()
	o.logger.Info("pipeline completed: plan=%s steps=%d total=%s wei", plan.ID, len(result.Steps), result.TotalWei)
	return result, nil
}

// runStep drives one step through the full hire cycle. Before the
// escrow deposit lands, failures mark the task Failed; after it, the
// task is left in its current state for the lifecycle sweeper.
func (o *Orchestrator) runStep(ctx context.Context, step *planner.Step, input map[string]any, opts ExecuteOptions) (*StepResult, error) {
	started := o.now().UTC()
	duration := opts.DurationSeconds
	if duration <= 0 {
		duration = o.cfg.DefaultDurationSeconds
	}
	budget := opts.StepBudgetWei
	if budget == nil && step.Worker != nil {
		budget = step.Worker.PriceWei
	}

	t, err := o.manager.Create(ctx, task.CreateRequest{
		Type:            task.TaskType(step.ServiceType),
		InputParameters: input,
		DurationSeconds: duration,
		Budget:          budget,
	})
	if err != nil {
		return nil, err
	}
	stepResult := &StepResult{
		StepID:      step.ID,
		TaskID:      t.ID,
		ServiceType: step.ServiceType,
		StartedAt:   started,
	}

	// The plan's binding is an estimate; selection runs against the
	// current marketplace so a worker that vanished or got slashed since
	// planning is never hired.
	offer, err := o.selector.SelectWorker(ctx, t, opts.Strategy, opts.DirectAddress)
	if err != nil {
		return stepResult, o.failPending(ctx, stepResult, t.ID, err)
	}
	stepResult.Worker = offer.WorkerAddress
	stepResult.PriceWei = new(big.Int).Set(offer.PriceWei)
	if _, err := o.manager.AssignWorker(ctx, t.ID, offer.WorkerAddress); err != nil {
		return stepResult, o.failPending(ctx, stepResult, t.ID, err)
	}

	receipt, err := o.escrow.DepositTask(ctx, t.ID, common.HexToAddress(offer.WorkerAddress), duration, offer.PriceWei)
	if err != nil {
		return stepResult, o.failPending(ctx, stepResult, t.ID, err)
	}
	t, err = o.manager.RecordEscrowDeposit(ctx, t.ID, receipt.TxHash, offer.WorkerAddress)
	if err != nil {
		return stepResult, err
	}
	o.logger.Info("step funded: task=%s worker=%s price=%s tx=%s", t.ID, offer.WorkerAddress, offer.PriceWei, receipt.TxHash)

	signed, err := o.authorize(ctx, t, offer.WorkerAddress)
	if err != nil {
		return stepResult, err
	}

	err = o.workers.Dispatch(ctx, workerclient.DispatchInput{
		Endpoint:      offer.Endpoint,
		TaskID:        t.ID,
		Params:        input,
		Authorization: signed,
		PaymentTxHash: receipt.TxHash,
		PaymentHeader: offer.PaymentHeader,
	})
	if err != nil {
		o.metrics.RecordDispatch(ctx, step.ServiceType, "error")
		return stepResult, err
	}
	o.metrics.RecordDispatch(ctx, step.ServiceType, "ok")
	if _, err := o.manager.MarkAuthorized(ctx, t.ID); err != nil {
		return stepResult, err
	}
	if _, err := o.manager.MarkRunning(ctx, t.ID); err != nil {
		return stepResult, err
	}

	completed, err := o.awaitCompletion(ctx, t.ID, offer.Endpoint, t.Deadline)
	if err != nil {
		return stepResult, err
	}
	stepResult.ResultHash = completed.ResultHash

	output, err := o.workers.FetchResult(ctx, offer.Endpoint, t.ID)
	if err != nil {
		// The task settled on-chain; a missing payload body is reported
		// but does not undo the step.
		o.logger.Warn("result fetch failed: task=%s worker=%s err=%v", t.ID, offer.WorkerAddress, err)
	}
	stepResult.Output = output
	stepResult.FinishedAt = o.now().UTC()
	o.metrics.RecordStepDuration(ctx, step.ServiceType, stepResult.FinishedAt.Sub(started))
	return stepResult, nil
}

// authorize mints, records and returns the signed authorization. The
// validity never outlives the task deadline.
func (o *Orchestrator) authorize(ctx context.Context, t *task.Task, worker string) (*authz.SignedAuthorization, error) {
	validity := int64(o.cfg.AuthorizationValidity / time.Second)
	if remaining := t.Deadline.Unix() - o.now().Unix(); remaining < validity {
		validity = remaining
	}
	if validity <= 0 {
		return nil, &econoserrors.DeadlineExceededError{TaskID: t.ID.String(), Deadline: t.Deadline.Unix()}
	}
	payload, err := o.signer.Generate(t.ID, worker, validity)
	if err != nil {
		return nil, err
	}
	signed, err := o.signer.Sign(payload)
	if err != nil {
		return nil, err
	}
	if _, err := o.manager.RecordAuthorization(ctx, t.ID, task.AuthorizationRecord{
		Signature: signed.Signature,
		Nonce:     signed.Nonce,
		ExpiresAt: signed.ExpiresAt,
	}); err != nil {
		return nil, err
	}
	return signed, nil
}

// awaitCompletion blocks until the task reaches a terminal state, the
// deadline passes or ctx is done. Lifecycle events are the primary
// signal; jittered proof probes cover workers whose settlement the
// event scan has not surfaced yet.
func (o *Orchestrator) awaitCompletion(ctx context.Context, id task.TaskID, endpoint string, deadline time.Time) (*task.Task, error) {
	var events <-chan lifecycle.Event
	if o.events != nil {
		ch, unsubscribe := o.events.Subscribe()
		defer unsubscribe()
		events = ch
	}

	wantID := id.String()
	for {
		t, err := o.manager.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch t.Status {
		case task.StatusCompleted:
			return t, nil
		case task.StatusRefunded:
			return nil, &econoserrors.DeadlineExceededError{TaskID: wantID, Deadline: deadline.Unix()}
		case task.StatusFailed:
			return nil, fmt.Errorf("task %s failed during execution (%s)", wantID, t.FailureKind)
		}
		if o.now().After(deadline) {
			return nil, &econoserrors.ProofTimeoutError{TaskID: wantID}
		}

		wait := jittered(o.cfg.ProofPollInterval)
		if until := time.Until(deadline); until < wait {
			wait = until
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case ev, ok := <-events:
			timer.Stop()
			if !ok || ev.TaskID != wantID {
				continue
			}
			// loop re-reads the store; the event is just a wake-up
		case <-timer.C:
			proof, err := o.workers.FetchProof(ctx, endpoint, id)
			if err != nil {
				o.logger.Debug("proof probe failed: task=%s err=%v", wantID, err)
				continue
			}
			if proof == nil {
				continue
			}
			if err := authz.VerifyWorkerProof(id, proof.ResultHash, proof.Signature, t.AssignedWorker); err != nil {
				o.logger.Warn("proof signature rejected: task=%s worker=%s err=%v", wantID, t.AssignedWorker, err)
				continue
			}
			// The worker attested completion before the chain scan caught
			// the event. Record it now; an already-applied event makes
			// this a losing race, which the re-read absorbs.
			if _, err := o.manager.RecordCompletion(ctx, id, proof.ResultHash); err != nil {
				var transition *econoserrors.InvalidTransitionError
				if !errors.As(err, &transition) {
					o.logger.Warn("record completion from proof failed: task=%s err=%v", wantID, err)
				}
			}
		}
	}
}

// failPending marks a still-unfunded task Failed and returns the
// original error. Once escrow is deposited the sweeper owns recovery,
// so only Pending tasks are force-failed.
func (o *Orchestrator) failPending(ctx context.Context, stepResult *StepResult, id task.TaskID, cause error) error {
	t, err := o.manager.Get(ctx, id)
	if err != nil || t.Status != task.StatusPending {
		return cause
	}
	if _, err := o.manager.MarkFailed(ctx, id, econoserrors.KindOf(cause)); err != nil {
		o.logger.Warn("mark failed: task=%s err=%v", id, err)
	}
	return cause
}

func jittered(d time.Duration) time.Duration {
	spread := (rand.Float64()*2 - 1) * 0.25 // ±25%
	return d + time.Duration(float64(d)*spread)
}
