// Package planner turns a request into an executable pipeline: an
// external analyzer proposes steps, each step is bound to the cheapest
// worker currently offering its service, and the summed price is held
// against the caller's budget.
package planner

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"econos/internal/capability"
	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/observability"
)

// OfferSource answers marketplace queries. *capability.Index satisfies
// it.
type OfferSource interface {
	Discover(ctx context.Context) *capability.Summary
	FindCheapest(ctx context.Context, serviceType string) (*capability.Offer, error)
	IsServiceAvailable(ctx context.Context, serviceType string) bool
}

// Options tunes one planning run.
type Options struct {
	// MaxBudgetWei caps the plan's estimate. Nil means uncapped.
	MaxBudgetWei *big.Int
	// DirectParams seeds the input of every step that reads from the
	// user.
	DirectParams map[string]any
}

// Planner assembles, validates and re-prices execution plans.
type Planner struct {
	analyzer Analyzer
	offers   OfferSource
	metrics  *observability.MetricsCollector
	logger   logging.Logger
	now      func() time.Time
}

// New builds a planner.
func New(analyzer Analyzer, offers OfferSource, metrics *observability.MetricsCollector, logger logging.Logger) *Planner {
	return &Planner{
		analyzer: analyzer,
		offers:   offers,
		metrics:  metrics,
		logger:   logging.OrNop(logger),
		now:      time.Now,
	}
}

// Plan decomposes the request and binds every step to a worker.
func (p *Planner) Plan(ctx context.Context, request string, opts Options) (*ExecutionPlan, error) {
	if request == "" {
		return nil, econoserrors.NewValidationError("request", "is required")
	}

	summary := p.offers.Discover(ctx)
	analysis, err := p.analyzer.Analyze(ctx, request, summary)
	if err != nil {
		return nil, fmt.Errorf("analyze request: %w", err)
	}

	plan := &ExecutionPlan{
		ID:          uuid.NewString(),
		Request:     request,
		SingleAgent: analysis.IsSingleAgent,
		Reasoning:   analysis.Reasoning,
		Confidence:  analysis.Confidence,
		CreatedAt:   p.now(),
	}

	estimate := new(big.Int)
	prevStepID := ""
	for i, proposed := range analysis.Steps {
		offer, err := p.offers.FindCheapest(ctx, proposed.ServiceType)
		if err != nil {
			return nil, err
		}
		step := Step{
			ID:          uuid.NewString(),
			Order:       i + 1,
			ServiceType: proposed.ServiceType,
			Description: proposed.Description,
			Worker:      offer,
		}
		if i == 0 || proposed.InputSource == InputSourceUser {
			step.Input = InputMapping{Kind: MappingDirect, Params: opts.DirectParams}
		} else {
			step.Input = InputMapping{
				Kind:         MappingFromPrevious,
				SourceStepID: prevStepID,
				Field:        proposed.InputField,
			}
		}
		estimate.Add(estimate, offer.PriceWei)
		prevStepID = step.ID
		plan.Steps = append(plan.Steps, step)
	}
	plan.EstimateWei = estimate

	if opts.MaxBudgetWei != nil && estimate.Cmp(opts.MaxBudgetWei) > 0 {
		return nil, &econoserrors.BudgetExceededError{
			Estimated: new(big.Int).Set(estimate),
			Max:       new(big.Int).Set(opts.MaxBudgetWei),
		}
	}

	p.metrics.RecordPlan(ctx, len(plan.Steps))
	p.logger.Info("plan assembled: plan=%s steps=%d estimate=%s wei", plan.ID, len(plan.Steps), estimate)
	return plan, nil
}

// Validate checks a plan against the current marketplace: every step
// bound, every service still offered, and every input reference
// pointing at an earlier step of the same plan.
func (p *Planner) Validate(ctx context.Context, plan *ExecutionPlan) error {
	if plan == nil || len(plan.Steps) == 0 {
		return econoserrors.NewValidationError("plan", "has no steps")
	}

	seen := make(map[string]struct{}, len(plan.Steps))
	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.ID == "" {
			return econoserrors.NewValidationError("plan", fmt.Sprintf("step %d has no id", i+1))
		}
		if _, dup := seen[step.ID]; dup {
			return econoserrors.NewValidationError("plan", "duplicate step id "+step.ID)
		}
		if step.Worker == nil {
			return econoserrors.NewValidationError("plan", fmt.Sprintf("step %d has no assigned worker", i+1))
		}
		if !p.offers.IsServiceAvailable(ctx, step.ServiceType) {
			return &econoserrors.NoWorkerForServiceError{ServiceType: step.ServiceType}
		}
		for _, ref := range step.Input.References() {
			if _, ok := seen[ref]; !ok {
				return econoserrors.NewValidationError("plan",
					fmt.Sprintf("step %d references unknown or later step %s", i+1, ref))
			}
		}
		if step.Input.Kind == MappingTransform && step.Input.Transform == nil {
			return econoserrors.NewValidationError("plan", fmt.Sprintf("step %d has a transform mapping without a transform", i+1))
		}
		seen[step.ID] = struct{}{}
	}
	return nil
}

// Optimize re-binds every step to the current cheapest offer and
// recomputes the estimate. The plan is updated in place and returned.
func (p *Planner) Optimize(ctx context.Context, plan *ExecutionPlan) (*ExecutionPlan, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return nil, econoserrors.NewValidationError("plan", "has no steps")
	}
	estimate := new(big.Int)
	for i := range plan.Steps {
		step := &plan.Steps[i]
		offer, err := p.offers.FindCheapest(ctx, step.ServiceType)
		if err != nil {
			return nil, err
		}
		if step.Worker == nil || offer.PriceWei.Cmp(step.Worker.PriceWei) != 0 || offer.WorkerAddress != step.Worker.WorkerAddress {
			p.logger.Debug("step rebound: plan=%s step=%s worker %s -> %s",
				plan.ID, step.ID, workerAddr(step.Worker), offer.WorkerAddress)
		}
		step.Worker = offer
		estimate.Add(estimate, offer.PriceWei)
	}
	plan.EstimateWei = estimate
	return plan, nil
}

func workerAddr(offer *capability.Offer) string {
	if offer == nil {
		return "(unbound)"
	}
	return offer.WorkerAddress
}
