// Package directory resolves which worker gets hired for a task. It
// filters the capability index's view through the on-chain registry,
// the local reputation book and the task's own requirements, then
// ranks the survivors with a pluggable selection strategy.
package directory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"econos/internal/capability"
	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/task"
)

// CandidateSource lists the currently reachable workers.
// *capability.Index satisfies it.
type CandidateSource interface {
	Workers() []capability.WorkerView
}

// ActivityChecker consults the worker registry. The chain gateway is
// adapted to this at wiring time so the directory stays free of chain
// types.
type ActivityChecker interface {
	IsWorkerActive(ctx context.Context, address string) (bool, error)
}

// Offer is the outcome of a selection: where to send the task and at
// what price.
type Offer struct {
	WorkerAddress string   `json:"workerAddress"`
	Endpoint      string   `json:"endpoint"`
	ServiceType   string   `json:"serviceType"`
	PriceWei      *big.Int `json:"priceWei"`
	Reputation    int      `json:"reputation"`
	PaymentHeader string   `json:"paymentHeader"`
}

// Config tunes selection.
type Config struct {
	// MinReputation drops workers scoring below it. A worker exactly at
	// the threshold stays in.
	MinReputation int
	// WeightReputation and WeightPrice parameterize the weighted
	// strategy. Zero values fall back to 0.7/0.3.
	WeightReputation float64
	WeightPrice      float64
}

// Directory selects workers for tasks.
type Directory struct {
	source     CandidateSource
	activity   ActivityChecker
	reputation ReputationSource
	cfg        Config
	logger     logging.Logger

	rrMu       sync.Mutex
	rrCounters map[string]int
}

// New builds a directory. activity may be nil when no registry is
// wired, in which case every reachable worker counts as active.
func New(source CandidateSource, activity ActivityChecker, reputation ReputationSource, cfg Config, logger logging.Logger) *Directory {
	if cfg.MinReputation <= 0 {
		cfg.MinReputation = 50
	}
	if cfg.WeightReputation == 0 && cfg.WeightPrice == 0 {
		cfg.WeightReputation = 0.7
		cfg.WeightPrice = 0.3
	}
	if reputation == nil {
		reputation = NewBook()
	}
	return &Directory{
		source:     source,
		activity:   activity,
		reputation: reputation,
		cfg:        cfg,
		logger:     logging.OrNop(logger),
		rrCounters: make(map[string]int),
	}
}

type candidate struct {
	view       capability.WorkerView
	reputation int
	price      *big.Int
}

// SelectWorker runs the filter chain over the reachable workers and
// applies the strategy to whoever survives. directAddress is only
// consulted by the direct strategy.
func (d *Directory) SelectWorker(ctx context.Context, t *task.Task, strategy Strategy, directAddress string) (*Offer, error) {
	if t == nil {
		return nil, econoserrors.NewValidationError("task", "is required")
	}
	if strategy == "" {
		strategy = DefaultStrategy
	}
	if strategy == StrategyDirect && directAddress == "" {
		return nil, econoserrors.NewValidationError("directAddress", "required for direct selection")
	}

	candidates := d.eligible(ctx, t)
	if len(candidates) == 0 {
		return nil, &econoserrors.NoEligibleWorkerError{TaskType: string(t.Type), Strategy: string(strategy)}
	}

	var winner *candidate
	switch strategy {
	case StrategyReputation:
		winner = pickByReputation(candidates)
	case StrategyCheapest:
		winner = pickCheapest(candidates)
	case StrategyRoundRobin:
		winner = d.pickRoundRobin(string(t.Type), candidates)
	case StrategyDirect:
		winner = pickDirect(candidates, directAddress)
	case StrategyWeighted:
		winner = pickWeighted(candidates, d.cfg.WeightReputation, d.cfg.WeightPrice)
	default:
		return nil, econoserrors.NewValidationError("strategy", "unknown strategy "+string(strategy))
	}
	if winner == nil {
		return nil, &econoserrors.NoEligibleWorkerError{TaskType: string(t.Type), Strategy: string(strategy)}
	}

	d.logger.Debug("worker selected: task=%s type=%s strategy=%s worker=%s price=%s",
		t.ID, t.Type, strategy, winner.view.Address, winner.price)
	return &Offer{
		WorkerAddress: winner.view.Address,
		Endpoint:      winner.view.Endpoint,
		ServiceType:   string(t.Type),
		PriceWei:      new(big.Int).Set(winner.price),
		Reputation:    winner.reputation,
		PaymentHeader: winner.view.PaymentHeader,
	}, nil
}

// eligible applies the filter chain in its fixed order: registry
// activity, reputation floor, capability cover, price ceiling.
func (d *Directory) eligible(ctx context.Context, t *task.Task) []candidate {
	views := d.source.Workers()
	taskType := string(t.Type)

	required := make(map[string]struct{}, len(t.RequiredCapabilities)+1)
	required[taskType] = struct{}{}
	for _, c := range t.RequiredCapabilities {
		if c != "" {
			required[c] = struct{}{}
		}
	}

	var inactive, lowReputation, missingCaps, overBudget int
	out := make([]candidate, 0, len(views))
	for _, view := range views {
		if !d.isActive(ctx, view.Address) {
			inactive++
			continue
		}
		rep := d.reputation.Reputation(view.Address)
		if rep < d.cfg.MinReputation {
			lowReputation++
			continue
		}
		if !covers(view.Capabilities, required) {
			missingCaps++
			continue
		}
		price := view.Pricing[taskType]
		if price == nil {
			missingCaps++
			continue
		}
		if t.Budget != nil && price.Cmp(t.Budget) > 0 {
			overBudget++
			continue
		}
		out = append(out, candidate{view: view, reputation: rep, price: new(big.Int).Set(price)})
	}

	if len(out) < len(views) {
		d.logger.Debug("selection filters: task=%s started=%d inactive=%d lowReputation=%d missingCapabilities=%d overBudget=%d eligible=%d",
			t.ID, len(views), inactive, lowReputation, missingCaps, overBudget, len(out))
	}

	sort.Slice(out, func(i, j int) bool {
		return normalizeAddress(out[i].view.Address) < normalizeAddress(out[j].view.Address)
	})
	return out
}

func (d *Directory) isActive(ctx context.Context, address string) bool {
	if d.activity == nil {
		return true
	}
	active, err := d.activity.IsWorkerActive(ctx, address)
	if err != nil {
		// An unverifiable worker is treated as inactive rather than
		// hired blind.
		d.logger.Warn("registry activity check failed, dropping worker: address=%s err=%v", address, err)
		return false
	}
	return active
}

func covers(capabilities []string, required map[string]struct{}) bool {
	have := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		have[c] = struct{}{}
	}
	for c := range required {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}
