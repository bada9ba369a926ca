package planner

import (
	"math/big"
	"time"

	"econos/internal/capability"
)

// MappingKind names how a step's input parameters are produced.
type MappingKind string

const (
	// MappingDirect passes a literal parameter map.
	MappingDirect MappingKind = "direct"
	// MappingFromPrevious reads an earlier step's result, optionally a
	// single field of it.
	MappingFromPrevious MappingKind = "from-previous"
	// MappingTransform runs a caller-supplied function over an earlier
	// step's result. Only programmatic plans carry one.
	MappingTransform MappingKind = "transform"
	// MappingMerge shallow-merges several earlier results, each
	// optionally narrowed to a single field, then overlays the
	// literal params.
	MappingMerge MappingKind = "merge"
)

// MergeSource names one earlier step a merge draws from. An empty
// Field contributes the step's whole output.
type MergeSource struct {
	StepID string `json:"stepId"`
	Field  string `json:"field,omitempty"`
}

// InputMapping describes where a step's input comes from.
type InputMapping struct {
	Kind         MappingKind    `json:"kind"`
	Params       map[string]any `json:"params,omitempty"`
	SourceStepID string         `json:"sourceStepId,omitempty"`
	Field        string         `json:"field,omitempty"`
	Sources      []MergeSource  `json:"sources,omitempty"`

	Transform func(map[string]any) (map[string]any, error) `json:"-"`
}

// References lists every earlier step the mapping depends on.
func (m InputMapping) References() []string {
	switch m.Kind {
	case MappingFromPrevious, MappingTransform:
		if m.SourceStepID == "" {
			return nil
		}
		return []string{m.SourceStepID}
	case MappingMerge:
		refs := make([]string, 0, len(m.Sources))
		for _, src := range m.Sources {
			refs = append(refs, src.StepID)
		}
		return refs
	}
	return nil
}

// Step is one unit of hired work inside a plan.
type Step struct {
	ID          string            `json:"id"`
	Order       int               `json:"order"`
	ServiceType string            `json:"serviceType"`
	Description string            `json:"description,omitempty"`
	Worker      *capability.Offer `json:"worker,omitempty"`
	Input       InputMapping      `json:"input"`
}

// ExecutionPlan is an ordered pipeline of hired steps with a cost
// estimate.
type ExecutionPlan struct {
	ID          string    `json:"id"`
	Request     string    `json:"request"`
	SingleAgent bool      `json:"singleAgent"`
	Steps       []Step    `json:"steps"`
	EstimateWei *big.Int  `json:"estimateWei"`
	Reasoning   string    `json:"reasoning,omitempty"`
	Confidence  float64   `json:"confidence"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StepByID returns the step with the given id, or nil.
func (p *ExecutionPlan) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// TotalPrice sums the bound workers' prices.
func (p *ExecutionPlan) TotalPrice() *big.Int {
	total := new(big.Int)
	for i := range p.Steps {
		if p.Steps[i].Worker != nil && p.Steps[i].Worker.PriceWei != nil {
			total.Add(total, p.Steps[i].Worker.PriceWei)
		}
	}
	return total
}
