package planner

import (
	"math/big"
	"time"

	"github.com/google/uuid"

	"econos/internal/capability"
)

// SingleStep wraps one hired service in a minimal plan so direct hires
// run through the same execution path as pipelines. offer may be nil;
// the orchestrator re-selects at execution time anyway.
func SingleStep(serviceType string, params map[string]any, offer *capability.Offer) *ExecutionPlan {
	estimate := new(big.Int)
	if offer != nil && offer.PriceWei != nil {
		estimate.Set(offer.PriceWei)
	}
	return &ExecutionPlan{
		ID:          uuid.NewString(),
		Request:     serviceType,
		SingleAgent: true,
		Steps: []Step{{
			ID:          uuid.NewString(),
			Order:       1,
			ServiceType: serviceType,
			Worker:      offer,
			Input:       InputMapping{Kind: MappingDirect, Params: params},
		}},
		EstimateWei: estimate,
		Confidence:  1,
		CreatedAt:   time.Now(),
	}
}
