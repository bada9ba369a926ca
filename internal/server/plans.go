package server

import (
	"sync"

	"econos/internal/planner"
)

// planRegistry keeps the most recent plans in memory so /api/plans/:id
// can replay what was decided for a request. Oldest entries are evicted
// at capacity.
type planRegistry struct {
	mu    sync.Mutex
	cap   int
	order []string
	byID  map[string]*planner.ExecutionPlan
}

func newPlanRegistry(capacity int) *planRegistry {
	if capacity <= 0 {
		capacity = 256
	}
	return &planRegistry{
		cap:  capacity,
		byID: make(map[string]*planner.ExecutionPlan, capacity),
	}
}

func (r *planRegistry) put(plan *planner.ExecutionPlan) {
	if plan == nil || plan.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[plan.ID]; !exists {
		r.order = append(r.order, plan.ID)
	}
	r.byID[plan.ID] = plan
	for len(r.order) > r.cap {
		delete(r.byID, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *planRegistry) get(id string) (*planner.ExecutionPlan, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	plan, ok := r.byID[id]
	return plan, ok
}
