package directory

import (
	"math/big"

	econoserrors "econos/internal/errors"
)

// Strategy names a ranking policy applied to the eligible workers.
type Strategy string

const (
	// StrategyReputation picks the highest reputation, breaking ties by
	// lower price and then lexicographic address.
	StrategyReputation Strategy = "reputation"
	// StrategyCheapest picks the lowest price, breaking ties by higher
	// reputation.
	StrategyCheapest Strategy = "cheapest"
	// StrategyRoundRobin rotates through the eligible set per task
	// type. The rotation state is process-local.
	StrategyRoundRobin Strategy = "round-robin"
	// StrategyDirect requires an exact address match.
	StrategyDirect Strategy = "direct"
	// StrategyWeighted scores reputation against price.
	StrategyWeighted Strategy = "weighted"
)

// DefaultStrategy is used when a hire request names none.
const DefaultStrategy = StrategyReputation

// Strategies lists every recognized strategy.
func Strategies() []Strategy {
	return []Strategy{StrategyReputation, StrategyCheapest, StrategyRoundRobin, StrategyDirect, StrategyWeighted}
}

// ParseStrategy maps a request string onto a Strategy. The empty
// string selects the default.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return DefaultStrategy, nil
	}
	for _, known := range Strategies() {
		if Strategy(s) == known {
			return known, nil
		}
	}
	return "", econoserrors.NewValidationError("strategy", "unknown strategy "+s)
}

// Candidates arrive sorted by address, so equal comparisons keep the
// lexicographically smaller worker throughout.

func pickByReputation(candidates []candidate) *candidate {
	best := &candidates[0]
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		switch {
		case c.reputation > best.reputation:
			best = c
		case c.reputation == best.reputation && c.price.Cmp(best.price) < 0:
			best = c
		}
	}
	return best
}

func pickCheapest(candidates []candidate) *candidate {
	best := &candidates[0]
	for i := 1; i < len(candidates); i++ {
		c := &candidates[i]
		switch {
		case c.price.Cmp(best.price) < 0:
			best = c
		case c.price.Cmp(best.price) == 0 && c.reputation > best.reputation:
			best = c
		}
	}
	return best
}

func (d *Directory) pickRoundRobin(groupKey string, candidates []candidate) *candidate {
	d.rrMu.Lock()
	idx := d.rrCounters[groupKey] % len(candidates)
	d.rrCounters[groupKey]++
	d.rrMu.Unlock()
	return &candidates[idx]
}

func pickDirect(candidates []candidate, directAddress string) *candidate {
	want := normalizeAddress(directAddress)
	for i := range candidates {
		if normalizeAddress(candidates[i].view.Address) == want {
			return &candidates[i]
		}
	}
	return nil
}

func pickWeighted(candidates []candidate, weightReputation, weightPrice float64) *candidate {
	minPrice := new(big.Int).Set(candidates[0].price)
	maxPrice := new(big.Int).Set(candidates[0].price)
	for i := 1; i < len(candidates); i++ {
		if candidates[i].price.Cmp(minPrice) < 0 {
			minPrice.Set(candidates[i].price)
		}
		if candidates[i].price.Cmp(maxPrice) > 0 {
			maxPrice.Set(candidates[i].price)
		}
	}
	spread := new(big.Int).Sub(maxPrice, minPrice)
	flat := spread.Sign() == 0

	var best *candidate
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		r := float64(c.reputation) / float64(MaxReputation)
		if r > 1 {
			r = 1
		}
		// All candidates score full price marks when every offer costs
		// the same.
		p := 1.0
		if !flat {
			num := new(big.Float).SetInt(new(big.Int).Sub(maxPrice, c.price))
			den := new(big.Float).SetInt(spread)
			p, _ = new(big.Float).Quo(num, den).Float64()
		}
		score := weightReputation*r + weightPrice*p
		if best == nil || score > bestScore {
			best = c
			bestScore = score
			continue
		}
		if score == bestScore {
			if c.reputation > best.reputation ||
				(c.reputation == best.reputation && c.price.Cmp(best.price) < 0) {
				best = c
			}
		}
	}
	return best
}
