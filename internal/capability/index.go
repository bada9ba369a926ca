// Package capability maintains a live view of what the known workers
// can do and at what price. It polls worker manifests on an interval
// and aggregates them into a per-service summary; workers that stop
// answering age out of the view without any caller-visible error.
package capability

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"econos/internal/async"
	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/workerclient"
)

const (
	defaultRefreshInterval = 60 * time.Second
	defaultFetchTimeout    = 10 * time.Second
	defaultMaxConcurrent   = 8
	defaultCacheSize       = 128
)

// ManifestSource fetches a worker's manifest. *workerclient.Client
// satisfies it.
type ManifestSource interface {
	FetchManifest(ctx context.Context, endpoint string) (*workerclient.Manifest, error)
}

// Config tunes the index.
type Config struct {
	// RefreshInterval is how often every known worker is re-polled.
	RefreshInterval time.Duration
	// FetchTimeout bounds a single manifest fetch.
	FetchTimeout time.Duration
	// MaxConcurrent caps the refresh fan-out.
	MaxConcurrent int
	// CacheSize is the manifest cache capacity.
	CacheSize int
}

// Offer is one worker's price for one service type.
type Offer struct {
	WorkerAddress string   `json:"workerAddress"`
	Endpoint      string   `json:"endpoint"`
	ServiceType   string   `json:"serviceType"`
	ServiceName   string   `json:"serviceName"`
	Version       string   `json:"version"`
	PriceWei      *big.Int `json:"priceWei"`
}

// ServiceStats aggregates all offers for one service type.
type ServiceStats struct {
	Offers      []Offer  `json:"offers"`
	Cheapest    *Offer   `json:"cheapest"`
	MinPriceWei *big.Int `json:"minPriceWei"`
	MaxPriceWei *big.Int `json:"maxPriceWei"`
}

// Summary is a point-in-time view of the whole marketplace.
type Summary struct {
	GeneratedAt time.Time                `json:"generatedAt"`
	Workers     int                      `json:"workers"`
	Services    map[string]*ServiceStats `json:"services"`
}

// WorkerView summarizes one reachable worker for selection and display.
type WorkerView struct {
	Address       string              `json:"address"`
	Endpoint      string              `json:"endpoint"`
	Capabilities  []string            `json:"capabilities"`
	Pricing       map[string]*big.Int `json:"pricing"`
	PaymentHeader string              `json:"paymentHeader"`
	LastSeen      time.Time           `json:"lastSeen"`
}

type manifestEntry struct {
	manifest *workerclient.Manifest
	storedAt time.Time
}

// Index polls worker manifests and answers discovery queries from the
// cached view. Entries outlive one missed poll and expire on the
// second, so a transient fetch failure does not flap the marketplace.
type Index struct {
	source ManifestSource
	cfg    Config
	ttl    time.Duration
	logger logging.Logger
	now    func() time.Time

	mu        sync.RWMutex
	endpoints map[string]struct{}

	cache *lru.Cache[string, manifestEntry]

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewIndex builds an index over the given worker endpoints. More can
// be added later with AddWorker.
func NewIndex(source ManifestSource, cfg Config, endpoints []string, logger logging.Logger) *Index {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, manifestEntry](cfg.CacheSize)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		panic(err)
	}
	idx := &Index{
		source:    source,
		cfg:       cfg,
		ttl:       2 * cfg.RefreshInterval,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		endpoints: make(map[string]struct{}, len(endpoints)),
		cache:     cache,
	}
	for _, e := range endpoints {
		if e != "" {
			idx.endpoints[e] = struct{}{}
		}
	}
	return idx
}

// AddWorker registers another worker endpoint. It is picked up on the
// next refresh.
func (idx *Index) AddWorker(endpoint string) {
	if endpoint == "" {
		return
	}
	idx.mu.Lock()
	idx.endpoints[endpoint] = struct{}{}
	idx.mu.Unlock()
}

// RemoveWorker drops a worker endpoint and its cached manifest.
func (idx *Index) RemoveWorker(endpoint string) {
	idx.mu.Lock()
	delete(idx.endpoints, endpoint)
	idx.mu.Unlock()
	idx.cache.Remove(endpoint)
}

// Endpoints returns the registered worker endpoints in sorted order.
func (idx *Index) Endpoints() []string {
	idx.mu.RLock()
	out := make([]string, 0, len(idx.endpoints))
	for e := range idx.endpoints {
		out = append(out, e)
	}
	idx.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Start launches the background refresh loop. Calling it again while
// running is a no-op.
func (idx *Index) Start(ctx context.Context) {
	idx.runMu.Lock()
	defer idx.runMu.Unlock()
	if idx.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	idx.cancel = cancel
	done := make(chan struct{})
	idx.done = done

	async.Go(idx.logger, "capability-refresh", func() {
		defer close(done)
		idx.Refresh(runCtx)
		ticker := time.NewTicker(idx.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				idx.Refresh(runCtx)
			}
		}
	})
}

// Stop halts the refresh loop and waits for it to exit.
func (idx *Index) Stop() {
	idx.runMu.Lock()
	cancel := idx.cancel
	done := idx.done
	idx.cancel = nil
	idx.done = nil
	idx.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Refresh polls every registered worker once. A worker that fails to
// answer keeps its cached entry until the entry ages out; the failure
// never surfaces to callers.
func (idx *Index) Refresh(ctx context.Context) {
	endpoints := idx.Endpoints()
	if len(endpoints) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(idx.cfg.MaxConcurrent)
	for _, endpoint := range endpoints {
		endpoint := endpoint
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(gctx, idx.cfg.FetchTimeout)
			defer cancel()
			m, err := idx.source.FetchManifest(fetchCtx, endpoint)
			if err != nil {
				idx.logger.Warn("manifest refresh failed: endpoint=%s err=%v", endpoint, err)
				return nil
			}
			idx.cache.Add(endpoint, manifestEntry{manifest: m, storedAt: idx.now()})
			idx.logger.Debug("manifest refreshed: endpoint=%s services=%d", endpoint, len(m.Services))
			return nil
		})
	}
	_ = g.Wait()
}

// Discover returns the aggregated marketplace view. An empty cache
// with registered workers triggers one synchronous refresh so the
// first caller does not see a blank marketplace.
func (idx *Index) Discover(ctx context.Context) *Summary {
	summary := idx.buildSummary()
	if summary.Workers == 0 && len(idx.Endpoints()) > 0 {
		idx.Refresh(ctx)
		summary = idx.buildSummary()
	}
	return summary
}

// FindCheapest returns the lowest-priced offer for a service type.
// Price ties break toward the lexicographically smaller worker
// address so repeated calls pick the same worker.
func (idx *Index) FindCheapest(ctx context.Context, serviceType string) (*Offer, error) {
	summary := idx.Discover(ctx)
	stats := summary.Services[serviceType]
	if stats == nil || stats.Cheapest == nil {
		return nil, &econoserrors.NoWorkerForServiceError{ServiceType: serviceType}
	}
	offer := *stats.Cheapest
	offer.PriceWei = new(big.Int).Set(stats.Cheapest.PriceWei)
	return &offer, nil
}

// IsServiceAvailable reports whether any reachable worker offers the
// service type.
func (idx *Index) IsServiceAvailable(ctx context.Context, serviceType string) bool {
	summary := idx.Discover(ctx)
	stats := summary.Services[serviceType]
	return stats != nil && len(stats.Offers) > 0
}

// Workers returns one view per reachable worker.
func (idx *Index) Workers() []WorkerView {
	views := make([]WorkerView, 0)
	for _, endpoint := range idx.Endpoints() {
		entry, ok := idx.cached(endpoint)
		if !ok {
			continue
		}
		m := entry.manifest
		view := WorkerView{
			Address:       m.Worker.Address,
			Endpoint:      endpoint,
			Capabilities:  make([]string, 0, len(m.Services)),
			Pricing:       make(map[string]*big.Int, len(m.Services)),
			PaymentHeader: m.Protocol.PaymentHeader,
			LastSeen:      entry.storedAt,
		}
		for _, svc := range m.Services {
			if svc.ID == "" || svc.PriceWei == nil {
				continue
			}
			view.Capabilities = append(view.Capabilities, svc.ID)
			view.Pricing[svc.ID] = svc.PriceWei.ToBig()
		}
		sort.Strings(view.Capabilities)
		views = append(views, view)
	}
	return views
}

func (idx *Index) buildSummary() *Summary {
	summary := &Summary{
		GeneratedAt: idx.now(),
		Services:    make(map[string]*ServiceStats),
	}
	for _, endpoint := range idx.Endpoints() {
		entry, ok := idx.cached(endpoint)
		if !ok {
			continue
		}
		m := entry.manifest
		if m.Worker.Address == "" {
			continue
		}
		summary.Workers++
		for _, svc := range m.Services {
			if svc.ID == "" || svc.PriceWei == nil {
				continue
			}
			stats := summary.Services[svc.ID]
			if stats == nil {
				stats = &ServiceStats{}
				summary.Services[svc.ID] = stats
			}
			stats.Offers = append(stats.Offers, Offer{
				WorkerAddress: m.Worker.Address,
				Endpoint:      endpoint,
				ServiceType:   svc.ID,
				ServiceName:   svc.Name,
				Version:       svc.Version,
				PriceWei:      svc.PriceWei.ToBig(),
			})
		}
	}
	for _, stats := range summary.Services {
		sort.Slice(stats.Offers, func(i, j int) bool {
			if c := stats.Offers[i].PriceWei.Cmp(stats.Offers[j].PriceWei); c != 0 {
				return c < 0
			}
			return stats.Offers[i].WorkerAddress < stats.Offers[j].WorkerAddress
		})
		cheapest := stats.Offers[0]
		stats.Cheapest = &cheapest
		stats.MinPriceWei = new(big.Int).Set(stats.Offers[0].PriceWei)
		stats.MaxPriceWei = new(big.Int).Set(stats.Offers[len(stats.Offers)-1].PriceWei)
	}
	return summary
}

// cached returns a live cache entry, evicting it when expired.
func (idx *Index) cached(endpoint string) (manifestEntry, bool) {
	entry, ok := idx.cache.Get(endpoint)
	if !ok {
		return manifestEntry{}, false
	}
	if idx.now().Sub(entry.storedAt) >= idx.ttl {
		idx.cache.Remove(endpoint)
		return manifestEntry{}, false
	}
	return entry, true
}
