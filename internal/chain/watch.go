package chain

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"econos/internal/async"
)

// eventDispatcher fans decoded escrow events out to subscribers.
type eventDispatcher struct {
	mu        sync.RWMutex
	nextID    int
	created   map[int]func(Event)
	completed map[int]func(Event)
	refunded  map[int]func(Event)
	progress  map[int]func(uint64)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{
		created:   make(map[int]func(Event)),
		completed: make(map[int]func(Event)),
		refunded:  make(map[int]func(Event)),
		progress:  make(map[int]func(uint64)),
	}
}

func (d *eventDispatcher) add(target map[int]func(Event), cb func(Event)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	target[id] = cb
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(target, id)
		d.mu.Unlock()
	}
}

func (d *eventDispatcher) dispatch(ev Event) {
	d.mu.RLock()
	var callbacks []func(Event)
	switch ev.Kind {
	case EventTaskCreated:
		callbacks = collectCallbacks(d.created)
	case EventTaskCompleted:
		callbacks = collectCallbacks(d.completed)
	case EventTaskRefunded:
		callbacks = collectCallbacks(d.refunded)
	}
	d.mu.RUnlock()
	for _, cb := range callbacks {
		cb(ev)
	}
}

func (d *eventDispatcher) reportProgress(block uint64) {
	d.mu.RLock()
	callbacks := make([]func(uint64), 0, len(d.progress))
	for _, cb := range d.progress {
		callbacks = append(callbacks, cb)
	}
	d.mu.RUnlock()
	for _, cb := range callbacks {
		cb(block)
	}
}

func collectCallbacks(m map[int]func(Event)) []func(Event) {
	out := make([]func(Event), 0, len(m))
	for _, cb := range m {
		out = append(out, cb)
	}
	return out
}

// SubscribeTaskCreated registers a callback for TaskCreated events and
// returns its unsubscribe function.
func (g *Gateway) SubscribeTaskCreated(cb func(Event)) func() {
	return g.watchers.add(g.watchers.created, cb)
}

// SubscribeTaskCompleted registers a callback for TaskCompleted events.
func (g *Gateway) SubscribeTaskCompleted(cb func(Event)) func() {
	return g.watchers.add(g.watchers.completed, cb)
}

// SubscribeTaskRefunded registers a callback for TaskRefunded events.
func (g *Gateway) SubscribeTaskRefunded(cb func(Event)) func() {
	return g.watchers.add(g.watchers.refunded, cb)
}

// OnBlockProcessed registers a callback invoked with the highest block
// each completed scan covered. The lifecycle monitor persists this as
// its resume checkpoint.
func (g *Gateway) OnBlockProcessed(cb func(uint64)) func() {
	d := g.watchers
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.progress[id] = cb
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.progress, id)
		d.mu.Unlock()
	}
}

// StartWatching begins scanning escrow logs from fromBlock. The scan
// survives RPC hiccups by retrying on the next tick; the subscription
// resumes rather than restarts, so no events in the scanned range are
// skipped. Calls while a scan is running are no-ops; once the loop has
// exited (ctx cancelled), a new call relaunches it from the given block.
func (g *Gateway) StartWatching(ctx context.Context, fromBlock uint64) {
	g.watchMu.Lock()
	defer g.watchMu.Unlock()
	if g.watching {
		return
	}
	g.watching = true
	async.Go(g.logger, "chain-event-watcher", func() {
		defer func() {
			g.watchMu.Lock()
			g.watching = false
			g.watchMu.Unlock()
		}()
		g.watchLoop(ctx, fromBlock)
	})
}

func (g *Gateway) watchLoop(ctx context.Context, fromBlock uint64) {
	ticker := time.NewTicker(g.cfg.EventPollInterval)
	defer ticker.Stop()

	next := fromBlock
	g.logger.Info("escrow event watch started: from_block=%d interval=%s", next, g.cfg.EventPollInterval)
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("escrow event watch stopped: next_block=%d", next)
			return
		case <-ticker.C:
		}

		head, err := g.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			g.logger.Warn("event scan: head unavailable: %v", err)
			continue
		}
		headNum := head.Number.Uint64()
		if headNum < next {
			continue
		}

		logs, err := g.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(next),
			ToBlock:   new(big.Int).SetUint64(headNum),
			Addresses: []common.Address{g.cfg.EscrowAddress},
			Topics:    [][]common.Hash{{taskCreatedID, taskCompletedID, taskRefundedID}},
		})
		if err != nil {
			g.logger.Warn("event scan: filter logs failed for [%d,%d]: %v", next, headNum, err)
			continue
		}

		events := make([]Event, 0, len(logs))
		for _, log := range logs {
			if log.Removed {
				continue
			}
			ev, ok, err := decodeEvent(log)
			if err != nil {
				g.logger.Warn("event scan: undecodable log in tx %s: %v", log.TxHash.Hex(), err)
				continue
			}
			if ok {
				events = append(events, ev)
			}
		}
		// chain order: monotone block height, then log index
		sort.Slice(events, func(i, j int) bool {
			if events[i].BlockNumber != events[j].BlockNumber {
				return events[i].BlockNumber < events[j].BlockNumber
			}
			return events[i].LogIndex < events[j].LogIndex
		})
		for _, ev := range events {
			g.watchers.dispatch(ev)
		}
		g.watchers.reportProgress(headNum)
		next = headNum + 1
	}
}
