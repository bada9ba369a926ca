package chain

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"econos/internal/task"
)

func (f *fakeBackend) queries() []ethereum.FilterQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ethereum.FilterQuery(nil), f.logQueries...)
}

func createdLog(t *testing.T, hash [32]byte, block uint64, index uint) types.Log {
	t.Helper()
	data, err := escrowABI.Events["TaskCreated"].Inputs.NonIndexed().Pack(
		testEscrow, testWorker, big.NewInt(777))
	require.NoError(t, err)
	return types.Log{
		Address:     testEscrow,
		Topics:      []common.Hash{taskCreatedID, common.BytesToHash(hash[:])},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func completedLog(t *testing.T, hash [32]byte, block uint64, index uint) types.Log {
	t.Helper()
	data, err := escrowABI.Events["TaskCompleted"].Inputs.NonIndexed().Pack([]byte("0xresult"))
	require.NoError(t, err)
	return types.Log{
		Address:     testEscrow,
		Topics:      []common.Hash{taskCompletedID, common.BytesToHash(hash[:])},
		Data:        data,
		BlockNumber: block,
		Index:       index,
	}
}

func refundedLog(hash [32]byte, block uint64, index uint) types.Log {
	return types.Log{
		Address:     testEscrow,
		Topics:      []common.Hash{taskRefundedID, common.BytesToHash(hash[:])},
		BlockNumber: block,
		Index:       index,
	}
}

func TestDecodeEvent(t *testing.T) {
	hash := task.NewTaskID().ChainHash()

	ev, ok, err := decodeEvent(createdLog(t, hash, 10, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventTaskCreated, ev.Kind)
	assert.Equal(t, hash, ev.TaskHash)
	assert.Equal(t, testWorker, ev.Worker)
	assert.Equal(t, big.NewInt(777), ev.Amount)

	ev, ok, err = decodeEvent(completedLog(t, hash, 11, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventTaskCompleted, ev.Kind)
	assert.Equal(t, []byte("0xresult"), ev.Result)

	ev, ok, err = decodeEvent(refundedLog(hash, 12, 0))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, EventTaskRefunded, ev.Kind)

	// unrelated topic
	alien := types.Log{Topics: []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}}
	_, ok, err = decodeEvent(alien)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWatchLoopDeliversInChainOrder(t *testing.T) {
	hash := task.NewTaskID().ChainHash()
	backend := newFakeBackend()
	backend.head = 110
	backend.drainLogs = true
	// deliberately shuffled input; the loop must emit block then log order
	backend.logs = []types.Log{
		refundedLog(hash, 105, 2),
		createdLog(t, hash, 104, 0),
		completedLog(t, hash, 104, 1),
	}
	g := newTestGateway(t, backend)

	var mu sync.Mutex
	var kinds []EventKind
	var progress []uint64
	g.SubscribeTaskCreated(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	g.SubscribeTaskCompleted(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	g.SubscribeTaskRefunded(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})
	g.OnBlockProcessed(func(block uint64) {
		mu.Lock()
		progress = append(progress, block)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g.StartWatching(ctx, 50)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3 && len(progress) > 0
	}, 2*time.Second, time.Millisecond)
	cancel()

	mu.Lock()
	assert.Equal(t, []EventKind{EventTaskCreated, EventTaskCompleted, EventTaskRefunded}, kinds)
	assert.Equal(t, uint64(110), progress[0])
	mu.Unlock()

	queries := backend.queries()
	require.NotEmpty(t, queries)
	assert.Equal(t, uint64(50), queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(110), queries[0].ToBlock.Uint64())
	assert.Equal(t, []common.Address{testEscrow}, queries[0].Addresses)
}

func TestStartWatchingRestartsAfterCancel(t *testing.T) {
	backend := newFakeBackend()
	backend.head = 20
	g := newTestGateway(t, backend)

	var mu sync.Mutex
	var progress []uint64
	g.OnBlockProcessed(func(block uint64) {
		mu.Lock()
		progress = append(progress, block)
		mu.Unlock()
	})

	ctx1, cancel1 := context.WithCancel(context.Background())
	g.StartWatching(ctx1, 1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) > 0
	}, 2*time.Second, time.Millisecond)
	cancel1()
	require.Eventually(t, func() bool {
		g.watchMu.Lock()
		defer g.watchMu.Unlock()
		return !g.watching
	}, 2*time.Second, time.Millisecond)

	mu.Lock()
	seen := len(progress)
	mu.Unlock()

	// A second start after the first loop wound down resumes scanning.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	g.StartWatching(ctx2, 1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(progress) > seen
	}, 2*time.Second, time.Millisecond)
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := newEventDispatcher()
	count := 0
	unsub := d.add(d.created, func(Event) { count++ })

	d.dispatch(Event{Kind: EventTaskCreated})
	assert.Equal(t, 1, count)

	unsub()
	d.dispatch(Event{Kind: EventTaskCreated})
	assert.Equal(t, 1, count)
}
