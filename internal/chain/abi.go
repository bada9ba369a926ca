package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"econos/internal/task"
)

// Escrow contract surface. submitWork is worker-side; the master only
// observes its effect through TaskCompleted.
const escrowABIJSON = `[
	{"type":"event","name":"TaskCreated","inputs":[
		{"name":"taskId","type":"bytes32","indexed":true},
		{"name":"master","type":"address","indexed":false},
		{"name":"worker","type":"address","indexed":false},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"TaskCompleted","inputs":[
		{"name":"taskId","type":"bytes32","indexed":true},
		{"name":"result","type":"bytes","indexed":false}]},
	{"type":"event","name":"TaskRefunded","inputs":[
		{"name":"taskId","type":"bytes32","indexed":true}]},
	{"type":"function","name":"tasks","stateMutability":"view","inputs":[
		{"name":"","type":"bytes32"}],"outputs":[
		{"name":"master","type":"address"},
		{"name":"worker","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"deadline","type":"uint256"},
		{"name":"status","type":"uint8"}]},
	{"type":"function","name":"depositTask","stateMutability":"payable","inputs":[
		{"name":"taskId","type":"bytes32"},
		{"name":"worker","type":"address"},
		{"name":"duration","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"submitWork","stateMutability":"nonpayable","inputs":[
		{"name":"taskId","type":"bytes32"},
		{"name":"resultHash","type":"bytes"}],"outputs":[]},
	{"type":"function","name":"refundAndSlash","stateMutability":"nonpayable","inputs":[
		{"name":"taskId","type":"bytes32"}],"outputs":[]}
]`

// Registry contract surface. slashReputation is invoked by the escrow
// during refundAndSlash; the master only reads worker liveness.
const registryABIJSON = `[
	{"type":"function","name":"isWorkerActive","stateMutability":"view","inputs":[
		{"name":"worker","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"slashReputation","stateMutability":"nonpayable","inputs":[
		{"name":"escrow","type":"address"},
		{"name":"worker","type":"address"}],"outputs":[]}
]`

var (
	escrowABI   = mustParseABI(escrowABIJSON)
	registryABI = mustParseABI(registryABIJSON)

	taskCreatedID   = escrowABI.Events["TaskCreated"].ID
	taskCompletedID = escrowABI.Events["TaskCompleted"].ID
	taskRefundedID  = escrowABI.Events["TaskRefunded"].ID
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse contract abi: %v", err))
	}
	return parsed
}

// OnChainTask is the escrow's record for one task key.
type OnChainTask struct {
	Master   common.Address
	Worker   common.Address
	Amount   *big.Int
	Deadline *big.Int
	Status   uint8
}

// LocalStatus maps the contract's status code to the task lifecycle.
func (t *OnChainTask) LocalStatus() (task.Status, error) {
	return task.StatusFromChain(t.Status)
}

// EventKind discriminates the escrow events the master consumes.
type EventKind string

const (
	EventTaskCreated   EventKind = "TaskCreated"
	EventTaskCompleted EventKind = "TaskCompleted"
	EventTaskRefunded  EventKind = "TaskRefunded"
)

// Event is one decoded escrow log. TaskHash is the on-chain key; the
// lifecycle monitor resolves it to a local task through the task_hash
// index.
type Event struct {
	Kind        EventKind
	TaskHash    [32]byte
	Master      common.Address
	Worker      common.Address
	Amount      *big.Int
	Result      []byte
	BlockNumber uint64
	TxHash      common.Hash
	LogIndex    uint
}

// decodeEvent parses an escrow log into an Event. Logs from other
// events return ok=false.
func decodeEvent(log types.Log) (Event, bool, error) {
	if len(log.Topics) < 2 {
		return Event{}, false, nil
	}
	ev := Event{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	copy(ev.TaskHash[:], log.Topics[1].Bytes())

	switch log.Topics[0] {
	case taskCreatedID:
		ev.Kind = EventTaskCreated
		values, err := escrowABI.Events["TaskCreated"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("unpack TaskCreated: %w", err)
		}
		ev.Master = values[0].(common.Address)
		ev.Worker = values[1].(common.Address)
		ev.Amount = values[2].(*big.Int)
	case taskCompletedID:
		ev.Kind = EventTaskCompleted
		values, err := escrowABI.Events["TaskCompleted"].Inputs.NonIndexed().Unpack(log.Data)
		if err != nil {
			return Event{}, false, fmt.Errorf("unpack TaskCompleted: %w", err)
		}
		ev.Result = values[0].([]byte)
	case taskRefundedID:
		ev.Kind = EventTaskRefunded
	default:
		return Event{}, false, nil
	}
	return ev, true, nil
}
