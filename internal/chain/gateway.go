package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	econoserrors "econos/internal/errors"
	"econos/internal/logging"
	"econos/internal/observability"
	"econos/internal/task"
)

// Backend is the JSON-RPC surface the gateway needs. *ethclient.Client
// satisfies it; tests substitute a fake.
type Backend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Config carries the gateway's chain parameters.
type Config struct {
	ChainID         int64
	EscrowAddress   common.Address
	RegistryAddress common.Address
	PrivateKeyHex   string
	// Confirmations a write must accumulate before it counts as done.
	Confirmations uint64
	// ReceiptPollInterval paces the mined-receipt probe.
	ReceiptPollInterval time.Duration
	// EventPollInterval paces the escrow log scan.
	EventPollInterval time.Duration
}

// Receipt is the gateway's view of a confirmed write.
type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	GasUsed       uint64
	Confirmations uint64
}

// Gateway gives typed access to the escrow and registry contracts.
// All writes funnel through one mutex-serialized wallet so account
// nonces never race.
type Gateway struct {
	backend  Backend
	cfg      Config
	key      *ecdsa.PrivateKey
	master   common.Address
	signer   types.Signer
	retry    econoserrors.RetryConfig
	logger   logging.Logger
	metrics  *observability.MetricsCollector
	writeMu  sync.Mutex
	watchers *eventDispatcher
	watchMu  sync.Mutex
	watching bool
}

// NewGateway wires a gateway over an existing backend.
func NewGateway(backend Backend, cfg Config, logger logging.Logger, metrics *observability.MetricsCollector) (*Gateway, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKeyHex), "0x")
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, econoserrors.NewValidationError("masterPrivateKey", fmt.Sprintf("not a valid secp256k1 key: %v", err))
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 2
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.EventPollInterval <= 0 {
		cfg.EventPollInterval = 5 * time.Second
	}
	retry := econoserrors.DefaultRetryConfig()
	retry.MaxAttempts = 4 // five executions total
	return &Gateway{
		backend:  backend,
		cfg:      cfg,
		key:      key,
		master:   crypto.PubkeyToAddress(key.PublicKey),
		signer:   types.LatestSignerForChainID(big.NewInt(cfg.ChainID)),
		retry:    retry,
		logger:   logging.OrNop(logger),
		metrics:  metrics,
		watchers: newEventDispatcher(),
	}, nil
}

// Dial connects to a JSON-RPC endpoint and builds a gateway on it.
func Dial(ctx context.Context, rpcURL string, cfg Config, logger logging.Logger, metrics *observability.MetricsCollector) (*Gateway, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &econoserrors.ChainUnavailableError{Op: "dial", Err: err}
	}
	return NewGateway(client, cfg, logger, metrics)
}

// MasterAddress returns the wallet address writes are signed with.
func (g *Gateway) MasterAddress() common.Address {
	return g.master
}

// GetTask reads the escrow record for a task. Returns (nil, nil) when
// the escrow holds no record for the key.
func (g *Gateway) GetTask(ctx context.Context, id task.TaskID) (*OnChainTask, error) {
	hash := id.ChainHash()
	calldata, err := escrowABI.Pack("tasks", hash)
	if err != nil {
		return nil, fmt.Errorf("pack tasks call: %w", err)
	}
	output, err := g.call(ctx, "getTask", g.cfg.EscrowAddress, calldata)
	if err != nil {
		return nil, err
	}
	values, err := escrowABI.Unpack("tasks", output)
	if err != nil {
		return nil, fmt.Errorf("unpack tasks result: %w", err)
	}
	record := &OnChainTask{
		Master:   values[0].(common.Address),
		Worker:   values[1].(common.Address),
		Amount:   values[2].(*big.Int),
		Deadline: values[3].(*big.Int),
		Status:   values[4].(uint8),
	}
	if record.Master == (common.Address{}) {
		return nil, nil
	}
	return record, nil
}

// DepositTask escrows amountWei for the task and waits for the write
// to confirm. Fails fast when the escrow already holds a record for
// this key.
func (g *Gateway) DepositTask(ctx context.Context, id task.TaskID, worker common.Address, durationSeconds int64, amountWei *big.Int) (*Receipt, error) {
	if amountWei == nil || amountWei.Sign() <= 0 {
		return nil, econoserrors.NewValidationError("amountWei", "must be positive")
	}
	existing, err := g.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, econoserrors.NewValidationError("taskId", "task already exists in escrow")
	}

	hash := id.ChainHash()
	calldata, err := escrowABI.Pack("depositTask", hash, worker, big.NewInt(durationSeconds))
	if err != nil {
		return nil, fmt.Errorf("pack depositTask call: %w", err)
	}
	start := time.Now()
	receipt, err := g.transact(ctx, "depositTask", g.cfg.EscrowAddress, calldata, amountWei)
	if err != nil {
		g.metrics.RecordDeposit(ctx, "error", time.Since(start))
		return nil, err
	}
	g.metrics.RecordDeposit(ctx, "ok", time.Since(start))
	g.logger.Info("escrow deposit confirmed: task=%s worker=%s amount=%s tx=%s confirmations=%d",
		id, worker.Hex(), amountWei, receipt.TxHash, receipt.Confirmations)
	return receipt, nil
}

// RefundAndSlash reclaims the escrowed amount for an expired task and
// triggers the registry's reputation slash.
func (g *Gateway) RefundAndSlash(ctx context.Context, id task.TaskID) (*Receipt, error) {
	hash := id.ChainHash()
	calldata, err := escrowABI.Pack("refundAndSlash", hash)
	if err != nil {
		return nil, fmt.Errorf("pack refundAndSlash call: %w", err)
	}
	start := time.Now()
	receipt, err := g.transact(ctx, "refundAndSlash", g.cfg.EscrowAddress, calldata, nil)
	if err != nil {
		g.metrics.RecordRefund(ctx, "error", time.Since(start))
		return nil, err
	}
	g.metrics.RecordRefund(ctx, "ok", time.Since(start))
	g.logger.Info("refund and slash confirmed: task=%s tx=%s", id, receipt.TxHash)
	return receipt, nil
}

// IsWorkerActive reads the registry's liveness flag for a worker.
func (g *Gateway) IsWorkerActive(ctx context.Context, worker common.Address) (bool, error) {
	calldata, err := registryABI.Pack("isWorkerActive", worker)
	if err != nil {
		return false, fmt.Errorf("pack isWorkerActive call: %w", err)
	}
	output, err := g.call(ctx, "isWorkerActive", g.cfg.RegistryAddress, calldata)
	if err != nil {
		return false, err
	}
	values, err := registryABI.Unpack("isWorkerActive", output)
	if err != nil {
		return false, fmt.Errorf("unpack isWorkerActive result: %w", err)
	}
	return values[0].(bool), nil
}

// call performs a retried eth_call.
func (g *Gateway) call(ctx context.Context, op string, to common.Address, calldata []byte) ([]byte, error) {
	msg := ethereum.CallMsg{From: g.master, To: &to, Data: calldata}
	output, err := econoserrors.RetryWithResultAndLog(ctx, g.retry,
		func(ctx context.Context) ([]byte, error) {
			return g.backend.CallContract(ctx, msg, nil)
		}, g.logger)
	if err != nil {
		return nil, g.classify(op, "", err)
	}
	return output, nil
}

// transact signs, sends and confirms one write. The wallet lock makes
// the gateway a single writer, so nonces are assigned in order.
func (g *Gateway) transact(ctx context.Context, method string, to common.Address, calldata []byte, value *big.Int) (*Receipt, error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	if value == nil {
		value = new(big.Int)
	}
	signed, err := econoserrors.RetryWithResultAndLog(ctx, g.retry,
		func(ctx context.Context) (*types.Transaction, error) {
			return g.buildAndSend(ctx, to, calldata, value)
		}, g.logger)
	if err != nil {
		return nil, g.classify(method, "", err)
	}
	return g.waitMined(ctx, signed.Hash())
}

func (g *Gateway) buildAndSend(ctx context.Context, to common.Address, calldata []byte, value *big.Int) (*types.Transaction, error) {
	nonce, err := g.backend.PendingNonceAt(ctx, g.master)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := g.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := g.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	msg := ethereum.CallMsg{From: g.master, To: &to, Value: value, Data: calldata}
	gasLimit, err := g.backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(g.cfg.ChainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit * 120 / 100,
		To:        &to,
		Value:     value,
		Data:      calldata,
	})
	signed, err := types.SignTx(tx, g.signer, g.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := g.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return signed, nil
}

// waitMined polls for the receipt and then for the configured number
// of confirmations. A context that runs out mid-wait surfaces how many
// confirmations were observed.
func (g *Gateway) waitMined(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	ticker := time.NewTicker(g.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	var receipt *types.Receipt
	for receipt == nil {
		r, err := g.backend.TransactionReceipt(ctx, txHash)
		if err == nil && r != nil {
			receipt = r
			break
		}
		select {
		case <-ctx.Done():
			return nil, &econoserrors.InsufficientConfirmationsError{
				TxHash: txHash.Hex(), Got: 0, Want: g.cfg.Confirmations,
			}
		case <-ticker.C:
		}
	}

	mined := receipt.BlockNumber.Uint64()
	confirmations := uint64(0)
	for {
		head, err := g.backend.HeaderByNumber(ctx, nil)
		if err == nil && head.Number.Uint64() >= mined {
			confirmations = head.Number.Uint64() - mined + 1
			if confirmations >= g.cfg.Confirmations {
				break
			}
		}
		select {
		case <-ctx.Done():
			return nil, &econoserrors.InsufficientConfirmationsError{
				TxHash: txHash.Hex(), Got: confirmations, Want: g.cfg.Confirmations,
			}
		case <-ticker.C:
		}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, &econoserrors.TxRevertedError{TxHash: txHash.Hex(), Reason: "receipt status 0"}
	}
	return &Receipt{
		TxHash:        txHash.Hex(),
		BlockNumber:   mined,
		GasUsed:       receipt.GasUsed,
		Confirmations: confirmations,
	}, nil
}

// classify maps an exhausted or permanent RPC failure onto the chain
// error taxonomy.
func (g *Gateway) classify(op, txHash string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return &econoserrors.TxRevertedError{TxHash: txHash, Reason: err.Error()}
	}
	return &econoserrors.ChainUnavailableError{Op: op, Err: err}
}
