package errors

import (
	"errors"
	"fmt"
	"math/big"
)

// Kind tags the category of a marketplace error. Terminal Failed tasks
// carry the kind of the error that failed them.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindResource     Kind = "resource"
	KindChain        Kind = "chain"
	KindProtocol     Kind = "protocol"
	KindWorker       Kind = "worker"
	KindTimeout      Kind = "timeout"
	KindInternal     Kind = "internal"
	KindUnclassified Kind = "unclassified"
)

// ValidationError reports a rejected request before any side effect
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// NoEligibleWorkerError means every candidate was dropped by the
// directory's filter chain
type NoEligibleWorkerError struct {
	TaskType string
	Strategy string
}

func (e *NoEligibleWorkerError) Error() string {
	if e.Strategy != "" {
		return fmt.Sprintf("no eligible worker for task type %q using strategy %q", e.TaskType, e.Strategy)
	}
	return fmt.Sprintf("no eligible worker for task type %q", e.TaskType)
}

// NoWorkerForServiceError means the capability index has no offer for a
// planned service type
type NoWorkerForServiceError struct {
	ServiceType string
}

func (e *NoWorkerForServiceError) Error() string {
	return fmt.Sprintf("no worker offers service %q", e.ServiceType)
}

// BudgetExceededError reports a plan estimate above the caller's cap.
// Amounts are wei.
type BudgetExceededError struct {
	Estimated *big.Int
	Max       *big.Int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("estimated budget %s wei exceeds maximum %s wei", e.Estimated, e.Max)
}

// ChainUnavailableError wraps a chain RPC failure that persisted through
// the gateway's local retries
type ChainUnavailableError struct {
	Op  string
	Err error
}

func (e *ChainUnavailableError) Error() string {
	return fmt.Sprintf("chain unavailable during %s: %v", e.Op, e.Err)
}

func (e *ChainUnavailableError) Unwrap() error {
	return e.Err
}

// TxRevertedError reports a mined transaction with a failed receipt
type TxRevertedError struct {
	TxHash string
	Reason string
}

func (e *TxRevertedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s reverted", e.TxHash)
	}
	return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
}

// InsufficientConfirmationsError reports a transaction that did not reach
// the required confirmation depth in time
type InsufficientConfirmationsError struct {
	TxHash string
	Got    uint64
	Want   uint64
}

func (e *InsufficientConfirmationsError) Error() string {
	return fmt.Sprintf("transaction %s has %d of %d required confirmations", e.TxHash, e.Got, e.Want)
}

// InvalidTransitionError reports an illegal task status transition
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition from %s to %s", e.From, e.To)
}

// NonceReusedError reports a second Sign attempt over an already recorded
// (taskId, nonce) pair
type NonceReusedError struct {
	TaskID string
	Nonce  uint64
}

func (e *NonceReusedError) Error() string {
	return fmt.Sprintf("nonce %d already used for task %s", e.Nonce, e.TaskID)
}

// AuthorizationExpiredError reports an authorization past its expiresAt
type AuthorizationExpiredError struct {
	TaskID    string
	ExpiresAt int64
}

func (e *AuthorizationExpiredError) Error() string {
	return fmt.Sprintf("authorization for task %s expired at %d", e.TaskID, e.ExpiresAt)
}

// SignatureInvalidError reports a signature that failed recovery or
// signer comparison
type SignatureInvalidError struct {
	Reason string
}

func (e *SignatureInvalidError) Error() string {
	return fmt.Sprintf("invalid signature: %s", e.Reason)
}

// ManifestUnavailableError reports an unreachable or malformed worker
// manifest endpoint
type ManifestUnavailableError struct {
	Endpoint string
	Err      error
}

func (e *ManifestUnavailableError) Error() string {
	return fmt.Sprintf("manifest unavailable at %s: %v", e.Endpoint, e.Err)
}

func (e *ManifestUnavailableError) Unwrap() error {
	return e.Err
}

// DispatchFailedError reports a non-2xx response to an authorize dispatch
type DispatchFailedError struct {
	Worker     string
	StatusCode int
	Body       string
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch to worker %s failed with status %d", e.Worker, e.StatusCode)
}

// ResultFetchFailedError reports a failed result retrieval for a
// completed task
type ResultFetchFailedError struct {
	Worker string
	Err    error
}

func (e *ResultFetchFailedError) Error() string {
	return fmt.Sprintf("result fetch from worker %s failed: %v", e.Worker, e.Err)
}

func (e *ResultFetchFailedError) Unwrap() error {
	return e.Err
}

// DeadlineExceededError reports a task past its absolute deadline
type DeadlineExceededError struct {
	TaskID   string
	Deadline int64
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded deadline %d", e.TaskID, e.Deadline)
}

// ProofTimeoutError reports a worker that produced no proof within the
// polling window
type ProofTimeoutError struct {
	TaskID string
}

func (e *ProofTimeoutError) Error() string {
	return fmt.Sprintf("no proof from worker for task %s before timeout", e.TaskID)
}

// PersistenceError wraps a task store failure
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// ConfigMissingError reports a required configuration key with no value
type ConfigMissingError struct {
	Key string
}

func (e *ConfigMissingError) Error() string {
	return fmt.Sprintf("missing required configuration: %s", e.Key)
}

// KindOf classifies an error into its marketplace category
func KindOf(err error) Kind {
	if err == nil {
		return KindUnclassified
	}

	var (
		validationErr    *ValidationError
		noWorkerErr      *NoEligibleWorkerError
		noServiceErr     *NoWorkerForServiceError
		budgetErr        *BudgetExceededError
		chainErr         *ChainUnavailableError
		revertErr        *TxRevertedError
		confirmationsErr *InsufficientConfirmationsError
		transitionErr    *InvalidTransitionError
		nonceErr         *NonceReusedError
		expiredErr       *AuthorizationExpiredError
		signatureErr     *SignatureInvalidError
		manifestErr      *ManifestUnavailableError
		dispatchErr      *DispatchFailedError
		resultErr        *ResultFetchFailedError
		deadlineErr      *DeadlineExceededError
		proofErr         *ProofTimeoutError
		persistenceErr   *PersistenceError
		configErr        *ConfigMissingError
	)

	switch {
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &noWorkerErr), errors.As(err, &noServiceErr), errors.As(err, &budgetErr):
		return KindResource
	case errors.As(err, &chainErr), errors.As(err, &revertErr), errors.As(err, &confirmationsErr):
		return KindChain
	case errors.As(err, &transitionErr), errors.As(err, &nonceErr),
		errors.As(err, &expiredErr), errors.As(err, &signatureErr):
		return KindProtocol
	case errors.As(err, &manifestErr), errors.As(err, &dispatchErr), errors.As(err, &resultErr):
		return KindWorker
	case errors.As(err, &deadlineErr), errors.As(err, &proofErr):
		return KindTimeout
	case errors.As(err, &persistenceErr), errors.As(err, &configErr):
		return KindInternal
	}

	return KindUnclassified
}

// IsKind reports whether err classifies into the given category
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
