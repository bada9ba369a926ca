package task

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"

	econoserrors "econos/internal/errors"
)

// TaskType labels a capability from the closed marketplace set.
type TaskType string

const (
	TypeImageGeneration   TaskType = "image-generation"
	TypeSummaryGeneration TaskType = "summary-generation"
	TypeResearcher        TaskType = "researcher"
	TypeWriter            TaskType = "writer"
	TypeMarketResearch    TaskType = "market-research"
)

// AllTypes returns the closed set of supported task types.
func AllTypes() []TaskType {
	return []TaskType{
		TypeImageGeneration,
		TypeSummaryGeneration,
		TypeResearcher,
		TypeWriter,
		TypeMarketResearch,
	}
}

// IsValidType reports whether t belongs to the closed set.
func IsValidType(t TaskType) bool {
	switch t {
	case TypeImageGeneration, TypeSummaryGeneration, TypeResearcher, TypeWriter, TypeMarketResearch:
		return true
	}
	return false
}

// Duration bounds for hired tasks, in seconds.
const (
	MinDurationSeconds int64 = 3600   // 1 hour
	MaxDurationSeconds int64 = 604800 // 7 days
)

// TaskID is the opaque 32-byte task identifier.
type TaskID [32]byte

// NewTaskID returns a fresh random identifier.
func NewTaskID() TaskID {
	var id TaskID
	if _, err := rand.Read(id[:]); err != nil {
		// crypto/rand never fails on supported platforms
		panic(fmt.Sprintf("task id entropy unavailable: %v", err))
	}
	return id
}

// ParseTaskID decodes a 0x-prefixed 64-hex-char identifier.
func ParseTaskID(s string) (TaskID, error) {
	var id TaskID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, econoserrors.NewValidationError("taskId", fmt.Sprintf("not hex: %v", err))
	}
	if len(raw) != 32 {
		return id, econoserrors.NewValidationError("taskId", fmt.Sprintf("expected 32 bytes, got %d", len(raw)))
	}
	copy(id[:], raw)
	return id, nil
}

// String renders the canonical 0x-prefixed hex form.
func (id TaskID) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// Bytes returns a copy of the raw identifier.
func (id TaskID) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, id[:])
	return out
}

// IsZero reports whether the identifier is unset.
func (id TaskID) IsZero() bool {
	return id == TaskID{}
}

// MarshalJSON renders the identifier as its canonical hex string.
func (id TaskID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

// UnmarshalJSON parses the canonical hex string form.
func (id *TaskID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := ParseTaskID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ChainHash returns the 32-byte identifier used on-chain for this task:
// the keccak of the canonical string form. The escrow contract, the
// authorization payload and the persisted task_hash column all use this
// value, so event handlers resolve local tasks with an exact match
// instead of scanning.
func (id TaskID) ChainHash() [32]byte {
	return ToBytes32(id.String())
}

// ToBytes32 maps an arbitrary string to a 32-byte value via keccak256 of
// its UTF-8 bytes. Deterministic; distinct inputs produce distinct
// outputs up to hash collision.
func ToBytes32(s string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusCreated    Status = "created"
	StatusAuthorized Status = "authorized"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusRefunded   Status = "refunded"
	StatusFailed     Status = "failed"
)

// ParseStatus converts a stored string into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(strings.ToLower(strings.TrimSpace(s)))
	switch status {
	case StatusPending, StatusCreated, StatusAuthorized, StatusRunning,
		StatusCompleted, StatusRefunded, StatusFailed:
		return status, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// StatusFromChain maps the escrow contract's numeric status to the local
// lifecycle. On-chain DISPUTED (2) is treated as terminal Failed; no
// dispute workflow exists yet.
func StatusFromChain(code uint8) (Status, error) {
	switch code {
	case 0:
		return StatusCreated, nil
	case 1:
		return StatusCompleted, nil
	case 2:
		return StatusFailed, nil
	case 3:
		return StatusRefunded, nil
	}
	return "", fmt.Errorf("unknown on-chain task status %d", code)
}

// AuthorizationRecord is the persisted (signature, nonce, expiresAt)
// triple issued for the assigned worker.
type AuthorizationRecord struct {
	Signature string `json:"signature"`
	Nonce     uint64 `json:"nonce"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Task is the canonical unit of work.
type Task struct {
	ID                   TaskID               `json:"taskId"`
	Type                 TaskType             `json:"taskType"`
	InputParameters      map[string]any       `json:"inputParameters"`
	RequiredCapabilities []string             `json:"requiredCapabilities"`
	Deadline             time.Time            `json:"deadline"`
	Budget               *big.Int             `json:"budget"`
	Status               Status               `json:"status"`
	AssignedWorker       string               `json:"assignedWorker,omitempty"`
	EscrowTxHash         string               `json:"escrowTxHash,omitempty"`
	ResultHash           string               `json:"resultHash,omitempty"`
	Authorization        *AuthorizationRecord `json:"authorization,omitempty"`
	FailureKind          string               `json:"failureKind,omitempty"`
	CreatedAt            time.Time            `json:"createdAt"`
	UpdatedAt            time.Time            `json:"updatedAt"`
}

// Clone returns a deep copy so callers can hand out snapshots without
// exposing manager-owned state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	if t.Budget != nil {
		out.Budget = new(big.Int).Set(t.Budget)
	}
	if t.InputParameters != nil {
		params := make(map[string]any, len(t.InputParameters))
		for k, v := range t.InputParameters {
			params[k] = v
		}
		out.InputParameters = params
	}
	if t.RequiredCapabilities != nil {
		out.RequiredCapabilities = append([]string(nil), t.RequiredCapabilities...)
	}
	if t.Authorization != nil {
		auth := *t.Authorization
		out.Authorization = &auth
	}
	return &out
}

// IsExpired reports whether the deadline has passed.
func (t *Task) IsExpired(now time.Time) bool {
	return now.After(t.Deadline)
}

// CreateRequest carries the validated inputs for a new task.
type CreateRequest struct {
	Type                 TaskType
	InputParameters      map[string]any
	RequiredCapabilities []string
	DurationSeconds      int64
	Budget               *big.Int
}
