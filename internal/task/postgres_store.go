package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"econos/internal/logging"
)

// PostgresStore persists tasks in PostgreSQL. The task_hash column
// holds the on-chain 32-byte identifier so event handlers resolve
// tasks by index lookup.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// NewPostgresStore wraps an existing connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger logging.Logger) *PostgresStore {
	return &PostgresStore{
		pool:   pool,
		logger: logging.OrNop(logger),
	}
}

// EnsureSchema creates the tasks table and its indexes when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			task_hash BYTEA NOT NULL UNIQUE,
			task_type TEXT NOT NULL,
			input_parameters JSONB NOT NULL DEFAULT '{}'::jsonb,
			required_capabilities TEXT[] NOT NULL DEFAULT '{}',
			deadline BIGINT NOT NULL,
			budget_wei TEXT NOT NULL,
			status TEXT NOT NULL,
			assigned_worker TEXT NOT NULL DEFAULT '',
			escrow_tx_hash TEXT NOT NULL DEFAULT '',
			result_hash TEXT NOT NULL DEFAULT '',
			auth_signature TEXT NOT NULL DEFAULT '',
			auth_nonce BIGINT NOT NULL DEFAULT 0,
			auth_expires_at BIGINT NOT NULL DEFAULT 0,
			failure_kind TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks (deadline)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			name TEXT PRIMARY KEY,
			value BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure tasks schema: %w", err)
		}
	}
	s.logger.Debug("tasks schema ensured")
	return nil
}

const taskColumns = `task_id, task_hash, task_type, input_parameters, required_capabilities,
	deadline, budget_wei, status, assigned_worker, escrow_tx_hash, result_hash,
	auth_signature, auth_nonce, auth_expires_at, failure_kind, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, t *Task) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	params, err := json.Marshal(t.InputParameters)
	if err != nil {
		return fmt.Errorf("marshal input parameters: %w", err)
	}
	hash := t.ID.ChainHash()
	var sig string
	var nonce uint64
	var expires int64
	if t.Authorization != nil {
		sig = t.Authorization.Signature
		nonce = t.Authorization.Nonce
		expires = t.Authorization.ExpiresAt
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID.String(), hash[:], string(t.Type), params, t.RequiredCapabilities,
		t.Deadline.Unix(), budgetString(t.Budget), string(t.Status),
		t.AssignedWorker, t.EscrowTxHash, t.ResultHash,
		sig, int64(nonce), expires, t.FailureKind,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("task already exists: %s", t.ID)
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id TaskID) (*Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, id.String())
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("query task %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash [32]byte) (*Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_hash = $1`, hash[:])
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: hash %x", ErrNotFound, hash)
		}
		return nil, fmt.Errorf("query task by hash %x: %w", hash, err)
	}
	return t, nil
}

func (s *PostgresStore) Update(ctx context.Context, t *Task) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	if t == nil {
		return fmt.Errorf("task is nil")
	}
	params, err := json.Marshal(t.InputParameters)
	if err != nil {
		return fmt.Errorf("marshal input parameters: %w", err)
	}
	var sig string
	var nonce uint64
	var expires int64
	if t.Authorization != nil {
		sig = t.Authorization.Signature
		nonce = t.Authorization.Nonce
		expires = t.Authorization.ExpiresAt
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			task_type = $2, input_parameters = $3, required_capabilities = $4,
			deadline = $5, budget_wei = $6, status = $7, assigned_worker = $8,
			escrow_tx_hash = $9, result_hash = $10, auth_signature = $11,
			auth_nonce = $12, auth_expires_at = $13, failure_kind = $14, updated_at = $15
		WHERE task_id = $1`,
		t.ID.String(), string(t.Type), params, t.RequiredCapabilities,
		t.Deadline.Unix(), budgetString(t.Budget), string(t.Status),
		t.AssignedWorker, t.EscrowTxHash, t.ResultHash,
		sig, int64(nonce), expires, t.FailureKind, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, t.ID)
	}
	return nil
}

func (s *PostgresStore) GetByStatus(ctx context.Context, status Status) ([]*Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("query tasks by status %s: %w", status, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) GetExpired(ctx context.Context, now time.Time) ([]*Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	active := []string{string(StatusCreated), string(StatusAuthorized), string(StatusRunning)}
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE deadline < $1 AND status = ANY($2)
		ORDER BY deadline ASC`,
		now.Unix(), active)
	if err != nil {
		return nil, fmt.Errorf("query expired tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) List(ctx context.Context, offset, limit int) ([]*Task, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("task store not initialized")
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	if s == nil || s.pool == nil {
		return 0, fmt.Errorf("task store not initialized")
	}
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, name string, value uint64) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("task store not initialized")
	}
	if name == "" {
		return fmt.Errorf("checkpoint name is empty")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (name, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE SET value = $2, updated_at = now()`,
		name, int64(value))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", name, err)
	}
	return nil
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, name string) (uint64, bool, error) {
	if s == nil || s.pool == nil {
		return 0, false, fmt.Errorf("task store not initialized")
	}
	var value int64
	err := s.pool.QueryRow(ctx, `SELECT value FROM checkpoints WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("load checkpoint %s: %w", name, err)
	}
	return uint64(value), true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		idStr     string
		hashRaw   []byte
		typeStr   string
		paramsRaw []byte
		caps      []string
		deadline  int64
		budgetStr string
		statusStr string
		worker    string
		escrowTx  string
		result    string
		authSig   string
		authNonce int64
		authExp   int64
		failKind  string
		createdAt time.Time
		updatedAt time.Time
	)
	err := row.Scan(&idStr, &hashRaw, &typeStr, &paramsRaw, &caps,
		&deadline, &budgetStr, &statusStr, &worker, &escrowTx, &result,
		&authSig, &authNonce, &authExp, &failKind, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	id, err := ParseTaskID(idStr)
	if err != nil {
		return nil, fmt.Errorf("stored task id invalid: %w", err)
	}
	var params map[string]any
	if len(paramsRaw) > 0 {
		if err := json.Unmarshal(paramsRaw, &params); err != nil {
			return nil, fmt.Errorf("stored input parameters invalid: %w", err)
		}
	}
	budget, ok := new(big.Int).SetString(budgetStr, 10)
	if !ok {
		return nil, fmt.Errorf("stored budget invalid: %q", budgetStr)
	}
	t := &Task{
		ID:                   id,
		Type:                 TaskType(typeStr),
		InputParameters:      params,
		RequiredCapabilities: caps,
		Deadline:             time.Unix(deadline, 0).UTC(),
		Budget:               budget,
		Status:               Status(statusStr),
		AssignedWorker:       worker,
		EscrowTxHash:         escrowTx,
		ResultHash:           result,
		FailureKind:          failKind,
		CreatedAt:            createdAt.UTC(),
		UpdatedAt:            updatedAt.UTC(),
	}
	if authSig != "" {
		t.Authorization = &AuthorizationRecord{
			Signature: authSig,
			Nonce:     uint64(authNonce),
			ExpiresAt: authExp,
		}
	}
	return t, nil
}

type taskRows interface {
	rowScanner
	Next() bool
	Err() error
}

func collectTasks(rows taskRows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

func budgetString(b *big.Int) string {
	if b == nil {
		return "0"
	}
	return b.String()
}
