// Package checkpoint persists immutable workflow-state snapshots so an
// engine can resume a workflow after a crash or an explicit pause, the
// same role the upstream agent-execution checkpoint store plays for a
// single agent's reasoning loop, generalized here to a workflow's plan
// cursor.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sentryscan/sentryscan/pkg/workflow"
)

// MemoryStore and SQLStore both implement workflow.CheckpointStore
// structurally: the interface is declared in pkg/workflow so the engine
// can depend on it without this package importing the engine back.
// Every write is
// idempotent: writing the same (workflow_id, seq) twice is a no-op on
// the second call.

// ErrNotFound is returned when a requested checkpoint or metadata
// record does not exist.
var ErrNotFound = fmt.Errorf("checkpoint: not found")

// MemoryStore is an in-process workflow.CheckpointStore, the default when checkpointing
// is enabled without a configured SQL driver.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[int64]*workflow.Checkpoint
	metadata    map[string]map[string]any
}

// NewMemoryStore builds an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]map[int64]*workflow.Checkpoint),
		metadata:    make(map[string]map[string]any),
	}
}

func (m *MemoryStore) PutCheckpoint(_ context.Context, cp *workflow.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.checkpoints[cp.WorkflowID]; !ok {
		m.checkpoints[cp.WorkflowID] = make(map[int64]*workflow.Checkpoint)
	}
	if _, exists := m.checkpoints[cp.WorkflowID][cp.Seq]; exists {
		return nil
	}
	snapshot := cp.Snapshot.Clone()
	m.checkpoints[cp.WorkflowID][cp.Seq] = &workflow.Checkpoint{
		WorkflowID: cp.WorkflowID,
		Seq:        cp.Seq,
		Snapshot:   snapshot,
		CreatedAt:  cp.CreatedAt,
	}
	return nil
}

func (m *MemoryStore) GetCheckpoint(_ context.Context, workflowID string, seq int64) (*workflow.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.checkpoints[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	cp, ok := byID[seq]
	if !ok {
		return nil, ErrNotFound
	}
	return cp, nil
}

func (m *MemoryStore) GetLatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	seqs, err := m.ListCheckpoints(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, ErrNotFound
	}
	return m.GetCheckpoint(ctx, workflowID, seqs[len(seqs)-1])
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, workflowID string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byID, ok := m.checkpoints[workflowID]
	if !ok {
		return nil, nil
	}
	seqs := make([]int64, 0, len(byID))
	for seq := range byID {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (m *MemoryStore) PutWorkflowMetadata(_ context.Context, workflowID string, metadata map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[workflowID] = metadata
	return nil
}

func (m *MemoryStore) GetWorkflowMetadata(_ context.Context, workflowID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.metadata[workflowID]
	if !ok {
		return nil, ErrNotFound
	}
	return md, nil
}

func (m *MemoryStore) DeleteWorkflow(_ context.Context, workflowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, workflowID)
	delete(m.metadata, workflowID)
	return nil
}

// SQLStore persists checkpoints to any database/sql driver (the
// engine's cmd wiring registers lib/pq, go-sql-driver/mysql, or
// mattn/go-sqlite3 depending on configuration; this package only
// depends on database/sql). Snapshots are stored as JSON blobs since
// the workflow State shape is expected to evolve across releases.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore wraps an already-opened *sql.DB. Callers are expected to
// have created the checkpoints/workflow_metadata tables via migration;
// NewSQLStore does not run DDL.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PutCheckpoint(ctx context.Context, cp *workflow.Checkpoint) error {
	payload, err := json.Marshal(cp.Snapshot)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (workflow_id, seq, snapshot, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, seq) DO NOTHING`,
		cp.WorkflowID, cp.Seq, payload, cp.CreatedAt)
	return err
}

func (s *SQLStore) GetCheckpoint(ctx context.Context, workflowID string, seq int64) (*workflow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT snapshot, created_at FROM checkpoints WHERE workflow_id = $1 AND seq = $2`,
		workflowID, seq)
	return scanCheckpoint(row, workflowID, seq)
}

func (s *SQLStore) GetLatestCheckpoint(ctx context.Context, workflowID string) (*workflow.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, snapshot, created_at FROM checkpoints
		WHERE workflow_id = $1 ORDER BY seq DESC LIMIT 1`, workflowID)

	var seq int64
	var payload []byte
	var createdAt time.Time
	if err := row.Scan(&seq, &payload, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snapshot workflow.State
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	return &workflow.Checkpoint{WorkflowID: workflowID, Seq: seq, Snapshot: &snapshot, CreatedAt: createdAt}, nil
}

func scanCheckpoint(row *sql.Row, workflowID string, seq int64) (*workflow.Checkpoint, error) {
	var payload []byte
	var createdAt time.Time
	if err := row.Scan(&payload, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var snapshot workflow.State
	if err := json.Unmarshal(payload, &snapshot); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal snapshot: %w", err)
	}
	return &workflow.Checkpoint{WorkflowID: workflowID, Seq: seq, Snapshot: &snapshot, CreatedAt: createdAt}, nil
}

func (s *SQLStore) ListCheckpoints(ctx context.Context, workflowID string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM checkpoints WHERE workflow_id = $1 ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}

func (s *SQLStore) PutWorkflowMetadata(ctx context.Context, workflowID string, metadata map[string]any) error {
	payload, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_metadata (workflow_id, metadata)
		VALUES ($1, $2)
		ON CONFLICT (workflow_id) DO UPDATE SET metadata = excluded.metadata`,
		workflowID, payload)
	return err
}

func (s *SQLStore) GetWorkflowMetadata(ctx context.Context, workflowID string) (map[string]any, error) {
	row := s.db.QueryRowContext(ctx, `SELECT metadata FROM workflow_metadata WHERE workflow_id = $1`, workflowID)
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var metadata map[string]any
	if err := json.Unmarshal(payload, &metadata); err != nil {
		return nil, fmt.Errorf("checkpoint: unmarshal metadata: %w", err)
	}
	return metadata, nil
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE workflow_id = $1`, workflowID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_metadata WHERE workflow_id = $1`, workflowID)
	return err
}
