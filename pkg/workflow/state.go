package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Phase is a workflow's position in its lifecycle state machine.
type Phase string

const (
	PhasePending   Phase = "PENDING"
	PhaseRunning   Phase = "RUNNING"
	PhasePaused    Phase = "PAUSED"
	PhaseSucceeded Phase = "SUCCEEDED"
	PhaseFailed    Phase = "FAILED"
	PhaseCanceled  Phase = "CANCELED"
)

// terminal reports whether a phase has no further transitions.
func (p Phase) terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed || p == PhaseCanceled
}

// NodeStatus is the outcome recorded for one executed plan node.
type NodeStatus string

const (
	NodeStatusSucceeded NodeStatus = "SUCCEEDED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
)

// NodeResult captures one node's execution outcome and timing.
type NodeResult struct {
	Index      int        `json:"index"`
	Kind       NodeKind   `json:"kind"`
	Status     NodeStatus `json:"status"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Attempts   int        `json:"attempts"`
	Diagnostic string     `json:"diagnostic,omitempty"`
}

// State is the full typed state of one workflow instance.
type State struct {
	WorkflowID      string                 `json:"workflow_id"`
	WorkflowType    ScenarioType           `json:"workflow_type"`
	Phase           Phase                  `json:"phase"`
	Target          scanrequest.Target     `json:"target"`
	SelectedToolIDs []string               `json:"selected_tool_ids"`
	Plan            Plan                   `json:"plan"`
	Cursor          int                    `json:"cursor"`
	NodeResults     []NodeResult           `json:"node_results"`
	Findings        []finding.Finding      `json:"findings"`
	Context         map[string]any         `json:"context,omitempty"`
	Progress        float64                `json:"progress"`
	Error           string                 `json:"error,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	CheckpointSeq   int64                  `json:"checkpoint_seq"`
}

// NewState builds the PENDING initial state for a workflow instance.
func NewState(workflowID string, scenario ScenarioType, target scanrequest.Target, plan Plan, selectedToolIDs []string) *State {
	now := timeNow()
	return &State{
		WorkflowID:      workflowID,
		WorkflowType:    scenario,
		Phase:           PhasePending,
		Target:          target,
		SelectedToolIDs: selectedToolIDs,
		Plan:            plan,
		Cursor:          0,
		Context:         make(map[string]any),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Validate checks the state's structural invariants.
func (s *State) Validate() error {
	if s.Cursor > len(s.Plan) {
		return fmt.Errorf("workflow %s: cursor %d exceeds plan length %d", s.WorkflowID, s.Cursor, len(s.Plan))
	}
	if s.Phase == PhaseSucceeded && s.Cursor != len(s.Plan) {
		return fmt.Errorf("workflow %s: SUCCEEDED requires cursor == len(plan)", s.WorkflowID)
	}
	return nil
}

// Clone returns a deep-enough copy for safe external read access: the
// workflow's engine loop is the sole writer of the canonical State, so
// every reader (HTTP API, broker) gets its own copy.
func (s *State) Clone() *State {
	c := *s
	c.SelectedToolIDs = append([]string(nil), s.SelectedToolIDs...)
	c.Plan = append(Plan(nil), s.Plan...)
	c.NodeResults = append([]NodeResult(nil), s.NodeResults...)
	c.Findings = append([]finding.Finding(nil), s.Findings...)
	c.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		c.Context[k] = v
	}
	return &c
}

// Checkpoint is an immutable snapshot of a workflow's State at one
// point in its history, identified by (workflow_id, checkpoint_seq).
type Checkpoint struct {
	WorkflowID string    `json:"workflow_id"`
	Seq        int64     `json:"checkpoint_seq"`
	Snapshot   *State    `json:"snapshot"`
	CreatedAt  time.Time `json:"created_at"`
}

// timeNow is overridden in tests that need deterministic timestamps.
var timeNow = time.Now

// CheckpointStore is the persistence boundary the engine drives. It is
// declared here, not in pkg/checkpoint, so that package can depend on
// pkg/workflow's types without creating an import cycle back into the
// engine.
type CheckpointStore interface {
	PutCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, workflowID string, seq int64) (*Checkpoint, error)
	GetLatestCheckpoint(ctx context.Context, workflowID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, workflowID string) ([]int64, error)
	PutWorkflowMetadata(ctx context.Context, workflowID string, metadata map[string]any) error
	GetWorkflowMetadata(ctx context.Context, workflowID string) (map[string]any, error)
	DeleteWorkflow(ctx context.Context, workflowID string) error
}
