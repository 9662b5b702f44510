package checkpoint

import (
	"context"
	"testing"

	"github.com/sentryscan/sentryscan/pkg/workflow"
)

func TestMemoryStore_PutGetLatestIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	state := &workflow.State{WorkflowID: "w1", Phase: workflow.PhaseRunning}
	cp1 := &workflow.Checkpoint{WorkflowID: "w1", Seq: 1, Snapshot: state}
	if err := s.PutCheckpoint(ctx, cp1); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}
	// Idempotent: writing the same seq again must not error or change content.
	state.Phase = workflow.PhaseFailed
	if err := s.PutCheckpoint(ctx, &workflow.Checkpoint{WorkflowID: "w1", Seq: 1, Snapshot: state}); err != nil {
		t.Fatalf("PutCheckpoint (repeat): %v", err)
	}

	got, err := s.GetCheckpoint(ctx, "w1", 1)
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got.Snapshot.Phase != workflow.PhaseRunning {
		t.Fatalf("expected first write to win, got phase %v", got.Snapshot.Phase)
	}

	state2 := &workflow.State{WorkflowID: "w1", Phase: workflow.PhaseSucceeded}
	if err := s.PutCheckpoint(ctx, &workflow.Checkpoint{WorkflowID: "w1", Seq: 2, Snapshot: state2}); err != nil {
		t.Fatalf("PutCheckpoint: %v", err)
	}

	latest, err := s.GetLatestCheckpoint(ctx, "w1")
	if err != nil {
		t.Fatalf("GetLatestCheckpoint: %v", err)
	}
	if latest.Seq != 2 {
		t.Fatalf("expected latest seq 2, got %d", latest.Seq)
	}

	seqs, err := s.ListCheckpoints(ctx, "w1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 2 {
		t.Fatalf("expected ordered [1 2], got %v", seqs)
	}
}

func TestMemoryStore_GetCheckpointNotFound(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetCheckpoint(context.Background(), "missing", 1); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_DeleteWorkflowClearsEverything(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.PutCheckpoint(ctx, &workflow.Checkpoint{WorkflowID: "w1", Seq: 1, Snapshot: &workflow.State{WorkflowID: "w1"}})
	_ = s.PutWorkflowMetadata(ctx, "w1", map[string]any{"k": "v"})

	if err := s.DeleteWorkflow(ctx, "w1"); err != nil {
		t.Fatalf("DeleteWorkflow: %v", err)
	}
	if _, err := s.GetLatestCheckpoint(ctx, "w1"); err != ErrNotFound {
		t.Fatalf("expected checkpoints gone, got %v", err)
	}
	if _, err := s.GetWorkflowMetadata(ctx, "w1"); err != ErrNotFound {
		t.Fatalf("expected metadata gone, got %v", err)
	}
}
