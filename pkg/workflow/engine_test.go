package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/checkpoint"
	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
	"github.com/sentryscan/sentryscan/pkg/scheduler"
)

type stubAdapter struct {
	toolID   string
	findings []finding.Finding
	fail     bool
}

func (s *stubAdapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID: s.toolID,
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: []capability.TargetKind{capability.TargetLocalPath},
		},
	}
}
func (s *stubAdapter) Validate(*scanrequest.Request) error { return nil }
func (s *stubAdapter) Execute(context.Context, *scanrequest.Request, *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	if s.fail {
		return nil, &adapter.ExecutionFailedError{ExitCode: 1}
	}
	return &adapter.NativeOutput{Payload: []byte("{}")}, nil
}
func (s *stubAdapter) Parse(*adapter.NativeOutput, *scanrequest.Request) ([]finding.Finding, error) {
	return s.findings, nil
}

type fakeRegistry struct{ adapters map[string]adapter.Adapter }

func (r *fakeRegistry) Acquire(toolID string) (adapter.Adapter, bool) {
	a, ok := r.adapters[toolID]
	return a, ok
}
func (r *fakeRegistry) Release(string) {}

func testEngine(t *testing.T, adapters map[string]adapter.Adapter) *Engine {
	t.Helper()
	reg := &fakeRegistry{adapters: adapters}
	store := checkpoint.NewMemoryStore()
	bus := events.New()
	cfg := EngineConfig{
		Scheduler:      scheduler.Config{MaxParallel: 2, MaxRetries: 1, BaseBackoff: time.Millisecond},
		WorkflowTotal:  5 * time.Second,
		PerNodeDefault: time.Second,
	}
	return New(reg, store, bus, cfg, nil)
}

func waitTerminal(t *testing.T, e *Engine, workflowID string) *State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		state, ok := e.Get(workflowID)
		if !ok {
			t.Fatal("workflow disappeared")
		}
		if state.Phase == PhaseSucceeded || state.Phase == PhaseFailed || state.Phase == PhaseCanceled || state.Phase == PhasePaused {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for terminal/paused state")
	return nil
}

func TestEngine_CodeCommitCleanTarget(t *testing.T) {
	e := testEngine(t, map[string]adapter.Adapter{"sast": &stubAdapter{toolID: "sast"}})
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/clean"}}

	state, err := e.Start(context.Background(), ScenarioCodeCommit, req, []string{"sast"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, e, state.WorkflowID)
	if final.Phase != PhaseSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s (err=%s)", final.Phase, final.Error)
	}
	if len(final.Findings) != 0 {
		t.Fatalf("expected no findings, got %v", final.Findings)
	}
	if final.Progress != 1.0 {
		t.Fatalf("expected progress 1.0, got %f", final.Progress)
	}
	if len(final.NodeResults) < 4 {
		t.Fatalf("expected at least 4 node results, got %d", len(final.NodeResults))
	}
}

func TestEngine_DeduplicatesAcrossTwoTools(t *testing.T) {
	loc := finding.Location{FilePath: "app/db.py", LineStart: 42}
	sharedID := finding.ComputeFindingID("toolA", "sqli", loc)
	fA := finding.Finding{FindingID: sharedID, Location: loc, Confidence: finding.Confidence{Score: 60}, SourceTool: finding.SourceTool{ToolID: "toolA"}}
	fB := finding.Finding{FindingID: sharedID, Location: loc, Confidence: finding.Confidence{Score: 90}, SourceTool: finding.SourceTool{ToolID: "toolB"}}

	e := testEngine(t, map[string]adapter.Adapter{
		"toolA": &stubAdapter{toolID: "toolA", findings: []finding.Finding{fA}},
		"toolB": &stubAdapter{toolID: "toolB", findings: []finding.Finding{fB}},
	})
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/x"}}

	state, err := e.Start(context.Background(), ScenarioEmergencyVuln, req, []string{"toolA", "toolB"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, e, state.WorkflowID)
	if final.Phase != PhaseSucceeded {
		t.Fatalf("expected SUCCEEDED, got %s", final.Phase)
	}
	if len(final.Findings) != 1 {
		t.Fatalf("expected exactly 1 deduplicated finding, got %d", len(final.Findings))
	}
	if final.Findings[0].Confidence.Score != 90 {
		t.Fatalf("expected max confidence 90, got %d", final.Findings[0].Confidence.Score)
	}
	if len(final.Findings[0].ContributingTools) != 2 {
		t.Fatalf("expected 2 contributing tools, got %d", len(final.Findings[0].ContributingTools))
	}
}

func TestEngine_PausesAtHumanReviewAndResumes(t *testing.T) {
	e := testEngine(t, map[string]adapter.Adapter{"sast": &stubAdapter{toolID: "sast"}})
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/x"}}

	state, err := e.Start(context.Background(), ScenarioReleaseRegression, req, []string{"sast"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	paused := waitTerminal(t, e, state.WorkflowID)
	if paused.Phase != PhasePaused {
		t.Fatalf("expected PAUSED, got %s", paused.Phase)
	}
	seqBeforeResume := paused.CheckpointSeq

	if err := e.Resume(state.WorkflowID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	final := waitTerminal(t, e, state.WorkflowID)
	if final.Phase != PhaseSucceeded {
		t.Fatalf("expected SUCCEEDED after resume, got %s", final.Phase)
	}
	if final.CheckpointSeq <= seqBeforeResume {
		t.Fatalf("expected checkpoint_seq to increase after resume, before=%d after=%d", seqBeforeResume, final.CheckpointSeq)
	}
}

func TestEngine_FailsWhenAllScanTasksFail(t *testing.T) {
	e := testEngine(t, map[string]adapter.Adapter{"sast": &stubAdapter{toolID: "sast", fail: true}})
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/x"}}

	state, err := e.Start(context.Background(), ScenarioCodeCommit, req, []string{"sast"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	final := waitTerminal(t, e, state.WorkflowID)
	if final.Phase != PhaseFailed {
		t.Fatalf("expected FAILED, got %s", final.Phase)
	}
	if final.Error == "" {
		t.Fatal("expected error to be recorded")
	}
}
