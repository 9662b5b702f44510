package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
	"github.com/sentryscan/sentryscan/pkg/scheduler"
	"github.com/sentryscan/sentryscan/pkg/telemetry"
	"github.com/sentryscan/sentryscan/pkg/toolregistry"
)

// ToolRegistry is the subset of toolregistry.Registry the engine needs,
// declared here so tests can substitute a fake without pulling in the
// full registry's reference-counting machinery.
type ToolRegistry interface {
	Acquire(toolID string) (adapter.Adapter, bool)
	Release(toolID string)
}

var _ ToolRegistry = (*toolregistry.Registry)(nil)

// EngineConfig bounds everything the engine's node execution needs
// from the scheduler plus workflow-level timeouts: an overall workflow
// deadline, a default per-node deadline, and a cancellation grace
// period.
type EngineConfig struct {
	Scheduler      scheduler.Config
	WorkflowTotal  time.Duration
	PerNodeDefault time.Duration
	CancelGrace    time.Duration
}

// Engine drives workflow instances through their plan, one goroutine
// per workflow, each serializing mutations to its own State so a
// workflow is single-threaded with respect to its own state.
type Engine struct {
	tools   ToolRegistry
	store   CheckpointStore
	bus     *events.Bus
	cfg     EngineConfig
	metrics *telemetry.Metrics

	mu      sync.Mutex
	handles map[string]*handle
}

type handle struct {
	mu     sync.Mutex
	state  *State
	cancel context.CancelFunc
	resume chan struct{}
	done   chan struct{}
}

// New builds an Engine over a tool registry, a checkpoint store, and
// an event bus. metrics may be nil.
func New(tools ToolRegistry, store CheckpointStore, bus *events.Bus, cfg EngineConfig, metrics *telemetry.Metrics) *Engine {
	if cfg.WorkflowTotal <= 0 {
		cfg.WorkflowTotal = 30 * time.Minute
	}
	if cfg.PerNodeDefault <= 0 {
		cfg.PerNodeDefault = 5 * time.Minute
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Engine{tools: tools, store: store, bus: bus, cfg: cfg, metrics: metrics, handles: make(map[string]*handle)}
}

// Start builds a plan for scenario, creates a new PENDING workflow,
// and begins executing it in the background. It returns immediately
// with the initial state.
func (e *Engine) Start(ctx context.Context, scenario ScenarioType, req *scanrequest.Request, toolIDs []string) (*State, error) {
	plan, err := BuildPlan(scenario, toolIDs)
	if err != nil {
		return nil, err
	}

	workflowID := uuid.NewString()
	state := NewState(workflowID, scenario, req.Target, plan, toolIDs)

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.WorkflowTotal)
	h := &handle{state: state, cancel: cancel, resume: make(chan struct{}, 1), done: make(chan struct{})}

	e.mu.Lock()
	e.handles[workflowID] = h
	e.mu.Unlock()

	go e.run(runCtx, h, req)

	return state.Clone(), nil
}

// Get returns a snapshot of a running or completed workflow's state.
func (e *Engine) Get(workflowID string) (*State, bool) {
	e.mu.Lock()
	h, ok := e.handles[workflowID]
	e.mu.Unlock()
	if !ok {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone(), true
}

// Resume continues a PAUSED workflow from its human_review node.
func (e *Engine) Resume(workflowID string) error {
	e.mu.Lock()
	h, ok := e.handles[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %s", workflowID)
	}
	h.mu.Lock()
	if h.state.Phase != PhasePaused {
		h.mu.Unlock()
		return fmt.Errorf("workflow: %s is not paused (phase=%s)", workflowID, h.state.Phase)
	}
	h.state.Phase = PhaseRunning
	h.mu.Unlock()

	select {
	case h.resume <- struct{}{}:
	default:
	}
	return nil
}

// Restore reconstructs an in-memory handle for workflowID from its
// latest checkpoint and resumes its run loop from the checkpointed
// cursor, for recovering a workflow after this process restarted. If
// the checkpointed phase is already terminal, Restore returns the
// final state without spawning a run loop. If the phase is PAUSED, the
// run loop re-enters its human-review wait immediately; callers must
// still call Resume to unblock it.
func (e *Engine) Restore(ctx context.Context, workflowID string) (*State, error) {
	e.mu.Lock()
	if _, ok := e.handles[workflowID]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("workflow: %s already has a live handle", workflowID)
	}
	e.mu.Unlock()

	cp, err := e.store.GetLatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("workflow: restore %s: %w", workflowID, err)
	}

	state := cp.Snapshot.Clone()
	if state.Phase.terminal() {
		return state, nil
	}

	runCtx, cancel := context.WithTimeout(context.Background(), e.cfg.WorkflowTotal)
	h := &handle{state: state, cancel: cancel, resume: make(chan struct{}, 1), done: make(chan struct{})}

	e.mu.Lock()
	e.handles[workflowID] = h
	e.mu.Unlock()

	req := &scanrequest.Request{
		ScanID:  workflowID,
		Target:  state.Target,
		Context: scanrequest.Context{WorkflowID: workflowID},
	}

	go e.run(runCtx, h, req)
	return state.Clone(), nil
}

// Cancel requests cooperative cancellation of a running workflow.
func (e *Engine) Cancel(workflowID string) error {
	e.mu.Lock()
	h, ok := e.handles[workflowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("workflow: unknown workflow %s", workflowID)
	}
	h.cancel()
	return nil
}

func (e *Engine) run(ctx context.Context, h *handle, req *scanrequest.Request) {
	defer close(h.done)

	h.mu.Lock()
	restoredPaused := h.state.Phase == PhasePaused
	if !restoredPaused {
		h.state.Phase = PhaseRunning
	}
	h.mu.Unlock()
	if restoredPaused {
		e.bus.Publish(h.state.WorkflowID, events.TypePaused, nil)
		select {
		case <-h.resume:
			e.bus.Publish(h.state.WorkflowID, events.TypeResumed, nil)
		case <-ctx.Done():
			e.transitionTerminal(ctx, h, PhaseCanceled, "canceled while paused")
			return
		}
	}
	e.checkpoint(ctx, h)

	for {
		h.mu.Lock()
		cursor := h.state.Cursor
		planLen := len(h.state.Plan)
		h.mu.Unlock()

		if cursor >= planLen {
			break
		}

		if ctx.Err() != nil {
			e.transitionTerminal(ctx, h, PhaseCanceled, "canceled")
			return
		}

		node := h.state.Plan[cursor]
		e.bus.Publish(h.state.WorkflowID, events.TypeNodeStarted, map[string]any{"kind": string(node.Kind), "index": cursor})

		nodeStarted := time.Now()
		status, diag, err := e.executeNode(ctx, h, node, req)
		e.metrics.RecordNodeDuration(string(node.Kind), time.Since(nodeStarted))
		e.metrics.RecordNodeTransition(string(node.Kind), string(status))

		h.mu.Lock()
		result := NodeResult{Index: cursor, Kind: node.Kind, Status: status, FinishedAt: time.Now(), Diagnostic: diag}
		h.state.NodeResults = append(h.state.NodeResults, result)

		if status == NodeStatusSucceeded {
			h.state.Cursor++
			h.state.Progress = float64(h.state.Cursor) / float64(planLen)
			h.state.UpdatedAt = time.Now()
		}
		if node.Kind == NodeHumanReview && err == errPaused {
			h.state.Phase = PhasePaused
		}
		phase := h.state.Phase
		h.mu.Unlock()

		e.bus.Publish(h.state.WorkflowID, events.TypeNodeFinished, map[string]any{"kind": string(node.Kind), "index": cursor, "status": string(status)})
		if status == NodeStatusSucceeded {
			e.bus.Publish(h.state.WorkflowID, events.TypeProgress, map[string]any{"value": h.state.Progress})
		}
		e.checkpoint(ctx, h)

		if phase == PhasePaused {
			e.bus.Publish(h.state.WorkflowID, events.TypePaused, nil)
			select {
			case <-h.resume:
				h.mu.Lock()
				h.state.Phase = PhaseRunning
				h.mu.Unlock()
				e.bus.Publish(h.state.WorkflowID, events.TypeResumed, nil)
				e.checkpoint(ctx, h)
				continue
			case <-ctx.Done():
				e.transitionTerminal(ctx, h, PhaseCanceled, "canceled while paused")
				return
			}
		}

		if status == NodeStatusFailed {
			h.mu.Lock()
			h.state.Error = diag
			h.mu.Unlock()
			e.transitionTerminal(ctx, h, PhaseFailed, diag)
			return
		}
	}

	e.transitionTerminal(ctx, h, PhaseSucceeded, "")
}

var errPaused = fmt.Errorf("workflow: human review pause")

func (e *Engine) transitionTerminal(ctx context.Context, h *handle, phase Phase, reason string) {
	h.mu.Lock()
	h.state.Phase = phase
	if phase == PhaseSucceeded {
		h.state.Progress = 1.0
	}
	if reason != "" && h.state.Error == "" {
		h.state.Error = reason
	}
	h.state.UpdatedAt = time.Now()
	h.mu.Unlock()

	e.checkpoint(ctx, h)
	e.bus.Publish(h.state.WorkflowID, events.TypeWorkflowFinished, map[string]any{"phase": string(phase)})
}

func (e *Engine) checkpoint(ctx context.Context, h *handle) {
	h.mu.Lock()
	h.state.CheckpointSeq++
	snapshot := h.state.Clone()
	seq := h.state.CheckpointSeq
	h.mu.Unlock()

	_ = e.store.PutCheckpoint(ctx, &Checkpoint{
		WorkflowID: snapshot.WorkflowID,
		Seq:        seq,
		Snapshot:   snapshot,
		CreatedAt:  time.Now(),
	})
	e.bus.Publish(snapshot.WorkflowID, events.TypeCheckpointSaved, map[string]any{"seq": seq})
	e.metrics.SetCheckpointSequence(snapshot.WorkflowID, seq)
}

// executeNode runs one node to completion and reports its status.
// diag carries a human-readable failure reason when status is Failed.
func (e *Engine) executeNode(ctx context.Context, h *handle, node Node, req *scanrequest.Request) (NodeStatus, string, error) {
	switch node.Kind {
	case NodeInitialize:
		e.bus.Publish(h.state.WorkflowID, events.TypeWorkflowStarted, map[string]any{"workflow_type": string(h.state.WorkflowType)})
		for _, toolID := range h.state.SelectedToolIDs {
			if _, ok := e.tools.Acquire(toolID); !ok {
				return NodeStatus(NodeStatusFailed), fmt.Sprintf("initialize: unknown tool %q", toolID), nil
			}
			e.tools.Release(toolID)
		}
		return NodeStatusSucceeded, "", nil

	case NodeSingleScan, NodeParallelScan:
		return e.executeScanNode(ctx, h, node, req)

	case NodeResultCollection:
		h.mu.Lock()
		h.state.Findings = finding.Aggregate(h.state.Findings)
		h.mu.Unlock()
		return NodeStatusSucceeded, "", nil

	case NodeValidation:
		h.mu.Lock()
		applyValidationPolicy(h.state.Findings, node.Policy)
		h.mu.Unlock()
		return NodeStatusSucceeded, "", nil

	case NodeHumanReview:
		return NodeStatusSucceeded, "", errPaused

	case NodeRetry:
		return e.executeScanNode(ctx, h, previousScanNode(h.state), req)

	case NodeFinalize:
		return NodeStatusSucceeded, "", nil

	default:
		return NodeStatusFailed, fmt.Sprintf("unknown node kind %q", node.Kind), nil
	}
}

func previousScanNode(state *State) Node {
	for i := len(state.NodeResults) - 1; i >= 0; i-- {
		kind := state.NodeResults[i].Kind
		if kind == NodeSingleScan || kind == NodeParallelScan {
			return state.Plan[state.NodeResults[i].Index]
		}
	}
	return Node{Kind: NodeSingleScan}
}

func (e *Engine) executeScanNode(ctx context.Context, h *handle, node Node, req *scanrequest.Request) (NodeStatus, string, error) {
	sched := scheduler.New(e.cfg.Scheduler, e.metrics)

	tasks := make([]scheduler.Task, 0, len(node.ToolIDs))
	acquired := make([]string, 0, len(node.ToolIDs))
	for _, toolID := range node.ToolIDs {
		a, ok := e.tools.Acquire(toolID)
		if !ok {
			continue
		}
		acquired = append(acquired, toolID)
		tid := toolID
		tasks = append(tasks, scheduler.Task{
			ID:      tid,
			Adapter: a,
			Request: req,
			ExecCtx: &adapter.ExecutionContext{NetworkAllowed: req.NetworkAllowed},
			Observer: func(stage adapter.Stage, err error) {
				if stage == adapter.StageValidated && err == nil {
					e.bus.Publish(h.state.WorkflowID, events.TypeToolStarted, map[string]any{"tool_id": tid})
				}
			},
		})
	}
	defer func() {
		for _, toolID := range acquired {
			e.tools.Release(toolID)
		}
	}()

	if len(tasks) == 0 {
		return NodeStatusFailed, "no resolvable tool adapters for this node", nil
	}

	results := sched.Run(ctx, tasks)

	succeeded := 0
	h.mu.Lock()
	for _, r := range results {
		status := "failed"
		if r.Err == nil && r.Result != nil {
			succeeded++
			status = "succeeded"
			h.state.Findings = append(h.state.Findings, r.Result.Findings...)
			for _, f := range r.Result.Findings {
				e.bus.Publish(h.state.WorkflowID, events.TypeFindingEmitted, map[string]any{"finding_id": f.FindingID})
				e.metrics.RecordFindingEmitted(string(f.Severity.Level))
			}
		}
		e.bus.Publish(h.state.WorkflowID, events.TypeToolFinished, map[string]any{"tool_id": r.TaskID, "status": status, "attempts": r.Attempts})
	}
	h.mu.Unlock()

	if succeeded == 0 {
		return NodeStatusFailed, "all scan tasks failed", nil
	}
	return NodeStatusSucceeded, "", nil
}

func applyValidationPolicy(findings []finding.Finding, policy *ValidationPolicy) {
	if policy == nil {
		return
	}
	floor, hasFloor := severityRank(policy.SeverityFloor)
	for i := range findings {
		if hasFloor {
			if rank, ok := severityRank(string(findings[i].Severity.Level)); !ok || rank > floor {
				findings[i].Metadata.Tags = appendTag(findings[i].Metadata.Tags, "below_floor")
			}
		}
		for _, cwe := range policy.ExcludedCWEs {
			if findings[i].VulnerabilityType.CWEID == cwe {
				findings[i].Metadata.Tags = appendTag(findings[i].Metadata.Tags, "excluded_cwe")
			}
		}
	}
}

func severityRank(level string) (int, bool) {
	order := map[string]int{"CRITICAL": 0, "HIGH": 1, "MEDIUM": 2, "LOW": 3, "INFO": 4}
	r, ok := order[level]
	return r, ok
}

func appendTag(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}
