package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/events"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
	"github.com/sentryscan/sentryscan/pkg/workflow"
)

// WorkflowCmd groups the subcommands that drive a workflow through the
// orchestration engine: starting one, resuming a paused one, canceling
// a running one, and inspecting any of their current state.
type WorkflowCmd struct {
	Run    WorkflowRunCmd    `cmd:"" help:"Start a new workflow run."`
	Resume WorkflowResumeCmd `cmd:"" help:"Resume a workflow paused at a human-review node."`
	Cancel WorkflowCancelCmd `cmd:"" help:"Cancel a running workflow."`
	Status WorkflowStatusCmd `cmd:"" help:"Print a workflow's current state."`
}

// WorkflowRunCmd starts a workflow and blocks until it reaches a
// terminal phase or pauses on a human-review node, then prints its
// state once. A paused workflow can be picked up again by a later
// `workflow resume` invocation, which restores it from the configured
// checkpoint store, even from a fresh process.
type WorkflowRunCmd struct {
	Scenario string   `help:"Plan scenario (code_commit, dependency_update, emergency_vuln, release_regression)." required:""`
	Target   string   `help:"Scan target path, URL, or image reference." required:""`
	Kind     string   `help:"Target kind (local_path, git_repo, container_image, http_url)." default:"local_path"`
	Branch   string   `help:"Git branch, when the target is a repo."`
	Commit   string   `help:"Git commit, when the target is a repo."`
	Tools    []string `help:"Tool IDs to run, comma or repeat-flag separated." required:""`
}

func (c *WorkflowRunCmd) Run(cli *CLI) error {
	e, closeStore, err := newEngine(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer closeStore()

	kind, err := parseTargetKind(c.Kind)
	if err != nil {
		return err
	}
	req := &scanrequest.Request{
		ScanID: uuid.NewString(),
		Target: scanrequest.Target{
			Kind:   kind,
			Path:   c.Target,
			URL:    c.Target,
			Branch: c.Branch,
			Commit: c.Commit,
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	state, err := e.Start(ctx, workflow.ScenarioType(c.Scenario), req, splitTools(c.Tools))
	if err != nil {
		return fmt.Errorf("sentryscan: start workflow: %w", err)
	}

	return waitAndPrint(ctx, e, state.WorkflowID)
}

// WorkflowResumeCmd unblocks a workflow paused at a human-review node,
// restoring it from its latest checkpoint first if this process did
// not start it.
type WorkflowResumeCmd struct {
	WorkflowID string `arg:"" help:"Workflow ID to resume."`
}

func (c *WorkflowResumeCmd) Run(cli *CLI) error {
	e, closeStore, err := newEngine(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if _, err := e.Restore(ctx, c.WorkflowID); err != nil {
		return fmt.Errorf("sentryscan: restore workflow %s: %w", c.WorkflowID, err)
	}
	if err := e.Resume(c.WorkflowID); err != nil {
		return fmt.Errorf("sentryscan: resume workflow %s: %w", c.WorkflowID, err)
	}

	return waitAndPrint(ctx, e, c.WorkflowID)
}

// WorkflowCancelCmd requests cooperative cancellation of a running
// workflow, restoring it first if needed.
type WorkflowCancelCmd struct {
	WorkflowID string `arg:"" help:"Workflow ID to cancel."`
}

func (c *WorkflowCancelCmd) Run(cli *CLI) error {
	e, closeStore, err := newEngine(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx := context.Background()
	if _, err := e.Restore(ctx, c.WorkflowID); err != nil {
		return fmt.Errorf("sentryscan: restore workflow %s: %w", c.WorkflowID, err)
	}
	if err := e.Cancel(c.WorkflowID); err != nil {
		return fmt.Errorf("sentryscan: cancel workflow %s: %w", c.WorkflowID, err)
	}

	time.Sleep(200 * time.Millisecond)
	state, _ := e.Get(c.WorkflowID)
	return printState(state)
}

// WorkflowStatusCmd prints a workflow's last-checkpointed state
// without resuming its execution.
type WorkflowStatusCmd struct {
	WorkflowID string `arg:"" help:"Workflow ID to inspect."`
}

func (c *WorkflowStatusCmd) Run(cli *CLI) error {
	cfg, err := loadConfig(context.Background(), cli.Config)
	if err != nil {
		return err
	}
	store, closeStore, err := checkpointStore(cfg.Checkpoint)
	if err != nil {
		return err
	}
	defer closeStore()

	cp, err := store.GetLatestCheckpoint(context.Background(), c.WorkflowID)
	if err != nil {
		return fmt.Errorf("sentryscan: status workflow %s: %w", c.WorkflowID, err)
	}
	return printState(cp.Snapshot)
}

// newEngine wires an Engine from the config at path, along with the
// checkpoint store's close function, for a single CLI invocation.
func newEngine(ctx context.Context, path string) (*workflow.Engine, func() error, error) {
	cfg, err := loadConfig(ctx, path)
	if err != nil {
		return nil, nil, err
	}

	reg, err := buildRegistry(cfg.Tools)
	if err != nil {
		return nil, nil, fmt.Errorf("sentryscan: build tool registry: %w", err)
	}

	store, closeStore, err := checkpointStore(cfg.Checkpoint)
	if err != nil {
		return nil, nil, err
	}

	ecfg, err := engineConfig(*cfg)
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	bus := events.New()
	return workflow.New(reg, store, bus, ecfg, nil), closeStore, nil
}

// waitAndPrint polls a workflow's state until it reaches a terminal
// phase or pauses for human review, then prints it.
func waitAndPrint(ctx context.Context, e *workflow.Engine, workflowID string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			state, ok := e.Get(workflowID)
			if !ok {
				continue
			}
			if state.Phase == workflow.PhasePaused || isTerminalPhase(state.Phase) {
				return printState(state)
			}
		}
	}
}

func isTerminalPhase(p workflow.Phase) bool {
	switch p {
	case workflow.PhaseSucceeded, workflow.PhaseFailed, workflow.PhaseCanceled:
		return true
	default:
		return false
	}
}

func printState(state *workflow.State) error {
	if state == nil {
		fmt.Println("{}")
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(state)
}

func splitTools(raw []string) []string {
	var out []string
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func parseTargetKind(raw string) (capability.TargetKind, error) {
	kind := capability.TargetKind(strings.ToUpper(raw))
	switch kind {
	case capability.TargetLocalPath, capability.TargetGitRepo, capability.TargetContainerImage, capability.TargetHTTPURL:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown target kind %q", raw)
	}
}
