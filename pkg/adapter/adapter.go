// Package adapter defines the uniform contract every external security
// tool is fronted by: describe, validate, execute, parse.
package adapter

import (
	"context"
	"time"

	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Adapter fronts one external security tool. Implementations must not
// retain state across Run invocations and must never perform
// cross-adapter correlation — that belongs to pkg/finding.Aggregate.
type Adapter interface {
	// Describe returns this adapter's capability descriptor. Must be
	// pure: independent of prior calls and of the request being served.
	Describe() capability.Descriptor

	// Validate rejects any request that violates the descriptor's
	// input requirements before any process is launched.
	Validate(req *scanrequest.Request) error

	// Execute runs the underlying tool and returns its native output.
	// Implementations must honor execCtx's deadline, working directory,
	// network allowance, and cancellation.
	Execute(ctx context.Context, req *scanrequest.Request, execCtx *ExecutionContext) (*NativeOutput, error)

	// Parse deterministically converts native output into Unified
	// Findings: the same input always yields the same findings,
	// including finding_id.
	Parse(output *NativeOutput, req *scanrequest.Request) ([]finding.Finding, error)
}

// ExecutionContext carries the execution-time environment for one
// adapter invocation, shared by every node that schedules a task.
type ExecutionContext struct {
	WorkDir        string
	NetworkAllowed bool
	Deadline       time.Time
}

// Diagnostics captures structured observability data about a run,
// independent of whether it succeeded.
type Diagnostics struct {
	CommandHash string
	Duration    time.Duration
	ExitCode    int
	StderrTail  string
}

// NativeOutput is a tool's unprocessed result, preserved verbatim so
// every finding derived from it can embed the raw payload for audit.
type NativeOutput struct {
	Payload     []byte
	Diagnostics Diagnostics
	// Partial indicates execute() returned early output after a
	// Timeout; findings parsed from it must be tagged "partial".
	Partial bool
}
