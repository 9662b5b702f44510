package adapter

import (
	"context"

	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Stage identifies one step of the Run convenience orchestration.
type Stage string

const (
	StageValidated Stage = "validated"
	StageExecuted  Stage = "executed"
	StageParsed    Stage = "parsed"
)

// StageObserver is notified as Run progresses through validate, execute,
// and parse, for observability. err is nil on success.
type StageObserver func(stage Stage, err error)

// RunResult is the outcome of Run: either a list of findings plus
// diagnostics, or a taxonomized error.
type RunResult struct {
	Findings    []finding.Finding
	Diagnostics Diagnostics
}

// Run drives one adapter through validate => execute => parse,
// notifying observer at each stage boundary. The scheduler and broker
// both call this rather than invoking the three Adapter methods
// directly.
func Run(ctx context.Context, a Adapter, req *scanrequest.Request, execCtx *ExecutionContext, observer StageObserver) (*RunResult, error) {
	if observer == nil {
		observer = func(Stage, error) {}
	}

	if err := a.Validate(req); err != nil {
		wrapped := &InvalidInputError{Field: "request", Reason: err.Error()}
		observer(StageValidated, wrapped)
		return nil, wrapped
	}
	observer(StageValidated, nil)

	output, err := a.Execute(ctx, req, execCtx)
	if err != nil {
		observer(StageExecuted, err)
		return nil, err
	}
	observer(StageExecuted, nil)

	findings, err := a.Parse(output, req)
	if err != nil {
		wrapped := &ParseErrorErr{Detail: err.Error()}
		observer(StageParsed, wrapped)
		return nil, wrapped
	}

	if output.Partial {
		for i := range findings {
			findings[i].Metadata.Tags = appendUnique(findings[i].Metadata.Tags, "partial")
		}
	}

	for i := range findings {
		if findings[i].SourceTool.RawOutput == "" {
			findings[i].SourceTool.RawOutput = string(output.Payload)
		}
	}

	observer(StageParsed, nil)

	return &RunResult{Findings: findings, Diagnostics: output.Diagnostics}, nil
}

func appendUnique(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

// ValidateAgainstDescriptor checks a request's target kind against a
// descriptor's accepted target kinds, the shared first step every
// built-in adapter's Validate performs: reject any request violating
// the descriptor's input requirements before any process is launched.
func ValidateAgainstDescriptor(desc capability.Descriptor, req *scanrequest.Request) error {
	if !desc.AcceptsTarget(req.Target.Kind) {
		return &InvalidInputError{
			Field:  "target.kind",
			Reason: "tool " + desc.ToolID + " does not accept target kind " + string(req.Target.Kind),
		}
	}
	return nil
}
