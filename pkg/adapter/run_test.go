package adapter

import (
	"context"
	"testing"

	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// fakeAdapter is a deterministic in-memory adapter used by this
// package's tests.
type fakeAdapter struct {
	desc       capability.Descriptor
	validateErr error
	executeErr  error
	findings    []finding.Finding
	partial     bool
}

func (f *fakeAdapter) Describe() capability.Descriptor { return f.desc }

func (f *fakeAdapter) Validate(req *scanrequest.Request) error {
	if f.validateErr != nil {
		return f.validateErr
	}
	return ValidateAgainstDescriptor(f.desc, req)
}

func (f *fakeAdapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *ExecutionContext) (*NativeOutput, error) {
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return &NativeOutput{Payload: []byte("{}"), Partial: f.partial}, nil
}

func (f *fakeAdapter) Parse(output *NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	return f.findings, nil
}

func newFakeDescriptor(toolID string) capability.Descriptor {
	return capability.Descriptor{
		ToolID:   toolID,
		ToolName: toolID,
		Category: capability.CategorySAST,
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: []capability.TargetKind{capability.TargetLocalPath},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 60},
	}
}

func TestRun_Success(t *testing.T) {
	a := &fakeAdapter{
		desc: newFakeDescriptor("fake-sast"),
		findings: []finding.Finding{
			{FindingID: "f1", Severity: finding.Severity{Level: finding.LevelHigh}},
		},
	}
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/x"}}

	var stages []Stage
	result, err := Run(context.Background(), a, req, &ExecutionContext{}, func(stage Stage, err error) {
		if err == nil {
			stages = append(stages, stage)
		}
	})

	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if len(result.Findings) != 1 {
		t.Fatalf("expected 1 finding, got %d", len(result.Findings))
	}
	want := []Stage{StageValidated, StageExecuted, StageParsed}
	if len(stages) != len(want) {
		t.Fatalf("expected stages %v, got %v", want, stages)
	}
	for i, s := range want {
		if stages[i] != s {
			t.Errorf("stage[%d] = %v, want %v", i, stages[i], s)
		}
	}
}

func TestRun_RejectsWrongTargetKind(t *testing.T) {
	a := &fakeAdapter{desc: newFakeDescriptor("fake-sast")}
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetHTTPURL, URL: "http://x"}}

	_, err := Run(context.Background(), a, req, &ExecutionContext{}, nil)
	if _, ok := err.(*InvalidInputError); !ok {
		t.Fatalf("expected InvalidInputError, got %T: %v", err, err)
	}
}

func TestRun_PartialOutputTagsFindings(t *testing.T) {
	a := &fakeAdapter{
		desc:    newFakeDescriptor("fake-sast"),
		partial: true,
		findings: []finding.Finding{
			{FindingID: "f1", Severity: finding.Severity{Level: finding.LevelHigh}},
		},
	}
	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/tmp/x"}}

	result, err := Run(context.Background(), a, req, &ExecutionContext{}, nil)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if !hasTagTest(result.Findings[0].Metadata.Tags, "partial") {
		t.Fatalf("expected finding tagged partial, got tags=%v", result.Findings[0].Metadata.Tags)
	}
}

func hasTagTest(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}
