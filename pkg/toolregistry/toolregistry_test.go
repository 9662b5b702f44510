package toolregistry

import (
	"context"
	"testing"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

type stubAdapter struct{ desc capability.Descriptor }

func (s *stubAdapter) Describe() capability.Descriptor { return s.desc }
func (s *stubAdapter) Validate(*scanrequest.Request) error { return nil }
func (s *stubAdapter) Execute(context.Context, *scanrequest.Request, *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	return &adapter.NativeOutput{}, nil
}
func (s *stubAdapter) Parse(*adapter.NativeOutput, *scanrequest.Request) ([]finding.Finding, error) {
	return nil, nil
}

func newStub(id string, cat capability.Category, kinds ...capability.TargetKind) *stubAdapter {
	return &stubAdapter{desc: capability.Descriptor{
		ToolID:   id,
		Category: cat,
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: kinds,
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: time.Minute},
	}}
}

func TestRegistry_IndexesByCategoryAndTarget(t *testing.T) {
	r := New()
	if err := r.Register(newStub("semgrep", capability.CategorySAST, capability.TargetLocalPath)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(newStub("trivy", capability.CategorySCA, capability.TargetLocalPath, capability.TargetContainerImage)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if got := r.ByCategory(capability.CategorySAST); len(got) != 1 || got[0] != "semgrep" {
		t.Fatalf("ByCategory(SAST) = %v", got)
	}
	if got := r.ByTargetKind(capability.TargetLocalPath); len(got) != 2 {
		t.Fatalf("ByTargetKind(LOCAL_PATH) = %v", got)
	}
}

func TestRegistry_DeregisterWaitsForInFlightReferences(t *testing.T) {
	r := New()
	_ = r.Register(newStub("semgrep", capability.CategorySAST, capability.TargetLocalPath))

	a, ok := r.Acquire("semgrep")
	if !ok || a == nil {
		t.Fatal("expected Acquire to succeed")
	}

	if err := r.Deregister("semgrep"); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if _, ok := r.Get("semgrep"); !ok {
		t.Fatal("tool should still be present while in-flight")
	}

	r.Release("semgrep")
	if _, ok := r.Get("semgrep"); ok {
		t.Fatal("tool should be removed after last release")
	}
	if got := r.ByCategory(capability.CategorySAST); len(got) != 0 {
		t.Fatalf("expected category index cleared, got %v", got)
	}
}

func TestRegistry_AcquireRejectsUnknownTool(t *testing.T) {
	r := New()
	if _, ok := r.Acquire("nope"); ok {
		t.Fatal("expected Acquire to fail for unknown tool")
	}
}
