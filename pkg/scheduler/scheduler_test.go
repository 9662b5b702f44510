package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

type countingAdapter struct {
	desc       capability.Descriptor
	failCount  int32
	calls      int32
	exitCode   int
}

func (a *countingAdapter) Describe() capability.Descriptor { return a.desc }
func (a *countingAdapter) Validate(*scanrequest.Request) error { return nil }

func (a *countingAdapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	n := atomic.AddInt32(&a.calls, 1)
	if n <= a.failCount {
		return nil, &adapter.ExecutionFailedError{ExitCode: a.exitCode}
	}
	return &adapter.NativeOutput{Payload: []byte("{}")}, nil
}

func (a *countingAdapter) Parse(*adapter.NativeOutput, *scanrequest.Request) ([]finding.Finding, error) {
	return []finding.Finding{{FindingID: "f"}}, nil
}

func descFor(id string) capability.Descriptor {
	return capability.Descriptor{
		ToolID: id,
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: []capability.TargetKind{capability.TargetLocalPath},
		},
	}
}

func TestScheduler_RetriesRetryableFailureUntilSuccess(t *testing.T) {
	a := &countingAdapter{desc: descFor("flaky"), failCount: 1, exitCode: 99}
	sched := New(Config{MaxParallel: 1, MaxRetries: 2, BaseBackoff: time.Millisecond, RetryableExit: []int{99}}, nil)

	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/x"}}
	results := sched.Run(context.Background(), []Task{{ID: "t1", Adapter: a, Request: req, ExecCtx: &adapter.ExecutionContext{}}})

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("expected eventual success, got err: %v", results[0].Err)
	}
	if results[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", results[0].Attempts)
	}
}

func TestScheduler_DoesNotRetryNonRetryableFailure(t *testing.T) {
	a := &countingAdapter{desc: descFor("broken"), failCount: 100, exitCode: 1}
	sched := New(Config{MaxParallel: 1, MaxRetries: 3, BaseBackoff: time.Millisecond, RetryableExit: []int{99}}, nil)

	req := &scanrequest.Request{ScanID: "s1", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/x"}}
	results := sched.Run(context.Background(), []Task{{ID: "t1", Adapter: a, Request: req, ExecCtx: &adapter.ExecutionContext{}}})

	if results[0].Err == nil {
		t.Fatal("expected failure")
	}
	if results[0].Attempts != 1 {
		t.Fatalf("expected no retries for a non-retryable failure, got %d attempts", results[0].Attempts)
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	var inFlight, maxInFlight int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{
			ID: "t", Request: &scanrequest.Request{ScanID: "s", Target: scanrequest.Target{Kind: capability.TargetLocalPath, Path: "/x"}},
			ExecCtx: &adapter.ExecutionContext{},
			Adapter: &blockingAdapter{inFlight: &inFlight, maxInFlight: &maxInFlight},
		}
	}

	sched := New(Config{MaxParallel: 3, MaxRetries: 0}, nil)
	sched.Run(context.Background(), tasks)

	if atomic.LoadInt32(&maxInFlight) > 3 {
		t.Fatalf("observed %d concurrent tasks, want <= 3", maxInFlight)
	}
}

type blockingAdapter struct {
	inFlight, maxInFlight *int32
}

func (b *blockingAdapter) Describe() capability.Descriptor { return descFor("block") }
func (b *blockingAdapter) Validate(*scanrequest.Request) error { return nil }

func (b *blockingAdapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	n := atomic.AddInt32(b.inFlight, 1)
	for {
		max := atomic.LoadInt32(b.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(b.maxInFlight, max, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	atomic.AddInt32(b.inFlight, -1)
	return &adapter.NativeOutput{Payload: []byte("{}")}, nil
}

func (b *blockingAdapter) Parse(*adapter.NativeOutput, *scanrequest.Request) ([]finding.Finding, error) {
	return nil, nil
}
