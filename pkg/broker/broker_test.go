package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
	"github.com/sentryscan/sentryscan/pkg/toolregistry"
)

// fakeAdapter is a deterministic in-memory adapter, the same pattern
// pkg/adapter's own test suite uses.
type fakeAdapter struct {
	desc     capability.Descriptor
	findings []finding.Finding
	execErr  error
}

func newRunnableFakeAdapter(toolID string, findings []finding.Finding, execErr error) *fakeAdapter {
	return &fakeAdapter{
		desc: capability.Descriptor{
			ToolID:   toolID,
			ToolName: toolID,
			Category: capability.CategorySAST,
			InputRequirements: capability.InputRequirements{
				AcceptedTargetKinds: []capability.TargetKind{capability.TargetLocalPath},
			},
			Execution: capability.ExecutionLimits{DefaultTimeout: time.Minute},
		},
		findings: findings,
		execErr:  execErr,
	}
}

func (f *fakeAdapter) Describe() capability.Descriptor { return f.desc }

func (f *fakeAdapter) Validate(req *scanrequest.Request) error {
	return adapter.ValidateAgainstDescriptor(f.desc, req)
}

func (f *fakeAdapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	return &adapter.NativeOutput{Payload: []byte("{}")}, nil
}

func (f *fakeAdapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	return f.findings, nil
}

func newRegistryWithFake(t *testing.T) *toolregistry.Registry {
	t.Helper()
	reg := toolregistry.New()
	a := newRunnableFakeAdapter("fake-sast", []finding.Finding{
		{FindingID: "f1", Severity: finding.Severity{Level: finding.LevelHigh}, Confidence: finding.Confidence{Score: 80}},
	}, nil)
	if err := reg.Register(a); err != nil {
		t.Fatalf("register fake adapter: %v", err)
	}
	return reg
}

func sendLine(t *testing.T, sess *Session, in *bytes.Buffer, out *bytes.Buffer, req map[string]any) map[string]any {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	in.Write(data)
	in.WriteByte('\n')

	if err := sess.Serve(context.Background(), strings.NewReader(in.String()), out); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	in.Reset()

	var resp map[string]any
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v (raw=%s)", err, out.String())
	}
	return resp
}

func TestSession_RejectsBeforeInitialize(t *testing.T) {
	sess := New(newRegistryWithFake(t), Config{})
	var out bytes.Buffer
	resp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/list",
	})
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %v", resp)
	}
	if int(errObj["code"].(float64)) != CodeNotInitialized {
		t.Fatalf("expected CodeNotInitialized, got %v", errObj["code"])
	}
}

func TestSession_InitializeThenListTools(t *testing.T) {
	sess := New(newRegistryWithFake(t), Config{})
	var out bytes.Buffer

	initResp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]any{"protocolVersion": brokerProtocolVersion},
	})
	if initResp["error"] != nil {
		t.Fatalf("initialize failed: %v", initResp["error"])
	}
	if sess.State() != StateInitialized {
		t.Fatalf("expected state INITIALIZED, got %v", sess.State())
	}

	out.Reset()
	listResp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	})
	if listResp["error"] != nil {
		t.Fatalf("tools/list failed: %v", listResp["error"])
	}
	result := listResp["result"].(map[string]any)
	tools := result["tools"].([]any)
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if sess.State() != StateServing {
		t.Fatalf("expected state SERVING after first non-initialize call, got %v", sess.State())
	}
}

func TestSession_CallToolAndReadResource(t *testing.T) {
	sess := New(newRegistryWithFake(t), Config{})
	var out bytes.Buffer

	sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})

	out.Reset()
	callResp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name": "fake-sast",
			"arguments": map[string]any{
				"scan_id": "scan-1",
				"target":  map[string]any{"kind": "LOCAL_PATH", "path": "/tmp/x"},
			},
		},
	})
	if callResp["error"] != nil {
		t.Fatalf("tools/call failed: %v", callResp["error"])
	}
	content := callResp["result"].(map[string]any)["content"].([]any)
	if len(content) != 1 {
		t.Fatalf("expected 1 content item, got %d", len(content))
	}
	var payload scanResponsePayload
	text := content[0].(map[string]any)["text"].(string)
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.ScanID != "scan-1" || payload.Vulnerabilities != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	out.Reset()
	readResp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "resources/read",
		"params": map[string]any{"uri": "scan://results/scan-1"},
	})
	if readResp["error"] != nil {
		t.Fatalf("resources/read failed: %v", readResp["error"])
	}
}

func TestSession_UnknownToolIsToolMissing(t *testing.T) {
	sess := New(newRegistryWithFake(t), Config{})
	var out bytes.Buffer

	sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
	})

	out.Reset()
	resp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{"name": "does-not-exist", "arguments": map[string]any{}},
	})
	errObj := resp["error"].(map[string]any)
	if int(errObj["code"].(float64)) != CodeToolMissing {
		t.Fatalf("expected CodeToolMissing, got %v", errObj["code"])
	}
}

func TestSession_BusyRejectsWhenInFlightLimitReached(t *testing.T) {
	reg := toolregistry.New()
	slow := newRunnableFakeAdapter("slow-sast", nil, nil)
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	sess := New(reg, Config{MaxInFlight: 1, OnBusy: "reject"})

	if !sess.sem.TryAcquire(1) {
		t.Fatalf("expected to acquire the only slot")
	}
	defer sess.sem.Release(1)

	sess.mu.Lock()
	sess.state = StateServing
	sess.mu.Unlock()

	var out bytes.Buffer
	resp := sendLine(t, sess, &bytes.Buffer{}, &out, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tools/call",
		"params": map[string]any{
			"name": "slow-sast",
			"arguments": map[string]any{
				"target": map[string]any{"kind": "LOCAL_PATH", "path": "/tmp/x"},
			},
		},
	})
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected busy error, got %v", resp)
	}
	if int(errObj["code"].(float64)) != CodeBusy {
		t.Fatalf("expected CodeBusy, got %v", errObj["code"])
	}
}
