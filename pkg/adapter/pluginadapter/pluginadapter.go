// Package pluginadapter loads out-of-process scanners as
// hashicorp/go-plugin subprocesses, letting third parties ship a
// scanner as a single binary without linking against this module.
//
// The generated gRPC stubs the upstream plugin framework favors for
// its LLM/database/embedder plugins are not part of this tree (no
// protoc-generated package was available to ground against), so this
// package uses go-plugin's net/rpc transport instead: a Scanner plugin
// only needs to implement two gob-encodable RPC methods, Scan and
// Describe.
package pluginadapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/rpc"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"
	goplugin "github.com/hashicorp/go-plugin"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// Handshake is shared by the host and every scanner plugin binary so
// that incompatible builds refuse to talk to each other.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "SENTRYSCAN_PLUGIN",
	MagicCookieValue: "sentryscan_scanner_v1",
}

// ScanArgs is the gob-encoded request sent to a scanner plugin.
type ScanArgs struct {
	TargetKind string
	TargetPath string
	TargetURL  string
	WorkDir    string
}

// ScanReply is the gob-encoded response returned by a scanner plugin.
type ScanReply struct {
	Payload  []byte
	Partial  bool
	ExitCode int
	Stderr   string
}

// Scanner is the interface a plugin binary implements and the host
// calls through net/rpc.
type Scanner interface {
	Scan(args ScanArgs) (ScanReply, error)
	Describe() (DescribeReply, error)
}

// DescribeReply carries enough of a capability.Descriptor for the host
// to register the plugin without starting it first.
type DescribeReply struct {
	ToolID              string
	Category            string
	AcceptedTargetKinds []string
}

// scannerRPCClient is the host-side stub satisfying Scanner by
// forwarding calls over net/rpc to the plugin subprocess.
type scannerRPCClient struct{ client *rpc.Client }

func (c *scannerRPCClient) Scan(args ScanArgs) (ScanReply, error) {
	var reply ScanReply
	err := c.client.Call("Plugin.Scan", args, &reply)
	return reply, err
}

func (c *scannerRPCClient) Describe() (DescribeReply, error) {
	var reply DescribeReply
	err := c.client.Call("Plugin.Describe", new(any), &reply)
	return reply, err
}

// scannerRPCServer is the plugin-side adapter go-plugin expects: it
// exposes Scanner over net/rpc using the standard exported-method
// convention.
type scannerRPCServer struct{ Impl Scanner }

func (s *scannerRPCServer) Scan(args ScanArgs, reply *ScanReply) error {
	r, err := s.Impl.Scan(args)
	*reply = r
	return err
}

func (s *scannerRPCServer) Describe(_ any, reply *DescribeReply) error {
	r, err := s.Impl.Describe()
	*reply = r
	return err
}

// ScannerPlugin is the go-plugin glue type registered on both ends of the
// handshake; plugin authors embed ScannerPlugin{Impl: ...} in their
// binary's main().
type ScannerPlugin struct {
	Impl Scanner
}

func (p *ScannerPlugin) Server(*goplugin.MuxBroker) (any, error) {
	return &scannerRPCServer{Impl: p.Impl}, nil
}

func (p *ScannerPlugin) Client(_ *goplugin.MuxBroker, c *rpc.Client) (any, error) {
	return &scannerRPCClient{client: c}, nil
}

// Adapter runs a scanner plugin binary as a subprocess for the
// lifetime of the process, dispensing it lazily on first use.
type Adapter struct {
	binaryPath string
	toolID     string
	category   capability.Category
	targets    []capability.TargetKind

	client  *goplugin.Client
	scanner Scanner
}

// New builds a plugin-backed Adapter. The descriptor fields are
// supplied up front so Describe() works without launching the
// subprocess; Execute launches it lazily.
func New(binaryPath, toolID string, category capability.Category, targets []capability.TargetKind) *Adapter {
	return &Adapter{binaryPath: binaryPath, toolID: toolID, category: category, targets: targets}
}

func (a *Adapter) Describe() capability.Descriptor {
	return capability.Descriptor{
		ToolID:      a.toolID,
		ToolName:    a.toolID,
		ToolVersion: "plugin",
		Category:    a.category,
		Description: fmt.Sprintf("External plugin scanner (%s).", a.binaryPath),
		InputRequirements: capability.InputRequirements{
			AcceptedTargetKinds: a.targets,
		},
		OutputSchema: capability.OutputSchema{
			NativeFormatID: "plugin.scan.result.v1",
			ExpectedFields: []string{"payload"},
		},
		Execution: capability.ExecutionLimits{DefaultTimeout: 15 * time.Minute},
	}
}

func (a *Adapter) Validate(req *scanrequest.Request) error {
	return adapter.ValidateAgainstDescriptor(a.Describe(), req)
}

func (a *Adapter) dispense() (Scanner, error) {
	if a.scanner != nil {
		return a.scanner, nil
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "sentryscan-plugin",
		Level:  hclog.Warn,
		Output: nil,
	})

	a.client = goplugin.NewClient(&goplugin.ClientConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]goplugin.Plugin{"scanner": &ScannerPlugin{}},
		Cmd:             exec.Command(a.binaryPath),
		Logger:          logger,
		AllowedProtocols: []goplugin.Protocol{goplugin.ProtocolNetRPC},
	})

	rpcClient, err := a.client.Client()
	if err != nil {
		a.client.Kill()
		return nil, err
	}

	raw, err := rpcClient.Dispense("scanner")
	if err != nil {
		a.client.Kill()
		return nil, err
	}

	scanner, ok := raw.(Scanner)
	if !ok {
		a.client.Kill()
		return nil, fmt.Errorf("pluginadapter: %s does not implement Scanner", a.binaryPath)
	}

	a.scanner = scanner
	return scanner, nil
}

func (a *Adapter) Execute(ctx context.Context, req *scanrequest.Request, execCtx *adapter.ExecutionContext) (*adapter.NativeOutput, error) {
	scanner, err := a.dispense()
	if err != nil {
		return nil, &adapter.ToolMissingError{ToolID: a.toolID, Detail: err.Error()}
	}

	done := make(chan struct{})
	var reply ScanReply
	var scanErr error

	go func() {
		defer close(done)
		reply, scanErr = scanner.Scan(ScanArgs{
			TargetKind: string(req.Target.Kind),
			TargetPath: req.Target.Path,
			TargetURL:  req.Target.URL,
			WorkDir:    execCtx.WorkDir,
		})
	}()

	select {
	case <-ctx.Done():
		return nil, &adapter.TimeoutError{Elapsed: "context canceled while waiting on plugin"}
	case <-done:
	}

	if scanErr != nil {
		return nil, &adapter.ExecutionFailedError{ExitCode: reply.ExitCode, StderrTail: scanErr.Error()}
	}
	if reply.ExitCode != 0 {
		return nil, &adapter.ExecutionFailedError{ExitCode: reply.ExitCode, StderrTail: reply.Stderr}
	}

	return &adapter.NativeOutput{Payload: reply.Payload, Partial: reply.Partial}, nil
}

// Parse assumes the plugin already emits the unified finding schema as
// its payload, since the plugin contract gives the plugin author no
// way to hand a native-format identifier back to the broker. Plugins
// wrapping tools with their own native format should normalize inside
// the plugin process before returning.
func (a *Adapter) Parse(output *adapter.NativeOutput, req *scanrequest.Request) ([]finding.Finding, error) {
	var findings []finding.Finding
	if err := unmarshalFindings(output.Payload, &findings); err != nil {
		return nil, fmt.Errorf("pluginadapter: decode output: %w", err)
	}
	for i := range findings {
		if findings[i].ScanSessionID == "" {
			findings[i].ScanSessionID = req.ScanID
		}
	}
	return findings, nil
}

func unmarshalFindings(payload []byte, out *[]finding.Finding) error {
	if len(payload) == 0 {
		*out = nil
		return nil
	}
	return json.Unmarshal(payload, out)
}

// Close terminates the plugin subprocess, if one was started.
func (a *Adapter) Close() error {
	if a.client != nil {
		a.client.Kill()
	}
	return nil
}
