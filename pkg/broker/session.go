package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/toolregistry"
)

// State is a broker session's position in its lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateInitialized
	StateServing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateInitialized:
		return "INITIALIZED"
	case StateServing:
		return "SERVING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Config tunes one session's backpressure policy.
type Config struct {
	// MaxInFlight bounds concurrent tools/call executions. Defaults to
	// 4 when zero or negative.
	MaxInFlight int
	// OnBusy is "queue" (block the caller until a slot frees) or
	// "reject" (fail immediately with Busy).
	OnBusy string
}

// SetDefaults fills unset fields, mirroring the config package's
// option-groups defaulting convention.
func (c *Config) SetDefaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.OnBusy == "" {
		c.OnBusy = "reject"
	}
}

// Session serves one JSON-RPC 2.0 connection: a single client walking
// through initialize, tools/list, tools/call, and resources/*, with
// its own backpressure semaphore and result cache.
type Session struct {
	cfg      Config
	registry *toolregistry.Registry
	sem      *semaphore.Weighted

	mu    sync.Mutex
	state State

	writeMu sync.Mutex
	out     *bufio.Writer

	resultsMu sync.RWMutex
	results   map[string]scanResponsePayload
	history   []string

	inFlight atomic.Int64
}

// New builds a session bound to a tool registry, ready to Serve.
func New(registry *toolregistry.Registry, cfg Config) *Session {
	cfg.SetDefaults()
	return &Session{
		cfg:      cfg,
		registry: registry,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		state:    StateUninitialized,
		results:  make(map[string]scanResponsePayload),
	}
}

// InFlight reports how many tools/call requests this session is
// currently executing, for the operator health endpoint.
func (s *Session) InFlight() int {
	return int(s.inFlight.Load())
}

// State reports the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve reads newline-delimited JSON-RPC requests from r and writes
// matching responses to w until r is exhausted. ctx is passed to each
// request's handler; canceling it does not interrupt a blocked read
// from r. Each line is dispatched concurrently, so responses may complete out
// of the order their requests arrived in; callers must match by id.
func (s *Session) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.out = bufio.NewWriter(w)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var wg sync.WaitGroup
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lineCopy := append([]byte(nil), line...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, lineCopy)
		}()
	}
	wg.Wait()
	s.writeMu.Lock()
	s.out.Flush()
	s.writeMu.Unlock()

	return scanner.Err()
}

// Close transitions the session to CLOSING then CLOSED. In-flight
// tools/call executions are not interrupted; Close only stops new
// requests from being accepted.
func (s *Session) Close() {
	s.mu.Lock()
	s.state = StateClosing
	s.mu.Unlock()

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
}

func (s *Session) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(&Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: CodeParseError, Message: "broker: malformed JSON-RPC request: " + err.Error()},
		})
		return
	}
	if req.JSONRPC != "2.0" {
		s.reply(req.ID, nil, &Error{Code: CodeInvalidRequest, Message: "broker: jsonrpc field must be \"2.0\""})
		return
	}

	result, rpcErr := s.dispatch(ctx, &req)
	if len(req.ID) == 0 {
		// Notification: no response is sent, win or lose.
		return
	}
	s.reply(req.ID, result, rpcErr)
}

func (s *Session) dispatch(ctx context.Context, req *Request) (any, *Error) {
	if req.Method != MethodInitialize {
		s.mu.Lock()
		switch s.state {
		case StateUninitialized:
			s.mu.Unlock()
			return nil, &Error{Code: CodeNotInitialized, Message: "broker: session has not been initialized"}
		case StateClosing, StateClosed:
			s.mu.Unlock()
			return nil, &Error{Code: CodeShuttingDown, Message: "broker: session is shutting down"}
		case StateInitialized:
			s.state = StateServing
		}
		s.mu.Unlock()
	}

	switch req.Method {
	case MethodInitialize:
		return s.handleInitialize(req)
	case MethodToolsList:
		return s.handleToolsList()
	case MethodToolsCall:
		return s.handleToolsCall(ctx, req)
	case MethodResourcesList:
		return s.handleResourcesList()
	case MethodResourcesRead:
		return s.handleResourcesRead(req)
	default:
		return nil, &Error{Code: CodeMethodNotFound, Message: "broker: unknown method " + req.Method}
	}
}

func (s *Session) handleInitialize(req *Request) (any, *Error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return nil, &Error{Code: CodeInvalidRequest, Message: "broker: session already initialized"}
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: "broker: malformed initialize params: " + err.Error()}
		}
	}

	s.state = StateInitialized
	return initializeResult{
		ServerInfo: serverInfo{Name: "sentryscan-broker", Version: brokerProtocolVersion},
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"resources": map[string]any{},
		},
	}, nil
}

func (s *Session) handleToolsList() (any, *Error) {
	descriptors := s.registry.List()
	tools := make([]toolDescriptor, 0, len(descriptors))
	for _, desc := range descriptors {
		view, err := toolDescriptorView(desc)
		if err != nil {
			return nil, &Error{Code: CodeInternal, Message: err.Error()}
		}
		tools = append(tools, view)
	}
	return toolsListResult{Tools: tools}, nil
}

func (s *Session) handleToolsCall(ctx context.Context, req *Request) (any, *Error) {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "broker: malformed tools/call params: " + err.Error()}
	}
	if params.Name == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "broker: tools/call requires a name"}
	}

	a, ok := s.registry.Acquire(params.Name)
	if !ok {
		return nil, &Error{Code: CodeToolMissing, Message: "broker: tool " + params.Name + " is not registered"}
	}
	defer s.registry.Release(params.Name)

	if s.cfg.OnBusy == "reject" {
		if !s.sem.TryAcquire(1) {
			return nil, &Error{Code: CodeBusy, Message: "broker: session has reached its in-flight call limit"}
		}
		defer s.sem.Release(1)
	} else {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil, &Error{Code: CodeInternal, Message: "broker: waiting for an in-flight slot: " + err.Error()}
		}
		defer s.sem.Release(1)
	}

	args, err := decodeCallArguments(params.Arguments)
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: err.Error()}
	}
	scanReq, err := args.toScanRequest()
	if err != nil {
		return nil, &Error{Code: CodeInvalidInput, Message: err.Error()}
	}

	desc := a.Describe()
	timeout := desc.Execution.DefaultTimeout
	if scanReq.Limits.TimeoutSeconds > 0 {
		requested := time.Duration(scanReq.Limits.TimeoutSeconds) * time.Second
		if requested < timeout || timeout == 0 {
			timeout = requested
		}
	}
	deadline := time.Now().Add(timeout)
	callCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	execCtx := &adapter.ExecutionContext{
		NetworkAllowed: scanReq.NetworkAllowed,
		Deadline:       deadline,
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	result, runErr := adapter.Run(callCtx, a, scanReq, execCtx, nil)
	if runErr != nil {
		return nil, mapRunError(params.Name, runErr)
	}

	payload := scanResponsePayload{
		Success:         true,
		ScanID:          scanReq.ScanID,
		ToolID:          params.Name,
		Vulnerabilities: len(result.Findings),
		Findings:        result.Findings,
		Diagnostics:     newDiagnosticsView(result.Diagnostics),
	}
	s.cacheResult(scanReq.ScanID, payload)

	content, merr := marshalContent(payload)
	if merr != nil {
		return nil, &Error{Code: CodeInternal, Message: merr.Error()}
	}
	return toolsCallResult{Content: content}, nil
}

func (s *Session) cacheResult(scanID string, payload scanResponsePayload) {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	if _, exists := s.results[scanID]; !exists {
		s.history = append(s.history, scanID)
	}
	s.results[scanID] = payload
}

func (s *Session) handleResourcesList() (any, *Error) {
	s.resultsMu.RLock()
	defer s.resultsMu.RUnlock()

	resources := make([]resourceDescriptor, 0, len(s.history)+1)
	resources = append(resources, resourceDescriptor{
		URI:         "scan://history",
		Name:        "scan history",
		Description: "scan_ids of every successful tools/call on this session, oldest first",
	})
	for _, scanID := range s.history {
		resources = append(resources, resourceDescriptor{
			URI:         "scan://results/" + scanID,
			Name:        "scan result " + scanID,
			Description: "cached tools/call result for scan_id " + scanID,
		})
	}
	return resourcesListResult{Resources: resources}, nil
}

func (s *Session) handleResourcesRead(req *Request) (any, *Error) {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "broker: malformed resources/read params: " + err.Error()}
	}

	if params.URI == "scan://history" {
		s.resultsMu.RLock()
		history := append([]string(nil), s.history...)
		s.resultsMu.RUnlock()
		data, err := json.Marshal(history)
		if err != nil {
			return nil, &Error{Code: CodeInternal, Message: err.Error()}
		}
		return resourcesReadResult{Contents: []resourceContent{{
			URI: params.URI, MimeType: "application/json", Text: string(data),
		}}}, nil
	}

	const prefix = "scan://results/"
	if len(params.URI) > len(prefix) && params.URI[:len(prefix)] == prefix {
		scanID := params.URI[len(prefix):]
		s.resultsMu.RLock()
		payload, ok := s.results[scanID]
		s.resultsMu.RUnlock()
		if !ok {
			return nil, &Error{Code: CodeInvalidParams, Message: "broker: no cached result for " + params.URI}
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Code: CodeInternal, Message: err.Error()}
		}
		return resourcesReadResult{Contents: []resourceContent{{
			URI: params.URI, MimeType: "application/json", Text: string(data),
		}}}, nil
	}

	return nil, &Error{Code: CodeInvalidParams, Message: "broker: unknown resource uri " + params.URI}
}

func (s *Session) reply(id json.RawMessage, result any, rpcErr *Error) {
	s.writeResponse(&Response{JSONRPC: "2.0", ID: id, Result: result, Error: rpcErr})
}

func (s *Session) writeResponse(resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(&Response{
			JSONRPC: "2.0",
			ID:      resp.ID,
			Error:   &Error{Code: CodeInternal, Message: fmt.Sprintf("broker: marshal response: %v", err)},
		})
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.WriteByte('\n')
	s.out.Flush()
}
