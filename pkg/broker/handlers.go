package broker

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/sentryscan/sentryscan/pkg/adapter"
	"github.com/sentryscan/sentryscan/pkg/capability"
	"github.com/sentryscan/sentryscan/pkg/finding"
	"github.com/sentryscan/sentryscan/pkg/scanrequest"
)

// callArguments mirrors scanrequest.Request's nested shape so
// invopop/jsonschema can reflect a tools/call input schema directly
// from it and mapstructure can decode tools/call arguments into it
// without a hand-written field-by-field translation.
type callArguments struct {
	ScanID string `json:"scan_id,omitempty" jsonschema:"description=Caller-supplied scan id; generated if omitted."`
	Target struct {
		Kind   string `json:"kind" jsonschema:"required,enum=LOCAL_PATH,enum=GIT_REPO,enum=CONTAINER_IMAGE,enum=HTTP_URL"`
		Path   string `json:"path,omitempty"`
		URL    string `json:"url,omitempty"`
		Branch string `json:"branch,omitempty"`
		Commit string `json:"commit,omitempty"`
		Digest string `json:"digest,omitempty"`
	} `json:"target" jsonschema:"required"`
	Options struct {
		LanguageHint  string   `json:"language_hint,omitempty"`
		CustomRules   []string `json:"custom_rules,omitempty"`
		ExcludePaths  []string `json:"exclude_paths,omitempty"`
		SeverityFloor string   `json:"severity_floor,omitempty"`
	} `json:"options,omitempty"`
	Context struct {
		WorkflowID  string `json:"workflow_id,omitempty"`
		ProjectName string `json:"project_name,omitempty"`
		ScanType    string `json:"scan_type,omitempty"`
		TriggeredBy string `json:"triggered_by,omitempty"`
	} `json:"context,omitempty"`
	Limits struct {
		TimeoutSeconds int `json:"timeout_seconds,omitempty"`
		MaxFindings    int `json:"max_findings,omitempty"`
	} `json:"limits,omitempty"`
	NetworkAllowed bool `json:"network_allowed,omitempty"`
}

// decodeCallArguments decodes a tools/call params.arguments map into a
// callArguments value, coercing loosely-typed JSON numbers/strings the
// way mapstructure's weak-typing mode does for CLI-sourced maps
// elsewhere in this codebase.
func decodeCallArguments(raw map[string]any) (*callArguments, error) {
	var args callArguments
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &args,
		TagName:          "json",
	})
	if err != nil {
		return nil, fmt.Errorf("broker: build argument decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("broker: decode arguments: %w", err)
	}
	return &args, nil
}

// toScanRequest converts decoded call arguments into a scan request,
// generating a scan_id when the caller did not supply one.
func (a *callArguments) toScanRequest() (*scanrequest.Request, error) {
	scanID := a.ScanID
	if scanID == "" {
		scanID = uuid.NewString()
	}

	req := &scanrequest.Request{
		ScanID: scanID,
		Target: scanrequest.Target{
			Kind:   capability.TargetKind(a.Target.Kind),
			Path:   a.Target.Path,
			URL:    a.Target.URL,
			Branch: a.Target.Branch,
			Commit: a.Target.Commit,
			Digest: a.Target.Digest,
		},
		Options: scanrequest.Options{
			LanguageHint:  a.Options.LanguageHint,
			CustomRules:   a.Options.CustomRules,
			ExcludePaths:  a.Options.ExcludePaths,
			SeverityFloor: a.Options.SeverityFloor,
		},
		Context: scanrequest.Context{
			WorkflowID:  a.Context.WorkflowID,
			ProjectName: a.Context.ProjectName,
			ScanType:    scanrequest.ScanType(a.Context.ScanType),
			TriggeredBy: a.Context.TriggeredBy,
		},
		Limits: scanrequest.Limits{
			TimeoutSeconds: a.Limits.TimeoutSeconds,
			MaxFindings:    a.Limits.MaxFindings,
		},
		NetworkAllowed: a.NetworkAllowed,
	}
	if req.Context.ScanType == "" {
		req.Context.ScanType = scanrequest.ScanFull
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// scanResponsePayload is the JSON body returned inside tools/call's
// content array, and the value cached for scan://results/{scan_id}.
type scanResponsePayload struct {
	Success        bool              `json:"success"`
	ScanID         string            `json:"scan_id"`
	ToolID         string            `json:"tool_id"`
	Vulnerabilities int              `json:"vulnerabilities"`
	Findings       []finding.Finding `json:"findings"`
	Diagnostics    diagnosticsView   `json:"diagnostics"`
}

type diagnosticsView struct {
	DurationMS int    `json:"duration_ms"`
	ExitCode   int    `json:"exit_code"`
	StderrTail string `json:"stderr_tail,omitempty"`
}

func newDiagnosticsView(d adapter.Diagnostics) diagnosticsView {
	return diagnosticsView{
		DurationMS: int(d.Duration.Milliseconds()),
		ExitCode:   d.ExitCode,
		StderrTail: d.StderrTail,
	}
}

// mapRunError translates an adapter.Run error into the matching
// extension error code in the -32000..-32099 range. A cancellation
// maps to the standard internal-error code instead.
func mapRunError(toolID string, err error) *Error {
	switch e := err.(type) {
	case *adapter.InvalidInputError:
		return &Error{Code: CodeInvalidInput, Message: e.Error()}
	case *adapter.ToolMissingError:
		return &Error{Code: CodeToolMissing, Message: e.Error()}
	case *adapter.ExecutionFailedError:
		return &Error{Code: CodeExecutionFailed, Message: e.Error(), Data: map[string]any{
			"exit_code": e.ExitCode,
		}}
	case *adapter.TimeoutError:
		return &Error{Code: CodeTimeout, Message: e.Error()}
	case *adapter.ParseErrorErr:
		return &Error{Code: CodeParseErrorDomain, Message: e.Error()}
	case *adapter.CanceledError:
		return &Error{Code: CodeInternal, Message: e.Error()}
	default:
		return &Error{Code: CodeExecutionFailed, Message: fmt.Sprintf("adapter: %s: %s", toolID, err.Error())}
	}
}

// toolDescriptorView builds the tools/list entry for one descriptor.
func toolDescriptorView(desc capability.Descriptor) (toolDescriptor, error) {
	schema, err := argumentSchema()
	if err != nil {
		return toolDescriptor{}, err
	}
	return toolDescriptor{
		Name:        desc.ToolID,
		Description: desc.Description,
		InputSchema: schema,
		Category:    string(desc.Category),
		Available:   true,
		Capability: map[string]any{
			"vendor":              desc.Vendor,
			"tool_version":        desc.ToolVersion,
			"supported_languages": desc.SupportedLanguages,
			"cwe_coverage":        desc.CWECoverage,
		},
	}, nil
}

func marshalContent(v any) ([]contentItem, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal response content: %w", err)
	}
	return []contentItem{{Type: "text", Text: string(data)}}, nil
}
