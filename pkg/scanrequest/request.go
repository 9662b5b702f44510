// Package scanrequest defines the Scan Request value: the
// target an adapter is asked to analyze, plus the options, correlation
// context, and limits governing that one run.
package scanrequest

import (
	"fmt"

	"github.com/sentryscan/sentryscan/pkg/capability"
)

// ScanType distinguishes a full analysis from an incremental one.
type ScanType string

const (
	ScanFull        ScanType = "FULL"
	ScanIncremental ScanType = "INCREMENTAL"
)

// Target identifies what an adapter should analyze.
type Target struct {
	Kind   capability.TargetKind
	Path   string // LOCAL_PATH / GIT_REPO path, or CONTAINER_IMAGE reference
	URL    string // HTTP_URL target
	Branch string
	Commit string
	Digest string
}

// Options carries per-request tuning that does not change the target.
type Options struct {
	LanguageHint  string
	CustomRules   []string
	ExcludePaths  []string
	SeverityFloor string // one of capability-independent severity tokens
}

// Context carries correlation identifiers for a request.
type Context struct {
	WorkflowID  string
	ProjectName string
	ScanType    ScanType
	TriggeredBy string
}

// Limits bounds a single request's execution.
type Limits struct {
	TimeoutSeconds int
	MaxFindings    int
}

// Request is one Scan Request.
type Request struct {
	ScanID        string
	Target        Target
	Options       Options
	Context       Context
	Limits        Limits
	NetworkAllowed bool
}

// Validate performs request-shape checks that are independent of any
// specific adapter's descriptor (adapter.Validate layers descriptor
// checks on top of this).
func (r *Request) Validate() error {
	if r.ScanID == "" {
		return fmt.Errorf("scanrequest: scan_id must not be empty")
	}
	switch r.Target.Kind {
	case capability.TargetLocalPath, capability.TargetGitRepo:
		if r.Target.Path == "" {
			return fmt.Errorf("scanrequest: %s target requires a path", r.Target.Kind)
		}
	case capability.TargetContainerImage:
		if r.Target.Path == "" && r.Target.Digest == "" {
			return fmt.Errorf("scanrequest: container target requires a path or digest")
		}
	case capability.TargetHTTPURL:
		if r.Target.URL == "" {
			return fmt.Errorf("scanrequest: HTTP_URL target requires a url")
		}
	default:
		return fmt.Errorf("scanrequest: unknown target kind %q", r.Target.Kind)
	}
	if r.Limits.TimeoutSeconds < 0 {
		return fmt.Errorf("scanrequest: limits.timeout_seconds must be >= 0")
	}
	return nil
}
