// Package capability defines the self-description every tool adapter
// publishes: identity, category, input requirements, and execution
// limits used for selection and request validation.
package capability

import (
	"fmt"
	"time"
)

// Category classifies the kind of security analysis a tool performs.
type Category string

const (
	CategorySAST      Category = "SAST"
	CategorySCA       Category = "SCA"
	CategoryDAST      Category = "DAST"
	CategoryIAST      Category = "IAST"
	CategorySecrets   Category = "SECRETS"
	CategoryContainer Category = "CONTAINER"
	CategoryFuzzing   Category = "FUZZING"
)

func (c Category) valid() bool {
	switch c {
	case CategorySAST, CategorySCA, CategoryDAST, CategoryIAST, CategorySecrets, CategoryContainer, CategoryFuzzing:
		return true
	default:
		return false
	}
}

// TargetKind identifies the shape of a scan target.
type TargetKind string

const (
	TargetLocalPath      TargetKind = "LOCAL_PATH"
	TargetGitRepo        TargetKind = "GIT_REPO"
	TargetContainerImage TargetKind = "CONTAINER_IMAGE"
	TargetHTTPURL        TargetKind = "HTTP_URL"
)

// InputRequirements describes what a tool needs from its target.
type InputRequirements struct {
	RequiresSource      bool
	RequiresBinary      bool
	RequiresRunningApp  bool
	RequiresManifest    bool
	SupportedVCS        []string
	AcceptedTargetKinds []TargetKind
}

// accepts reports whether kind is one of the accepted target kinds.
func (r InputRequirements) accepts(kind TargetKind) bool {
	for _, k := range r.AcceptedTargetKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ExecutionLimits describes a tool's default resource envelope.
type ExecutionLimits struct {
	DefaultTimeout  time.Duration
	MinMemoryMB     int
	MinCPUCores     float64
	RequiresNetwork bool
}

// Metadata carries non-functional descriptor information.
type Metadata struct {
	License          string
	DocsURL          string
	AdapterVersion   string
	RegisteredAt     time.Time
}

// OutputSchema names a tool's native output format.
type OutputSchema struct {
	NativeFormatID string
	ExpectedFields []string
}

// Descriptor is a tool's self-description.
type Descriptor struct {
	ToolID              string
	ToolName            string
	ToolVersion         string
	Category            Category
	Vendor              string
	Description         string
	SupportedLanguages  []string
	DetectionTypes      []string
	CWECoverage         []int
	InputRequirements   InputRequirements
	OutputSchema        OutputSchema
	Execution           ExecutionLimits
	Metadata            Metadata
}

// Validate enforces the descriptor invariants:
// tool_id non-empty, cwe_coverage entries positive, timeout > 0, and
// running-app tools must accept HTTP_URL targets.
func (d *Descriptor) Validate() error {
	if d.ToolID == "" {
		return fmt.Errorf("capability: tool_id must not be empty")
	}
	if !d.Category.valid() {
		return fmt.Errorf("capability: %s: unknown category %q", d.ToolID, d.Category)
	}
	for _, cwe := range d.CWECoverage {
		if cwe <= 0 {
			return fmt.Errorf("capability: %s: cwe_coverage entries must be positive, got %d", d.ToolID, cwe)
		}
	}
	if d.Execution.DefaultTimeout <= 0 {
		return fmt.Errorf("capability: %s: execution timeout must be > 0", d.ToolID)
	}
	if d.InputRequirements.RequiresRunningApp && !d.InputRequirements.accepts(TargetHTTPURL) {
		return fmt.Errorf("capability: %s: requires_running_app but does not accept HTTP_URL targets", d.ToolID)
	}
	return nil
}

// AcceptsTarget reports whether this descriptor's adapter can operate
// on the given target kind.
func (d *Descriptor) AcceptsTarget(kind TargetKind) bool {
	return d.InputRequirements.accepts(kind)
}
