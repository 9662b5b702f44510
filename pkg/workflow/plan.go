// Package workflow drives a scan request through a typed, checkpointed
// plan of nodes: a stateful DAG executor whose graph is flattened ahead
// of time into a forward-only ordered sequence.
package workflow

import "github.com/sentryscan/sentryscan/pkg/capability"

// NodeKind identifies what a plan node does when the engine reaches it.
type NodeKind string

const (
	NodeInitialize      NodeKind = "initialize"
	NodeSingleScan      NodeKind = "single_scan"
	NodeParallelScan    NodeKind = "parallel_scan"
	NodeResultCollection NodeKind = "result_collection"
	NodeValidation      NodeKind = "validation"
	NodeHumanReview     NodeKind = "human_review"
	NodeRetry           NodeKind = "retry"
	NodeFinalize        NodeKind = "finalize"
)

// Node is one step of a Plan. ToolIDs is populated for single_scan (one
// entry) and parallel_scan (N entries); it is empty for structural
// nodes (initialize, result_collection, validation, human_review,
// retry, finalize).
type Node struct {
	Kind    NodeKind `json:"kind"`
	ToolIDs []string `json:"tool_ids,omitempty"`
	// Policy carries validation-node predicates, e.g. a severity floor.
	Policy *ValidationPolicy `json:"policy,omitempty"`
}

// ValidationPolicy is evaluated by a validation node against the
// workflow's accumulated findings.
type ValidationPolicy struct {
	SeverityFloor  string   `json:"severity_floor,omitempty"`
	ExcludedCWEs   []int    `json:"excluded_cwes,omitempty"`
	RequiredCWEs   []int    `json:"required_cwes,omitempty"`
}

// Plan is the ordered, forward-only sequence of nodes the engine walks
// for one workflow instance.
type Plan []Node

// ScenarioType names a predefined plan shape.
type ScenarioType string

const (
	ScenarioCodeCommit        ScenarioType = "code_commit"
	ScenarioDependencyUpdate  ScenarioType = "dependency_update"
	ScenarioEmergencyVuln     ScenarioType = "emergency_vuln"
	ScenarioReleaseRegression ScenarioType = "release_regression"
)

// BuildPlan instantiates one of the four named scenario templates,
// filling scan nodes with the given tool ids.
func BuildPlan(scenario ScenarioType, toolIDs []string) (Plan, error) {
	switch scenario {
	case ScenarioCodeCommit:
		return Plan{
			{Kind: NodeInitialize},
			{Kind: NodeSingleScan, ToolIDs: firstN(toolIDs, 1)},
			{Kind: NodeResultCollection},
			{Kind: NodeFinalize},
		}, nil
	case ScenarioDependencyUpdate:
		return Plan{
			{Kind: NodeInitialize},
			{Kind: NodeSingleScan, ToolIDs: firstN(toolIDs, 1)},
			{Kind: NodeValidation},
			{Kind: NodeFinalize},
		}, nil
	case ScenarioEmergencyVuln:
		return Plan{
			{Kind: NodeInitialize},
			{Kind: NodeParallelScan, ToolIDs: toolIDs},
			{Kind: NodeResultCollection},
			{Kind: NodeValidation},
			{Kind: NodeFinalize},
		}, nil
	case ScenarioReleaseRegression:
		return Plan{
			{Kind: NodeInitialize},
			{Kind: NodeParallelScan, ToolIDs: toolIDs},
			{Kind: NodeResultCollection},
			{Kind: NodeValidation},
			{Kind: NodeHumanReview},
			{Kind: NodeFinalize},
		}, nil
	default:
		return nil, &UnknownScenarioError{Scenario: scenario}
	}
}

func firstN(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	return ids[:n]
}

// UnknownScenarioError is returned by BuildPlan for an unrecognized
// scenario tag.
type UnknownScenarioError struct{ Scenario ScenarioType }

func (e *UnknownScenarioError) Error() string {
	return "workflow: unknown scenario " + string(e.Scenario)
}

// AcceptsTargetForCategory is a small helper templates lean on when
// auto-selecting tools for a scenario based on target kind, kept here
// since it is plan-construction logic rather than engine logic.
func AcceptsTargetForCategory(desc capability.Descriptor, kind capability.TargetKind) bool {
	return desc.AcceptsTarget(kind)
}
