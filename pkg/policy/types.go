package policy

import (
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The module must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not declare one.
	Severity engine.Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was loaded.
	CreatedAt time.Time `json:"created_at"`
}

// Violation is one deny entry produced by a policy.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Package is the package the violation is about, if any.
	Package string `json:"package,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is WARNING or ERROR.
	Severity engine.Severity `json:"severity"`
}

// String renders the violation as a validation message.
func (v Violation) String() string {
	return "[" + v.Policy + "] " + v.Message
}

// EvaluationError records a policy that could not be evaluated.
type EvaluationError struct {
	Policy string `json:"policy"`
	Err    string `json:"error"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	Violations        []Violation       `json:"violations,omitempty"`
	Errors            []EvaluationError `json:"errors,omitempty"`
	EvaluatedPolicies []string          `json:"evaluated_policies"`
	EvaluatedAt       time.Time         `json:"evaluated_at"`
	Duration          time.Duration     `json:"duration"`
}

// Severity returns the highest severity across violations and errors.
func (r *Result) Severity() engine.Severity {
	if len(r.Errors) > 0 {
		return engine.SeverityError
	}
	overall := engine.SeverityOK
	for _, v := range r.Violations {
		if v.Severity.Rank() > overall.Rank() {
			overall = v.Severity
		}
	}
	return overall
}

// Input is the document bound to input in every policy.
type Input struct {
	Stage     StageInput        `json:"stage"`
	Installed []engine.Package  `json:"installed"`
	Staged    []engine.Package  `json:"staged"`
	Diff      engine.DiffResult `json:"diff"`
}

// StageInput describes the stage under evaluation.
type StageInput struct {
	ID          string            `json:"id"`
	ProjectRoot string            `json:"project_root"`
	Unattended  bool              `json:"unattended"`
	Targets     map[string]string `json:"targets"`
}

// NewInput builds the policy input from a validation input. Package lists
// are sorted by name.
func NewInput(in *engine.ValidationInput) *Input {
	out := &Input{
		Installed: packageList(in.Installed),
		Staged:    packageList(in.Staged),
		Diff:      in.Diff,
	}
	if out.Diff.Changes == nil {
		out.Diff.Changes = []engine.PackageDiff{}
	}
	if out.Diff.Removals == nil {
		out.Diff.Removals = []engine.PackageDiff{}
	}
	if in.Stage != nil {
		out.Stage = StageInput{
			ID:          in.Stage.ID,
			ProjectRoot: in.Stage.ProjectRoot,
			Unattended:  in.Stage.Unattended,
			Targets:     in.Stage.TargetVersions,
		}
	}
	return out
}

func packageList(set engine.PackageSet) []engine.Package {
	out := make([]engine.Package, 0, len(set))
	for _, name := range set.Names() {
		out = append(out, set[name])
	}
	return out
}
