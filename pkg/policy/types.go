package policy

import (
	"time"
)

// Severity is the severity of a policy violation. Error and critical
// violations reject a configuration, info and warning ones are reported only.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether violations of this severity reject a configuration.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is a Rego module whose deny set lists violations. Severity is the
// default for deny members that do not carry their own.
type Policy struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description" yaml:"description"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Metadata holds free-form data. The loader records the file a policy
	// came from under "source".
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Path is the dotted path of the offending node, if the policy names one.
	Path string `json:"path,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false if any violation is of error or critical severity.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedAt is when the policy was evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies are evaluated against.
type Input struct {
	// Config is the plain form of the configuration. Variables that fail to
	// resolve appear as null.
	Config map[string]interface{} `json:"config"`

	// Leaves lists every scalar of the configuration in document order.
	Leaves []Leaf `json:"leaves"`

	// Objects lists every single object of the configuration.
	Objects []Object `json:"objects"`

	// Context provides additional evaluation context.
	Context *Context `json:"context"`
}

// Leaf is one scalar of the configuration.
type Leaf struct {
	// Path is the dotted path of the scalar.
	Path string `json:"path"`

	// Key is the last segment of Path.
	Key string `json:"key"`

	// Value is the resolved value.
	Value interface{} `json:"value"`

	// Tag is the tag of a variable scalar, such as !env. Empty for literals.
	Tag string `json:"tag,omitempty"`

	// Source is the tag argument of a variable scalar.
	Source string `json:"source,omitempty"`

	// Error is set when a variable failed to resolve.
	Error string `json:"error,omitempty"`
}

// Object is one single object of the configuration.
type Object struct {
	// Path is the dotted path of the object.
	Path string `json:"path"`

	// Type is the qualified type name.
	Type string `json:"type"`
}

// Context provides context information for policy evaluation.
type Context struct {
	// Source is the root document of the configuration, if it was read from a file.
	Source string `json:"source,omitempty"`

	// Environment is the environment (e.g., "production", "staging").
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// Bundle represents a collection of related policies.
type Bundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name" yaml:"name"`

	// Version is the bundle version.
	Version string `json:"version" yaml:"version"`

	// Description provides a human-readable description.
	Description string `json:"description" yaml:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies" yaml:"policies"`
}
