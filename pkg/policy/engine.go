package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
	"github.com/xpipe/xpipe/pkg/telemetry"
	"github.com/xpipe/xpipe/pkg/tree"
)

// ValidatorName labels policy evaluations in metrics, spans and events.
const ValidatorName = "policy"

// Engine evaluates Rego policies against configuration trees.
//
// The built-in policies are always present. Enabling or disabling a policy
// by name sticks across ReloadPolicies and ReplacePolicies.
type Engine struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	policies  policySet
	overrides map[string]bool
	events    *telemetry.EventPublisher
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// policySet holds compiled policies by name.
type policySet map[string]*compiledPolicy

func (s policySet) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:    logger.With().Str("component", "policy-engine").Logger(),
		overrides: make(map[string]bool),
	}
	set, err := e.build(context.Background(), nil)
	if err != nil {
		return nil, err
	}
	e.policies = set
	return e, nil
}

// build compiles the built-ins plus extra into a new set. Policies in extra
// replace built-ins of the same name.
func (e *Engine) build(ctx context.Context, extra []Policy) (policySet, error) {
	set := make(policySet)
	for _, p := range GetBuiltinPolicies() {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
		set[p.Name] = cp
	}
	if err := e.addTo(ctx, set, extra); err != nil {
		return nil, err
	}
	return set, nil
}

// addTo compiles policies into set. set is untouched if any policy fails to
// compile.
func (e *Engine) addTo(ctx context.Context, set policySet, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", p.Name).Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}
	for _, cp := range compiled {
		set[cp.policy.Name] = cp
	}
	return nil
}

// compile compiles p with the enable override for its name applied.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if enabled, ok := e.overrides[p.Name]; ok {
		p.Enabled = enabled
	}
	return compilePolicy(ctx, p)
}

func compilePolicy(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, errors.New("policy has no name")
	}

	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	p.Tags = append([]string(nil), p.Tags...)
	return &compiledPolicy{policy: p, query: query}, nil
}

// SetEventPublisher makes the engine publish a policy.violation event for
// every violation found.
func (e *Engine) SetEventPublisher(events *telemetry.EventPublisher) {
	e.mu.Lock()
	e.events = events
	e.mu.Unlock()
}

// Evaluate evaluates all enabled policies against a configuration tree and
// records the run as a policy validation in the telemetry found in ctx.
func (e *Engine) Evaluate(ctx context.Context, root *tree.Mapping, evalCtx *Context) (*Result, error) {
	input := NewInput(root, evalCtx)

	var result *Result
	_, err := telemetry.RecordValidation(ctx, ValidatorName, input.Context.Source, func(ctx context.Context) (int, error) {
		var err error
		if result, err = e.EvaluateInput(ctx, input); err != nil {
			return 0, err
		}
		return len(result.Violations), nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// EvaluateInput evaluates all enabled policies in name order against a
// prepared input. A policy that fails to evaluate is reported as a warning
// and does not stop the others.
func (e *Engine) EvaluateInput(ctx context.Context, input *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	e.mu.RLock()
	set, events := e.policies, e.events
	e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range set.names() {
		cp := set[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := cp.evaluate(ctx, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("Policy %s evaluation failed: %v", name, err))
			continue
		}
		for _, v := range violations {
			if v.Severity.blocking() {
				result.Allowed = false
			}
			_ = events.PublishPolicyViolation(input.Context.Source, v.Policy, v.Path, v.Message)
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Str("source", input.Context.Source).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")
	return result, nil
}

// evaluate runs the deny query. Violations are ordered by path.
func (cp *compiledPolicy) evaluate(ctx context.Context, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		// OPA returns sets as slices.
		members, _ := r.Expressions[0].Value.([]interface{})
		for _, m := range members {
			violations = append(violations, cp.violation(m))
		}
	}
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Path < violations[j].Path
	})
	return violations, nil
}

// violation turns a deny set member into a Violation. Members are strings
// or objects with message, path, severity and remediation fields.
func (cp *compiledPolicy) violation(member interface{}) Violation {
	v := Violation{Policy: cp.policy.Name, Severity: cp.policy.Severity}

	obj, ok := member.(map[string]interface{})
	if !ok {
		if s, isString := member.(string); isString {
			v.Message = s
		} else {
			v.Message = fmt.Sprint(member)
		}
		return v
	}

	str := func(key string) string {
		s, _ := obj[key].(string)
		return s
	}
	v.Message = str("message")
	v.Path = str("path")
	v.Remediation = str("remediation")
	if sev := str("severity"); sev != "" {
		v.Severity = Severity(sev)
	}
	return v
}

// LoadPolicies loads policy files and directories into the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles policies and adds them, replacing loaded policies of
// the same name. Nothing is added if any of them fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(policySet, len(e.policies)+len(policies))
	for name, cp := range e.policies {
		next[name] = cp
	}
	if err := e.addTo(ctx, next, policies); err != nil {
		return err
	}
	e.policies = next

	e.logger.Info().Int("count", len(policies)).Msg("Policies added")
	return nil
}

// ReplacePolicies drops every policy that is not built in and adds policies,
// as after a reload of policy files. The engine is left unchanged if any
// policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	set, err := e.build(ctx, policies)
	if err != nil {
		return err
	}
	e.policies = set
	return nil
}

// ReloadPolicies drops every policy that is not built in.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	return e.ReplacePolicies(ctx, nil)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.policies.names() {
		out = append(out, e.policies[name].policy)
	}
	return out
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	// Evaluations in flight may hold the current set, so the policy is
	// copied rather than changed in place.
	updated := *cp
	updated.policy.Enabled = enabled
	next := make(policySet, len(e.policies))
	for n, c := range e.policies {
		next[n] = c
	}
	next[name] = &updated
	e.policies = next
	e.overrides[name] = enabled

	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}
