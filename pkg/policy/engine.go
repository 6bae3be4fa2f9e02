package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Engine compiles and evaluates Rego policies against update inputs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.NewFromObject(map[string]interface{}{"config": map[string]interface{}{}}),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// SetConfig replaces the document policies read as data.config.
func (e *Engine) SetConfig(ctx context.Context, config map[string]interface{}) error {
	if config == nil {
		config = map[string]interface{}{}
	}
	if err := storage.WriteOne(ctx, e.store, storage.ReplaceOp, storage.MustParsePath("/config"), config); err != nil {
		return fmt.Errorf("failed to write policy config: %w", err)
	}
	return nil
}

// Evaluate runs every enabled policy. A policy that fails to evaluate is
// recorded in Result.Errors and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, input *Input) *Result {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{EvaluatedPolicies: []string{}}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("stage_id", input.Stage.ID).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, EvaluationError{Policy: name, Err: err.Error()})
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Str("stage_id", input.Stage.ID).
		Int("violations", len(result.Violations)).
		Int("errors", len(result.Errors)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		denySet, ok := r.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// createViolation creates a Violation from one deny entry.
func createViolation(policy *Policy, entry interface{}) Violation {
	v := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch d := entry.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			v.Severity = engine.Severity(strings.ToUpper(sev))
		}
		if pkg, ok := d["package"].(string); ok {
			v.Package = pkg
		}
	default:
		v.Message = fmt.Sprintf("%v", entry)
	}

	if v.Message == "" {
		v.Message = fmt.Sprintf("policy %s denied the update", policy.Name)
	}
	// OK is not a meaningful deny severity.
	if v.Severity.Validate() != nil || v.Severity == engine.SeverityOK {
		v.Severity = engine.SeverityError
	}
	return v
}

// compile parses a policy and prepares its deny query.
func (e *Engine) compile(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	if module == nil {
		return nil, fmt.Errorf("policy %s is empty", policy.Name)
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = engine.SeverityError
	}
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = time.Now()
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    prepared,
		compiled: time.Now(),
	}, nil
}

// LoadPolicies loads policy files and adds them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplacePolicies(ctx, policies)
}

// Watch loads the operator policies under paths and keeps them in sync with
// the files until ctx is cancelled. The returned loader can stop the watch early.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}
	if err := e.ReplacePolicies(ctx, policies); err != nil {
		return nil, err
	}
	if err := loader.Watch(ctx, paths, func(p []Policy) error {
		return e.ReplacePolicies(ctx, p)
	}); err != nil {
		return nil, err
	}
	return loader, nil
}

// ReplacePolicies swaps the operator-supplied policies for the given set.
// Built-in policies are kept. Nothing changes if any policy fails to compile.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := e.compile(ctx, &p)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", p.Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			return fmt.Errorf("policy %s shadows a built-in policy", name)
		}
	}
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(ctx, &builtins[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().
		Int("count", len(builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
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

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")

	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegoPolicyValidator runs the policy engine as one validator.
type RegoPolicyValidator struct {
	Engine *Engine
}

// Name returns the validator name.
func (v *RegoPolicyValidator) Name() string { return "rego_policy" }

// Validate evaluates every enabled policy. Violations become messages and
// the result takes the highest violation severity. A policy that cannot be
// evaluated is reported as an ERROR message.
func (v *RegoPolicyValidator) Validate(ctx context.Context, input *engine.ValidationInput) (engine.ValidationResult, error) {
	res := v.Engine.Evaluate(ctx, NewInput(input))

	out := engine.ValidationResult{
		Validator: v.Name(),
		Severity:  res.Severity(),
	}
	for _, violation := range res.Violations {
		out.Messages = append(out.Messages, violation.String())
	}
	for _, evalErr := range res.Errors {
		out.Messages = append(out.Messages, fmt.Sprintf("[%s] evaluation failed: %s", evalErr.Policy, evalErr.Err))
	}
	if len(out.Messages) > 0 {
		out.Summary = fmt.Sprintf("%d policy violations", len(res.Violations))
	}
	return out, nil
}
