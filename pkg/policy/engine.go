package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openfroyo/idler/pkg/engine"
)

// Engine evaluates lifecycle decisions with OPA.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
	logger   zerolog.Logger
}

// NewEngine creates an engine holding the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*Policy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.SetPolicies(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// Decide evaluates the lifecycle decision for one resource.
func (e *Engine) Decide(ctx context.Context, input Input) (*Decision, error) {
	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	start := time.Now()
	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, engine.NewConfigurationError("policy evaluation failed", err).
			WithOperation(input.Operation)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, engine.NewConfigurationError("policy produced no decision", nil).
			WithOperation(input.Operation).
			WithDetail("query", DecisionQuery)
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode decision: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, engine.NewConfigurationError("policy decision has unexpected shape", err)
	}
	sort.Strings(d.Deny)

	e.logger.Debug().
		Str("stage", input.Stage).
		Str("resource_type", input.ResourceType).
		Str("operation", input.Operation).
		Bool("skip", d.Skip).
		Int("deny", len(d.Deny)).
		Dur("duration", time.Since(start)).
		Msg("Lifecycle decision evaluated")
	return &d, nil
}

// LoadPolicies loads policy files from paths and makes them active on top of
// the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.SetPolicies(ctx, policies)
}

// SetPolicies replaces the operator policies. The new set is compiled before
// it is swapped in; on error the previous set stays active.
func (e *Engine) SetPolicies(ctx context.Context, loaded []Policy) error {
	next := make(map[string]*Policy)
	for _, p := range GetBuiltinPolicies() {
		p := p
		next[p.Name] = &p
	}
	for i := range loaded {
		p := loaded[i]
		next[p.Name] = &p
	}

	query, err := compile(ctx, next)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies = next
	e.query = query
	e.compiled = time.Now()
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(next)).
		Int("loaded", len(loaded)).
		Msg("Policies compiled")
	return nil
}

func compile(ctx context.Context, policies map[string]*Policy) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(DecisionQuery)}
	for _, name := range sortedNames(policies) {
		p := policies[name]
		if !p.Enabled {
			continue
		}
		if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
			return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to parse policy "+p.Name, err)
		}
		opts = append(opts, rego.Module(p.Name+".rego", p.Rego))
	}

	query, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, engine.NewConfigurationError("failed to compile policies", err)
	}
	return query, nil
}

func sortedNames(policies map[string]*Policy) []string {
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	p, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	cp := *p
	return &cp, nil
}

// ListPolicies returns the active policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, name := range sortedNames(e.policies) {
		out = append(out, *e.policies[name])
	}
	return out
}

// Watch reloads operator policies from paths whenever they change.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.SetPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}
