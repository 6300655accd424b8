// Package policy provides the CEL-Go based alert policy engine. Policies
// are boolean predicates over a completed detection; a matching policy
// causes the detection to be published on the alert topic.
package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/fraudwatch/kestrel/internal/domain"
)

// Engine compiles alert policies and evaluates them against detections.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledPolicy
	velocity   VelocityGetter
	maxWorkers int
}

// CompiledPolicy holds a pre-compiled CEL program.
type CompiledPolicy struct {
	Config  *domain.AlertPolicy
	Program cel.Program
}

// VelocityGetter returns the signal count seen for a correlation key
// within a time window.
type VelocityGetter func(ctx context.Context, tenantID, key string, window time.Duration) (int64, error)

// NewEngine creates an alert policy engine.
func NewEngine(velocity VelocityGetter, maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("band", cel.StringType),
		cel.Variable("action", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("channel", cel.StringType),
		cel.Variable("coordinated", cel.BoolType),
		cel.Variable("channels", cel.ListType(cel.StringType)),
		cel.Variable("campaign_size", cel.IntType),
		cel.Variable("key_velocity", cel.IntType),
		cel.Variable("unavailable", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledPolicy),
		velocity:   velocity,
		maxWorkers: maxWorkers,
	}, nil
}

// ValidatePolicy compiles a policy without loading it.
func (e *Engine) ValidatePolicy(cfg *domain.AlertPolicy) error {
	if cfg == nil {
		return fmt.Errorf("policy config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compilePolicy(cfg)
	return err
}

// LoadPolicy compiles and loads a single policy.
func (e *Engine) LoadPolicy(cfg *domain.AlertPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compilePolicy(cfg)
	if err != nil {
		return err
	}

	e.compiled[cfg.ID] = compiled
	return nil
}

// LoadPolicies compiles and loads all enabled policies.
func (e *Engine) LoadPolicies(configs []*domain.AlertPolicy) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadPolicy(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadPolicies atomically replaces the loaded policy set. A compile
// failure leaves the previous set in place.
func (e *Engine) ReloadPolicies(configs []*domain.AlertPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*CompiledPolicy)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compilePolicy(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next
	return nil
}

// RemovePolicy unloads a policy by id.
func (e *Engine) RemovePolicy(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, id)
}

// EvaluateInput carries the detection facts exposed to policy expressions.
type EvaluateInput struct {
	TenantID     string
	Score        float64
	Band         domain.RiskBand
	Action       domain.Action
	Confidence   float64
	Channel      domain.ChannelKind
	Coordinated  bool
	Channels     []domain.ChannelKind
	CampaignSize int
	Unavailable  []string
	// VelocityKey and VelocityWindow request a key_velocity lookup;
	// left zero, key_velocity evaluates to 0.
	VelocityKey    string
	VelocityWindow time.Duration
}

// Evaluate runs all loaded policies against a detection and returns
// the matches. Evaluation errors disqualify the policy rather than
// failing the detection.
func (e *Engine) Evaluate(ctx context.Context, input *EvaluateInput) ([]domain.PolicyMatch, error) {
	e.mu.RLock()
	policies := make([]*CompiledPolicy, 0, len(e.compiled))
	for _, p := range e.compiled {
		policies = append(policies, p)
	}
	e.mu.RUnlock()

	if len(policies) == 0 {
		return nil, nil
	}

	var keyVelocity int64
	if e.velocity != nil && input.VelocityKey != "" && input.VelocityWindow > 0 {
		count, err := e.velocity(ctx, input.TenantID, input.VelocityKey, input.VelocityWindow)
		if err == nil {
			keyVelocity = count
		}
	}

	channels := make([]string, len(input.Channels))
	for i, c := range input.Channels {
		channels[i] = string(c)
	}

	activation := map[string]any{
		"score":         input.Score,
		"band":          string(input.Band),
		"action":        string(input.Action),
		"confidence":    input.Confidence,
		"channel":       string(input.Channel),
		"coordinated":   input.Coordinated,
		"channels":      channels,
		"campaign_size": int64(input.CampaignSize),
		"key_velocity":  keyVelocity,
		"unavailable":   input.Unavailable,
	}

	matched := make([]domain.PolicyMatch, len(policies))
	hit := make([]bool, len(policies))
	var wg sync.WaitGroup

	sem := make(chan struct{}, e.maxWorkers)

	for i, p := range policies {
		wg.Add(1)
		go func(idx int, cp *CompiledPolicy) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			out, _, err := cp.Program.Eval(activation)
			if err != nil {
				return
			}
			if truthy(out) {
				matched[idx] = domain.PolicyMatch{PolicyID: cp.Config.ID, Name: cp.Config.Name}
				hit[idx] = true
			}
		}(i, p)
	}

	wg.Wait()

	var matches []domain.PolicyMatch
	for i := range policies {
		if hit[i] {
			matches = append(matches, matched[i])
		}
	}
	return matches, nil
}

// PoliciesCount returns the number of loaded policies.
func (e *Engine) PoliciesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedPolicies returns the currently loaded policy configurations.
func (e *Engine) GetLoadedPolicies() []*domain.AlertPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.AlertPolicy, 0, len(e.compiled))
	for _, cp := range e.compiled {
		out = append(out, cp.Config)
	}
	return out
}

// Close clears the loaded policy set.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledPolicy)
	return nil
}

func truthy(val ref.Val) bool {
	b, ok := val.(types.Bool)
	return ok && bool(b)
}

func (e *Engine) compilePolicy(cfg *domain.AlertPolicy) (*CompiledPolicy, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", cfg.ID, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("policy %s: expression must return bool, got %s", cfg.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for policy %s: %w", cfg.ID, err)
	}

	return &CompiledPolicy{Config: cfg, Program: program}, nil
}
