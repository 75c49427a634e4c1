// Package policy decides approval requirements with an OPA rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Input is the document the approval policy is evaluated against.
type Input struct {
	AbilityName      string `json:"ability_name"`
	AutoApprove      bool   `json:"auto_approve"`
	Policy           string `json:"policy"`
	DangerLevel      string `json:"danger_level"`
	SessionConsented bool   `json:"session_consented"`
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a policy engine from rego source. The module must define
// data.ability_approval.require_approval.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.ability_approval.require_approval"),
		rego.Module("ability_approval.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// NewDefaultEngine creates an engine with DefaultPolicy.
func NewDefaultEngine(ctx context.Context) (*Engine, error) {
	return NewEngine(ctx, DefaultPolicy)
}

// RequireApproval reports whether the input needs an explicit approval.
// Undefined or non-boolean decisions require approval.
func (e *Engine) RequireApproval(ctx context.Context, input Input) (bool, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"ability_name":      input.AbilityName,
		"auto_approve":      input.AutoApprove,
		"policy":            input.Policy,
		"danger_level":      input.DangerLevel,
		"session_consented": input.SessionConsented,
	}))
	if err != nil {
		return true, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return true, nil
	}

	required, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return true, fmt.Errorf("policy returned %T, want bool", results[0].Expressions[0].Value)
	}
	return required, nil
}

// DefaultPolicy is the built-in approval policy. Policies other than
// always, never, ask and session fall through to the default.
const DefaultPolicy = `
package ability_approval

import rego.v1

default require_approval := true

require_approval := false if input.auto_approve

require_approval := false if input.policy == "always"

require_approval := false if {
	input.policy == "session"
	input.session_consented
}
`
