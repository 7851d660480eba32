// Package policy evaluates the dispatch policy applied to every stack run before
// it is handed to a capability or a nested task.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/open-policy-agent/opa/rego"
)

// Decision values returned by the policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// Input is the document the policy is evaluated against.
type Input struct {
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Args      json.RawMessage `json:"args,omitempty"`
	Depth     int             `json:"depth"`
	TaskName  string          `json:"task_name"`
	TaskRunID string          `json:"task_run_id"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Decision string
	Reason   string
}

// Allowed reports whether the call may be dispatched.
func (d Decision) Allowed() bool {
	return d.Decision != DecisionBlock
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("decision = data.dispatch_policy.decision; reason = data.dispatch_policy.reason"),
		rego.Module("dispatch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// LoadEngine builds an engine from the policy file at path, or from DefaultPolicy
// when path is empty.
func LoadEngine(ctx context.Context, path string) (*Engine, error) {
	if path == "" {
		return NewEngine(ctx, DefaultPolicy)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy %s: %w", path, err)
	}
	return NewEngine(ctx, string(content))
}

// Evaluate checks whether a call may be dispatched.
func (e *Engine) Evaluate(ctx context.Context, in Input) (Decision, error) {
	var args interface{}
	if len(in.Args) > 0 {
		if err := json.Unmarshal(in.Args, &args); err != nil {
			return Decision{}, fmt.Errorf("failed to decode args: %w", err)
		}
	}
	doc := map[string]interface{}{
		"service":     in.Service,
		"method":      in.Method,
		"args":        args,
		"depth":       in.Depth,
		"task_name":   in.TaskName,
		"task_run_id": in.TaskRunID,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 {
		// The policy defines defaults, so an undefined result means a broken policy.
		return Decision{}, fmt.Errorf("policy produced no decision")
	}

	decision, _ := results[0].Bindings["decision"].(string)
	reason, _ := results[0].Bindings["reason"].(string)
	if decision == "" {
		return Decision{}, fmt.Errorf("policy decision has unexpected type %T", results[0].Bindings["decision"])
	}
	return Decision{Decision: decision, Reason: reason}, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package dispatch_policy

default decision = "allow"
default reason = ""

max_depth = 8

# Stop runaway recursion through nested task calls.
decision = "block" {
	input.service == "task"
	input.depth >= max_depth
}

reason = "nested task depth limit reached" {
	input.service == "task"
	input.depth >= max_depth
}
`
