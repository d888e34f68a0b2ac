// Package policy screens the resolved resource list with Rego policies
// before the engine touches the host.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/open-policy-agent/opa/rego"

	"github.com/mariner-sh/mariner/pkg/engine"
	"github.com/mariner-sh/mariner/pkg/telemetry"
)

// Severity classifies how a violation affects the run.
type Severity string

const (
	// SeverityError blocks the run.
	SeverityError Severity = "error"

	// SeverityWarning is reported but does not block.
	SeverityWarning Severity = "warning"
)

// Policy is a named Rego module evaluated against every resource.
type Policy struct {
	Name        string
	Description string
	Severity    Severity
	Enabled     bool
	Rego        string
}

// Violation is a single policy denial.
type Violation struct {
	Policy   string `json:"policy"`
	Resource string `json:"resource"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// Result aggregates the gate outcome. Allowed is false when any violation
// carries error severity.
type Result struct {
	Allowed     bool        `json:"allowed"`
	Violations  []Violation `json:"violations,omitempty"`
	Warnings    []string    `json:"warnings,omitempty"`
	EvaluatedAt time.Time   `json:"evaluated_at"`
}

// ResourceInput is the per-resource document handed to Rego as input.resource.
type ResourceInput struct {
	ID       string   `json:"id"`
	Kind     string   `json:"kind"`
	Name     string   `json:"name"`
	Action   string   `json:"action"`
	Notifies []string `json:"notifies"`
}

// InputsFromResources flattens the engine's resource list into policy inputs.
func InputsFromResources(list []engine.Resource) []ResourceInput {
	inputs := make([]ResourceInput, 0, len(list))
	for _, res := range list {
		id := res.Identity()
		props := res.Common()
		input := ResourceInput{
			ID:     id.String(),
			Kind:   id.Kind,
			Name:   id.Name,
			Action: props.Action,
		}
		for _, note := range props.Notifies {
			input.Notifies = append(input.Notifies, note.Target.String())
		}
		inputs = append(inputs, input)
	}
	return inputs
}

// Gate evaluates policies against resource inputs.
type Gate struct {
	log      *telemetry.Logger
	policies []Policy
}

// NewGate creates a gate preloaded with the built-in policies.
func NewGate(log *telemetry.Logger) *Gate {
	if log == nil {
		log = telemetry.NewTestLogger()
	}
	return &Gate{
		log:      log.NewComponentLogger("policy"),
		policies: builtinPolicies(),
	}
}

// LoadDir loads additional *.rego policies from a directory. File policies
// default to error severity.
func (g *Gate) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read policy directory: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".rego" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read policy %s: %w", entry.Name(), err)
		}
		g.policies = append(g.policies, Policy{
			Name:     strings.TrimSuffix(entry.Name(), ".rego"),
			Severity: SeverityError,
			Enabled:  true,
			Rego:     string(src),
		})
		loaded++
	}

	g.log.WithField("dir", dir).WithField("count", loaded).Debug("Loaded policies")
	return nil
}

// Evaluate runs every enabled policy against every resource input.
func (g *Gate) Evaluate(ctx context.Context, inputs []ResourceInput) (*Result, error) {
	result := &Result{Allowed: true, EvaluatedAt: time.Now()}

	for i := range g.policies {
		pol := &g.policies[i]
		if !pol.Enabled {
			continue
		}
		for j := range inputs {
			violations, err := g.evaluatePolicy(ctx, pol, &inputs[j])
			if err != nil {
				g.log.WithError(err).
					WithField("policy", pol.Name).
					WithField("resource", inputs[j].ID).
					Error("Policy evaluation failed")
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("policy %s evaluation failed: %v", pol.Name, err))
				continue
			}
			result.Violations = append(result.Violations, violations...)
		}
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == string(SeverityError) {
			result.Allowed = false
			break
		}
	}
	return result, nil
}

func (g *Gate) evaluatePolicy(ctx context.Context, pol *Policy, input *ResourceInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", extractPackageName(pol.Rego))

	r := rego.New(
		rego.Module(pol.Name, pol.Rego),
		rego.Query(query),
		rego.Input(map[string]any{"resource": input}),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, res := range results {
		for _, expr := range res.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, makeViolation(pol, input, d))
			}
		}
	}
	return violations, nil
}

func makeViolation(pol *Policy, input *ResourceInput, result any) Violation {
	violation := Violation{
		Policy:   pol.Name,
		Resource: input.ID,
		Severity: string(pol.Severity),
	}
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = sev
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "mariner.policies"
}
