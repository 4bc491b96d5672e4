package routing

import (
	"fmt"
	"strings"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

// Rule maps a model identifier prefix to the stream its family consumes.
type Rule struct {
	Prefix string
	Stream string
}

// Target is one resolved (model, stream) pair of a fan-out.
type Target struct {
	ModelName string
	Stream    string
}

// RoutingError marks a specifier no rule matched. It is per-specifier and
// never aborts the rest of the fan-out.
type RoutingError struct {
	ModelName string
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("no route for model %q", e.ModelName)
}

// Router resolves model specifiers against an ordered rule table,
// first-match-wins. The table is immutable after construction.
type Router struct {
	rules []Rule
}

func NewRouter(rules []Rule) (*Router, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("routing table is empty")
	}
	compiled := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		prefix := strings.ToLower(strings.TrimSpace(rule.Prefix))
		stream := strings.TrimSpace(rule.Stream)
		if prefix == "" || stream == "" {
			return nil, fmt.Errorf("invalid routing rule %q -> %q", rule.Prefix, rule.Stream)
		}
		compiled = append(compiled, Rule{Prefix: prefix, Stream: stream})
	}
	return &Router{rules: compiled}, nil
}

// DefaultRules mirror the deployed model families.
func DefaultRules() []Rule {
	return []Rule{
		{Prefix: "gemini", Stream: "gemini_tasks"},
		{Prefix: "qwen", Stream: "general_tasks"},
		{Prefix: "llama", Stream: "general_tasks"},
		{Prefix: "deepseek", Stream: "deepseek_tasks"},
	}
}

// Resolve maps a single model identifier to its stream.
func (r *Router) Resolve(modelName string) (Target, error) {
	name := strings.TrimSpace(modelName)
	lowered := strings.ToLower(name)
	for _, rule := range r.rules {
		if strings.HasPrefix(lowered, rule.Prefix) {
			return Target{ModelName: name, Stream: rule.Stream}, nil
		}
	}
	return Target{}, &RoutingError{ModelName: name}
}

// ResolveAll splits a raw, possibly comma-separated specifier string into an
// ordered, de-duplicated fan-out. Each unroutable specifier yields a Target
// with an empty Stream paired with its RoutingError; the caller decides what
// to do with it. An empty or whitespace-only specifier string is a
// batch-level validation error.
func (r *Router) ResolveAll(rawSpec string) ([]Target, []error, error) {
	names := make([]string, 0, 4)
	seen := make(map[string]struct{}, 4)
	for _, part := range strings.Split(rawSpec, ",") {
		name := strings.TrimSpace(part)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		names = append(names, name)
	}
	if len(names) == 0 {
		return nil, nil, domain.NewError(domain.CodeValidation, "model is required")
	}

	targets := make([]Target, 0, len(names))
	routeErrs := make([]error, 0)
	for _, name := range names {
		target, err := r.Resolve(name)
		if err != nil {
			targets = append(targets, Target{ModelName: name})
			routeErrs = append(routeErrs, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, routeErrs, nil
}
