// Package policy maps (tool, args) pairs to an allow/deny/ask decision
// using ordered shell-glob rules evaluated against a deterministic
// signature string.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"

	"github.com/TorbenWetter/wachtor/internal/registry"
	"github.com/TorbenWetter/wachtor/internal/signature"
)

// Decision is the outcome of evaluating a tool request against policy.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Rule is one glob pattern mapped to an action.
type Rule struct {
	Pattern string
	Action  Decision
}

// Rules is an immutable, hot-swappable snapshot of the policy rule set.
type Rules struct {
	Explicit []Rule // scanned three times, once per action priority
	Defaults []Rule // scanned once, first match wins
}

// Result carries the decision plus the signature it was computed
// against, for audit logging.
type Result struct {
	Decision  Decision
	Signature string
}

// Engine evaluates (tool, args) against a Rules snapshot and the
// shared tool registry.
type Engine struct {
	registry *registry.Registry
	rules    atomicRules
}

// NewEngine constructs a policy Engine bound to a tool registry and an
// initial rule set.
func NewEngine(reg *registry.Registry, initial Rules) *Engine {
	e := &Engine{registry: reg}
	e.rules.Store(&initial)
	return e
}

// SetRules atomically swaps in a new rule set. In-flight Evaluate
// calls that already loaded the previous snapshot are unaffected.
func (e *Engine) SetRules(rules Rules) {
	e.rules.Store(&rules)
}

// RulesHash returns a content hash of the currently loaded rule set,
// so the operator HTTP surface can report whether a reload actually
// changed anything without echoing the rules themselves.
func (e *Engine) RulesHash() string {
	rules := e.rules.Load()
	sum := sha256.New()
	for _, r := range rules.Explicit {
		fmt.Fprintf(sum, "explicit:%s:%s\n", r.Pattern, r.Action)
	}
	for _, r := range rules.Defaults {
		fmt.Fprintf(sum, "default:%s:%s\n", r.Pattern, r.Action)
	}
	return hex.EncodeToString(sum.Sum(nil))[:16]
}

// Evaluate builds the canonical signature for (toolName, args) via the
// signature package, then decides ALLOW/DENY/ASK against the current
// rule snapshot. Validation errors from signature construction are
// propagated unchanged.
func (e *Engine) Evaluate(toolName string, args map[string]any) (Result, error) {
	sig, err := signature.Build(e.registry, toolName, args)
	if err != nil {
		return Result{}, err
	}

	rules := e.rules.Load()

	// path.Match, unlike fnmatch, stops a "*" at a "/" boundary. Every
	// signature today is a flat "tool(args)" string with no slashes, so
	// this is moot, but a future signature containing a path-shaped arg
	// would need a rule split across segments to match what fnmatch
	// would match in one glob.

	// Explicit rules pass: deny beats allow beats ask, regardless of
	// rule order in the file.
	for _, action := range [3]Decision{Deny, Allow, Ask} {
		for _, rule := range rules.Explicit {
			if rule.Action != action {
				continue
			}
			matched, err := path.Match(rule.Pattern, sig)
			if err != nil {
				return Result{}, fmt.Errorf("policy: bad glob pattern %q: %w", rule.Pattern, err)
			}
			if matched {
				return Result{Decision: action, Signature: sig}, nil
			}
		}
	}

	// Defaults pass: first match wins.
	for _, rule := range rules.Defaults {
		matched, err := path.Match(rule.Pattern, sig)
		if err != nil {
			return Result{}, fmt.Errorf("policy: bad glob pattern %q: %w", rule.Pattern, err)
		}
		if matched {
			return Result{Decision: rule.Action, Signature: sig}, nil
		}
	}

	// Global fallback.
	return Result{Decision: Ask, Signature: sig}, nil
}
