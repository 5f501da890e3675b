// Package signature implements the pure-function validation and
// signature-construction pipeline shared by the policy engine and the
// gateway's tool_request handler.
package signature

import (
	"fmt"
	"sort"
	"strings"

	"github.com/TorbenWetter/wachtor/internal/registry"
)

// ValidationError reports why a (tool, args) pair was rejected before
// a signature could be constructed.
type ValidationError struct {
	Arg     string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Arg == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Message, e.Arg)
}

func forbiddenErr(arg string) *ValidationError {
	return &ValidationError{Arg: arg, Message: "forbidden character in arg value"}
}

func missingErr(arg string) *ValidationError {
	return &ValidationError{Arg: arg, Message: "missing required arg"}
}

func invalidErr(arg string) *ValidationError {
	return &ValidationError{Arg: arg, Message: "invalid value for arg"}
}

// CheckForbiddenCharacters rejects any string-valued arg that contains
// a glob metacharacter or a C0 control byte. Non-string values are
// exempt. These characters are forbidden so that policy-authored glob
// patterns against a rendered signature can never be spoofed by
// crafted argument content.
func CheckForbiddenCharacters(args map[string]any) error {
	for name, value := range args {
		s, ok := value.(string)
		if !ok {
			continue
		}
		for i := 0; i < len(s); i++ {
			c := s[i]
			if c <= 0x1f || strings.IndexByte(`*?[](),`, c) >= 0 {
				return forbiddenErr(name)
			}
		}
	}
	return nil
}

// Validate runs the tool-aware validation pass: required-arg presence,
// then per-arg regex patterns from the registry. When reg is nil, only
// the forbidden-character check applies (callers for unknown tools).
func Validate(reg *registry.Registry, toolName string, args map[string]any) error {
	if err := CheckForbiddenCharacters(args); err != nil {
		return err
	}
	if reg == nil {
		return nil
	}

	for arg := range reg.RequiredArgs(toolName) {
		if _, present := args[arg]; !present {
			return missingErr(arg)
		}
	}

	for arg, pattern := range reg.ArgValidators(toolName) {
		value, present := args[arg]
		if !present {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		if !pattern.MatchString(s) {
			return invalidErr(arg)
		}
	}

	if def, ok := reg.GetTool(toolName); ok && def.ArgsSchema != nil {
		if err := def.ArgsSchema.Validate(map[string]any(args)); err != nil {
			return &ValidationError{Message: fmt.Sprintf("invalid value: %v", err)}
		}
	}

	return nil
}

// Build runs the validator pass and, on success, constructs the
// deterministic signature string for (toolName, args). When the
// registry knows the tool, the signature is built from its signature
// template's parts; otherwise it falls back to lexicographically
// sorted arg keys.
func Build(reg *registry.Registry, toolName string, args map[string]any) (string, error) {
	if err := Validate(reg, toolName, args); err != nil {
		return "", err
	}

	var parts []string
	if reg != nil {
		if p, ok := reg.SignatureParts(toolName, args); ok {
			parts = p
		} else {
			parts = fallbackParts(args)
		}
	} else {
		parts = fallbackParts(args)
	}

	if len(parts) == 0 {
		return toolName, nil
	}
	return toolName + "(" + strings.Join(parts, ", ") + ")", nil
}

func fallbackParts(args map[string]any) []string {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, registry.Stringify(args[k]))
	}
	return parts
}
