// Package registry indexes tool definitions by name and exposes the
// read-only lookups the signature, policy, and gateway layers need.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ArgSpec describes one named argument of a tool.
type ArgSpec struct {
	Required bool
	Validate *regexp.Regexp // nil means "any string value is accepted"
	Source   string         // the validator's original regex source, for list_tools
}

// ToolDefinition is an immutable, loaded-at-startup description of one
// tool a backend service exposes through the gateway.
type ToolDefinition struct {
	Name              string
	ServiceName       string
	Description       string
	SignatureTemplate string
	Args              map[string]ArgSpec

	// ArgsSchema is an optional structural layer on top of Args,
	// compiled once at construction, for tools whose arguments are
	// objects or arrays rather than flat scalars.
	ArgsSchema *jsonschema.Schema
}

// Spec is the constructor-time description of a tool, before its
// validators are compiled.
type Spec struct {
	Name              string
	ServiceName       string
	Description       string
	SignatureTemplate string
	Args              map[string]ArgSpecSource
	// ArgsSchemaJSON, if non-empty, is compiled into ArgsSchema.
	ArgsSchemaJSON string
}

// ArgSpecSource is the source form of ArgSpec before regex compilation.
type ArgSpecSource struct {
	Required bool
	Validate string // regex source; empty means "no pattern check"
}

// Registry is an immutable name -> ToolDefinition index.
type Registry struct {
	tools map[string]ToolDefinition
}

// New compiles the given tool specs into an immutable Registry.
// Construction fails if two services declare the same tool name, or if
// a regex/schema fails to compile.
func New(specs []Spec) (*Registry, error) {
	tools := make(map[string]ToolDefinition, len(specs))
	for _, s := range specs {
		if _, exists := tools[s.Name]; exists {
			return nil, fmt.Errorf("registry: duplicate tool name %q", s.Name)
		}

		args := make(map[string]ArgSpec, len(s.Args))
		for name, a := range s.Args {
			spec := ArgSpec{Required: a.Required, Source: a.Validate}
			if a.Validate != "" {
				re, err := regexp.Compile(a.Validate)
				if err != nil {
					return nil, fmt.Errorf("registry: tool %q arg %q: compile validator: %w", s.Name, name, err)
				}
				spec.Validate = re
			}
			args[name] = spec
		}

		def := ToolDefinition{
			Name:              s.Name,
			ServiceName:       s.ServiceName,
			Description:       s.Description,
			SignatureTemplate: s.SignatureTemplate,
			Args:              args,
		}

		if s.ArgsSchemaJSON != "" {
			compiler := jsonschema.NewCompiler()
			resourceName := s.Name + ".schema.json"
			if err := compiler.AddResource(resourceName, strings.NewReader(s.ArgsSchemaJSON)); err != nil {
				return nil, fmt.Errorf("registry: tool %q: add schema resource: %w", s.Name, err)
			}
			schema, err := compiler.Compile(resourceName)
			if err != nil {
				return nil, fmt.Errorf("registry: tool %q: compile schema: %w", s.Name, err)
			}
			def.ArgsSchema = schema
		}

		tools[s.Name] = def
	}

	return &Registry{tools: tools}, nil
}

// GetTool returns the tool definition for name, if known.
func (r *Registry) GetTool(name string) (ToolDefinition, bool) {
	def, ok := r.tools[name]
	return def, ok
}

// GetServiceName returns the owning service for a known tool.
func (r *Registry) GetServiceName(name string) (string, bool) {
	def, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return def.ServiceName, true
}

// RequiredArgs returns the set of required argument names for a tool.
// Unknown tools return an empty set.
func (r *Registry) RequiredArgs(name string) map[string]struct{} {
	out := map[string]struct{}{}
	def, ok := r.tools[name]
	if !ok {
		return out
	}
	for arg, spec := range def.Args {
		if spec.Required {
			out[arg] = struct{}{}
		}
	}
	return out
}

// ArgValidators returns the compiled per-arg validation patterns for a
// tool. Unknown tools return nil.
func (r *Registry) ArgValidators(name string) map[string]*regexp.Regexp {
	def, ok := r.tools[name]
	if !ok {
		return nil
	}
	out := make(map[string]*regexp.Regexp, len(def.Args))
	for arg, spec := range def.Args {
		if spec.Validate != nil {
			out[arg] = spec.Validate
		}
	}
	return out
}

// SignatureParts splits a tool's signature template on the literal
// separator ", " and substitutes each {key} occurrence with
// stringify(args[key]), or the empty string if the key is missing.
// Returns (nil, false) for an unknown tool.
func (r *Registry) SignatureParts(name string, args map[string]any) ([]string, bool) {
	def, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	if def.SignatureTemplate == "" {
		return nil, true
	}

	rawParts := strings.Split(def.SignatureTemplate, ", ")
	parts := make([]string, 0, len(rawParts))
	for _, raw := range rawParts {
		parts = append(parts, substitutePlaceholders(raw, args))
	}
	return parts, true
}

func substitutePlaceholders(template string, args map[string]any) string {
	var out strings.Builder
	for i := 0; i < len(template); {
		if template[i] == '{' {
			if end := strings.IndexByte(template[i:], '}'); end >= 0 {
				key := template[i+1 : i+end]
				out.WriteString(Stringify(args[key]))
				i += end + 1
				continue
			}
		}
		out.WriteByte(template[i])
		i++
	}
	return out.String()
}

// Stringify renders an argument value for signature/display purposes.
func Stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

// ToolNames returns the registry's known tool names, sorted.
func (r *Registry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
