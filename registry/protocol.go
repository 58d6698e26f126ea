// Package registry maintains the protocol catalog and the provider sessions
// that implement protocol methods, and selects a session for each dispatch.
// Session health follows a circuit breaker: consecutive failures open the
// breaker and exclude the session from selection for a cooldown window.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// MethodSpec describes one operation of a protocol.
type MethodSpec struct {
	// Description is shown in status output.
	Description string `json:"description,omitempty"`

	// ParamsSchema is a JSON Schema for the dispatch params. Empty means any
	// object is accepted.
	ParamsSchema json.RawMessage `json:"params_schema,omitempty"`

	// ResultSchema documents the result shape. Informational; results are
	// not validated on the return path.
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`
}

// Protocol is a named, versioned catalogue of methods.
type Protocol struct {
	// Name is the protocol family, e.g. "llm".
	Name string `json:"name"`

	// Version is the major version tag, e.g. "v1".
	Version string `json:"version"`

	// Methods maps method names to their specs.
	Methods map[string]MethodSpec `json:"methods"`

	// OpenWorld permits providers to advertise methods absent from Methods.
	// Open-world methods skip params validation.
	OpenWorld bool `json:"open_world,omitempty"`
}

// ID returns the protocol identifier, "name/version".
func (p *Protocol) ID() string {
	return p.Name + "/" + p.Version
}

// Validate checks the protocol definition.
func (p *Protocol) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("protocol name must not be empty")
	}
	if p.Version == "" {
		return fmt.Errorf("protocol %q version must not be empty", p.Name)
	}
	if strings.Contains(p.Name, "/") {
		return fmt.Errorf("protocol name %q must not contain '/'", p.Name)
	}
	if len(p.Methods) == 0 && !p.OpenWorld {
		return fmt.Errorf("protocol %s defines no methods and is not open-world", p.ID())
	}
	for name := range p.Methods {
		if name == "" {
			return fmt.Errorf("protocol %s has an empty method name", p.ID())
		}
	}
	return nil
}

// equal reports whether two protocol definitions are interchangeable.
// Registration is idempotent for equal definitions and rejected otherwise.
func (p *Protocol) equal(other *Protocol) bool {
	if p.ID() != other.ID() || p.OpenWorld != other.OpenWorld || len(p.Methods) != len(other.Methods) {
		return false
	}
	for name, spec := range p.Methods {
		otherSpec, ok := other.Methods[name]
		if !ok {
			return false
		}
		if !bytes.Equal(spec.ParamsSchema, otherSpec.ParamsSchema) ||
			!bytes.Equal(spec.ResultSchema, otherSpec.ResultSchema) {
			return false
		}
	}
	return true
}

// ParseProtocolID splits "name/version".
func ParseProtocolID(id string) (name, version string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid protocol id %q, want name/version", id)
	}
	return parts[0], parts[1], nil
}

// compileMethodSchemas compiles every method's params schema at registration
// so dispatch-time validation is a pure lookup.
func compileMethodSchemas(p *Protocol) (map[string]*jsonschema.Schema, error) {
	compiled := make(map[string]*jsonschema.Schema, len(p.Methods))
	for name, spec := range p.Methods {
		if len(spec.ParamsSchema) == 0 {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(spec.ParamsSchema))
		if err != nil {
			return nil, fmt.Errorf("method %s/%s params schema: %w", p.ID(), name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := fmt.Sprintf("gleitzeit://%s/%s/params.json", p.ID(), name)
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("method %s/%s params schema: %w", p.ID(), name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("method %s/%s params schema: %w", p.ID(), name, err)
		}
		compiled[name] = schema
	}
	return compiled, nil
}
