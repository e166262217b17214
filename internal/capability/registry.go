// Package capability holds the static catalog of operations the gateway
// dispatches: their names, parameter schemas and side-effect annotations.
package capability

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/tidwall/jsonc"

	"github.com/evrydayimruslin/ultralight-sub003/internal/rpcerr"
)

//go:embed catalog.jsonc
var catalogJSONC []byte

// Annotations describe an operation's side effects.
type Annotations struct {
	ReadOnly    bool `json:"readOnly"`
	Destructive bool `json:"destructive"`
	Idempotent  bool `json:"idempotent"`
	OpenWorld   bool `json:"openWorld"`
}

// Operation is one catalog entry.
type Operation struct {
	Name        string          `json:"name"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Annotations Annotations     `json:"annotations"`
	Schema      json.RawMessage `json:"schema"`

	compiled *jsonschema.Schema
}

// Registry is an immutable lookup table of operations.
type Registry struct {
	ops   map[string]*Operation
	order []string
}

// Load parses and compiles the embedded catalog.
func Load() (*Registry, error) {
	return Parse(catalogJSONC)
}

// MustLoad is Load for program start-up.
func MustLoad() *Registry {
	r, err := Load()
	if err != nil {
		panic(err)
	}
	return r
}

// Parse builds a Registry from a JSONC catalog document.
func Parse(data []byte) (*Registry, error) {
	var ops []*Operation
	if err := json.Unmarshal(jsonc.ToJSON(data), &ops); err != nil {
		return nil, fmt.Errorf("Parse: %w", err)
	}

	r := &Registry{ops: make(map[string]*Operation, len(ops))}
	c := jsonschema.NewCompiler()
	for _, op := range ops {
		if op.Name == "" {
			return nil, fmt.Errorf("Parse: operation without a name")
		}
		if _, dup := r.ops[op.Name]; dup {
			return nil, fmt.Errorf("Parse: duplicate operation %q", op.Name)
		}

		var doc any
		if err := json.Unmarshal(op.Schema, &doc); err != nil {
			return nil, fmt.Errorf("Parse: schema for %s: %w", op.Name, err)
		}
		url := op.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("Parse: schema for %s: %w", op.Name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("Parse: compile %s: %w", op.Name, err)
		}
		op.compiled = sch

		r.ops[op.Name] = op
		r.order = append(r.order, op.Name)
	}
	return r, nil
}

// Lookup returns the named operation.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// List returns every operation in catalog order.
func (r *Registry) List() []*Operation {
	out := make([]*Operation, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.ops[name])
	}
	return out
}

// Names returns the sorted operation names.
func (r *Registry) Names() []string {
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}

// Validate checks args against the operation's parameter schema. Failures
// come back as invalid-params errors naming the operation.
func (r *Registry) Validate(name string, args map[string]any) error {
	op, ok := r.ops[name]
	if !ok {
		return rpcerr.NotFound("unknown capability: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	// Round-trip so numbers and nested values have the shapes the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return rpcerr.InvalidParams("%s: arguments are not valid JSON: %v", name, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return rpcerr.InvalidParams("%s: arguments are not valid JSON: %v", name, err)
	}
	if err := op.compiled.Validate(inst); err != nil {
		return rpcerr.InvalidParams("%s: %v", name, err)
	}
	return nil
}

// Tool renders the operation as an MCP tool listing entry.
func (op *Operation) Tool() mcp.Tool {
	return mcp.Tool{
		Name:           op.Name,
		Description:    op.Description,
		RawInputSchema: op.Schema,
		Annotations: mcp.ToolAnnotation{
			Title:           op.Title,
			ReadOnlyHint:    mcp.ToBoolPtr(op.Annotations.ReadOnly),
			DestructiveHint: mcp.ToBoolPtr(op.Annotations.Destructive),
			IdempotentHint:  mcp.ToBoolPtr(op.Annotations.Idempotent),
			OpenWorldHint:   mcp.ToBoolPtr(op.Annotations.OpenWorld),
		},
	}
}

// Tools renders the whole catalog.
func (r *Registry) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.order))
	for _, op := range r.List() {
		out = append(out, op.Tool())
	}
	return out
}
