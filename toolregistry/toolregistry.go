// Package toolregistry implements ToolRegistry (spec §4.I): a
// read-mostly mapping from tool_name to a structured handler,
// validated against the BinCodec schema/enum registry at
// registration time.
//
// Grounded by analogy on ingress/ingress.go's named-route rule table:
// a static, validated-at-load map from a string key to a routing
// target, generalized from HTTP hostname/path rules to RPC
// service/method targets plus an optional RAG augmentation leg.
package toolregistry

import (
	"fmt"
	"sync"

	"github.com/Intelligent-Intern/quicpro-async-sub000/codec"
	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// McpTarget names the RPC endpoint a tool call dispatches to.
type McpTarget struct {
	Host    string
	Port    int
	Service string
	Method  string
	Options map[string]string
}

// RagConfig is the optional retrieval-augmentation leg spec §4.I
// names on a tool handler.
type RagConfig struct {
	RagTarget          McpTarget
	EnabledParam       string
	RequestSchema      string
	ResponseSchema     string
	ContextOutputField string
	TargetContextField string
	TopicsSource       string
}

// Handler is the structured value spec §4.I registers per tool_name.
type Handler struct {
	McpTarget        McpTarget
	InputSchemaName  string
	OutputSchemaName string
	ParamMap         map[string]string
	OutputMap        map[string]string
	Rag              *RagConfig
}

// Registry is the read-mostly tool_name -> Handler map. Lookup is
// O(1) (spec §4.I); registration is validated against a BinCodec
// codec.Registry and serialized by mu the same way codec.Registry
// itself serializes DefineSchema/DefineEnum.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	schemas  *codec.Registry
}

// New builds an empty ToolRegistry validated against schemas.
func New(schemas *codec.Registry) *Registry {
	return &Registry{handlers: make(map[string]Handler), schemas: schemas}
}

// Register validates that every schema the handler references exists
// in the BinCodec registry and that the mcp_target (and rag_target,
// if present) are well-formed, then registers name. Duplicate names
// fail (spec §4.I).
func (r *Registry) Register(name string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.handlers[name]; dup {
		return errtax.New(errtax.SchemaDuplicate, fmt.Sprintf("tool %q already registered", name))
	}
	if err := validateTarget(h.McpTarget); err != nil {
		return err
	}
	if err := r.requireSchema(h.InputSchemaName); err != nil {
		return err
	}
	if err := r.requireSchema(h.OutputSchemaName); err != nil {
		return err
	}
	if h.Rag != nil {
		if err := validateTarget(h.Rag.RagTarget); err != nil {
			return err
		}
		if err := r.requireSchema(h.Rag.RequestSchema); err != nil {
			return err
		}
		if err := r.requireSchema(h.Rag.ResponseSchema); err != nil {
			return err
		}
	}

	r.handlers[name] = h
	return nil
}

func validateTarget(t McpTarget) error {
	if t.Host == "" || t.Port <= 0 || t.Service == "" || t.Method == "" {
		return errtax.New(errtax.SchemaUndefined, fmt.Sprintf("malformed mcp_target %+v", t))
	}
	return nil
}

func (r *Registry) requireSchema(name string) error {
	if name == "" {
		return nil
	}
	if _, ok := r.schemas.Schema(name); ok {
		return nil
	}
	if _, ok := r.schemas.EnumByName(name); ok {
		return nil
	}
	return errtax.New(errtax.SchemaUndefined, fmt.Sprintf("referenced schema/enum %q not found", name))
}

// Lookup returns the registered handler for name, O(1).
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all currently registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	return out
}
