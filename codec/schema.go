package codec

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Intelligent-Intern/quicpro-async-sub000/errtax"
)

// Flags are the FieldDef flags spec §3 names. Required/Optional/
// Repeated are mutually exclusive presence modes; Packed and
// Deprecated are independent bits.
type Flags uint8

const (
	Optional Flags = 1 << iota
	Required
	Repeated
	Packed
	Deprecated
)

// FieldDef mirrors spec §3's FieldDef verbatim.
type FieldDef struct {
	Name       string
	Tag        uint32
	Base       BaseType
	Flags      Flags
	Default    interface{}
	RefName    string // referenced schema/enum name, resolved at define-time
	JSONName   string

	wire WireType
	ref  interface{} // resolved *Schema or *Enum, filled at define-time
}

func (f FieldDef) IsRequired() bool { return f.Flags&Required != 0 }
func (f FieldDef) IsRepeated() bool { return f.Flags&Repeated != 0 }
func (f FieldDef) IsPacked() bool   { return f.Flags&Packed != 0 }

// Schema is a compiled schema: an ordered field list plus O(1) lookup
// by tag and by name (spec §3 SchemaRegistry).
type Schema struct {
	Name   string
	fields []*FieldDef
	byTag  map[uint32]*FieldDef
	byName map[string]*FieldDef
}

// Fields returns the field list in ascending tag order.
func (s *Schema) Fields() []*FieldDef { return s.fields }

// FieldByTag looks up a field by wire tag.
func (s *Schema) FieldByTag(tag uint32) (*FieldDef, bool) {
	f, ok := s.byTag[tag]
	return f, ok
}

// FieldByName looks up a field by its schema name.
func (s *Schema) FieldByName(name string) (*FieldDef, bool) {
	f, ok := s.byName[name]
	return f, ok
}

// Enum is a compiled enum: value-by-name and name-by-value (spec §3
// EnumRegistry).
type Enum struct {
	Name       string
	byName     map[string]int32
	byNumber   map[int32]string
}

func (e *Enum) ValueOf(name string) (int32, bool) {
	v, ok := e.byName[name]
	return v, ok
}

func (e *Enum) NameOf(value int32) (string, bool) {
	n, ok := e.byNumber[value]
	return n, ok
}

// Registry holds both the SchemaRegistry and EnumRegistry, sharing a
// single namespace as spec §3 requires. It is built once during
// process init and treated as immutable thereafter; concurrent callers
// during that init window are serialized by mu, matching the spec's
// "concurrent writers must be serialized externally" note applied
// defensively.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
	enums   map[string]*Enum
}

// NewRegistry returns an empty, namespace-sharing registry.
func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]*Schema),
		enums:   make(map[string]*Enum),
	}
}

// DefineEnum validates uniqueness of names and numbers within the
// enum, and global uniqueness of the enum's own name across both
// registries, then registers it.
func (r *Registry) DefineEnum(name string, values map[string]int32) (*Enum, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nameTakenLocked(name) {
		return nil, errtax.New(errtax.SchemaDuplicate, fmt.Sprintf("name %q already registered", name))
	}

	byName := make(map[string]int32, len(values))
	byNumber := make(map[int32]string, len(values))
	for n, v := range values {
		if _, dup := byNumber[v]; dup {
			return nil, errtax.New(errtax.SchemaDuplicate, fmt.Sprintf("enum %q: duplicate number %d", name, v))
		}
		byName[n] = v
		byNumber[v] = n
	}

	e := &Enum{Name: name, byName: byName, byNumber: byNumber}
	r.enums[name] = e
	return e, nil
}

// DefineSchema validates tag>0 and uniqueness per schema, resolves
// referenced schema/enum names at definition time (not decode time,
// so cyclic references just work, spec §9), type-checks default
// values, derives the wire type, and registers the schema.
func (r *Registry) DefineSchema(name string, fields []FieldDef) (*Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.nameTakenLocked(name) {
		return nil, errtax.New(errtax.SchemaDuplicate, fmt.Sprintf("name %q already registered", name))
	}

	byTag := make(map[uint32]*FieldDef, len(fields))
	byName := make(map[string]*FieldDef, len(fields))
	out := make([]*FieldDef, 0, len(fields))

	for i := range fields {
		f := fields[i]
		if f.Tag == 0 {
			return nil, errtax.New(errtax.TagDuplicate, fmt.Sprintf("schema %q: field %q has tag 0", name, f.Name))
		}
		if _, dup := byTag[f.Tag]; dup {
			return nil, errtax.New(errtax.TagDuplicate, fmt.Sprintf("schema %q: duplicate tag %d", name, f.Tag))
		}
		if _, dup := byName[f.Name]; dup {
			return nil, errtax.New(errtax.SchemaDuplicate, fmt.Sprintf("schema %q: duplicate field name %q", name, f.Name))
		}

		if f.Base == TypeMessage || f.Base == TypeEnum {
			if f.RefName == "" {
				return nil, errtax.New(errtax.SchemaUndefined, fmt.Sprintf("schema %q: field %q missing reference name", name, f.Name))
			}
			if f.Base == TypeMessage {
				// may be a forward/self reference; resolve lazily below
			} else {
				en, ok := r.enums[f.RefName]
				if !ok && f.RefName != name {
					return nil, errtax.New(errtax.SchemaUndefined, fmt.Sprintf("schema %q: field %q references undefined enum %q", name, f.Name, f.RefName))
				}
				f.ref = en
			}
		}

		if f.IsRepeated() && IsNumeric(f.Base) && !(f.Flags&Packed != 0) && !(f.Flags&Deprecated != 0) {
			// numeric repeated fields default to packed=true in new schemas
			f.Flags |= Packed
		}
		f.wire = WireTypeOf(f.Base, f.IsPacked() && f.IsRepeated())

		if err := checkDefault(name, f); err != nil {
			return nil, err
		}

		fp := f
		byTag[fp.Tag] = &fp
		byName[fp.Name] = &fp
		out = append(out, &fp)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })

	s := &Schema{Name: name, fields: out, byTag: byTag, byName: byName}
	r.schemas[name] = s

	// Resolve message references now that s is registered, including
	// self-references; other forward references resolve once their
	// target is later defined, via ResolveMessageRefs.
	for _, f := range out {
		if f.Base == TypeMessage {
			if target, ok := r.schemas[f.RefName]; ok {
				f.ref = target
			}
		}
	}

	return s, nil
}

// ResolveMessageRefs re-resolves any message field whose RefName was
// defined after the referencing schema (mutual/forward references).
// Callers that register schemas in dependency order never need this;
// it exists for schemas registered out of order.
func (r *Registry) ResolveMessageRefs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schemas {
		for _, f := range s.fields {
			if f.Base == TypeMessage && f.ref == nil {
				if target, ok := r.schemas[f.RefName]; ok {
					f.ref = target
				}
			}
		}
	}
}

func (r *Registry) nameTakenLocked(name string) bool {
	if _, ok := r.schemas[name]; ok {
		return true
	}
	if _, ok := r.enums[name]; ok {
		return true
	}
	return false
}

// Schema looks up a registered schema by name.
func (r *Registry) Schema(name string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}

// EnumByName looks up a registered enum by name.
func (r *Registry) EnumByName(name string) (*Enum, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enums[name]
	return e, ok
}

func checkDefault(schemaName string, f FieldDef) error {
	if f.Default == nil {
		return nil
	}
	switch f.Base {
	case TypeEnum:
		switch d := f.Default.(type) {
		case string:
			en, _ := f.ref.(*Enum)
			if en != nil {
				if _, ok := en.ValueOf(d); !ok {
					return errtax.New(errtax.SchemaUndefined, fmt.Sprintf("schema %q: field %q default %q not in enum %q", schemaName, f.Name, d, f.RefName))
				}
			}
		case int32:
		default:
			return errtax.New(errtax.SchemaUndefined, fmt.Sprintf("schema %q: field %q enum default has wrong type", schemaName, f.Name))
		}
	case TypeMessage:
		return errtax.New(errtax.SchemaUndefined, fmt.Sprintf("schema %q: field %q message fields cannot have a default", schemaName, f.Name))
	}
	return nil
}
