package schemafsm

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/speakeasy-api/openapi/jsonschema/oas3"
	"github.com/speakeasy-api/openapi/sequencedmap"
	"gopkg.in/yaml.v3"

	"github.com/speakeasy-api/fence"
)

// Document is a standalone JSON Schema document: the root schema plus the
// local definitions refs resolve against. Local refs share pointers with
// their targets, so recursive schemas come out as pointer cycles the
// compiler breaks with grammar refs.
type Document struct {
	Root *oas3.Schema

	defs map[string]*oas3.Schema
	refs map[*oas3.Schema]string
}

// LoadSchema parses a standalone JSON Schema document from YAML or JSON
// bytes. Property order follows the document. $defs and definitions are
// collected; $ref nodes pointing at them resolve to shared pointers, and
// anything else becomes a placeholder resolved at compile time through
// Options.ResolveRef.
func LoadSchema(data []byte) (*Document, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schemafsm: parse schema: %w", err)
	}
	root := &doc
	if root.Kind == yaml.DocumentNode {
		if len(root.Content) == 0 {
			return nil, fmt.Errorf("schemafsm: empty schema document")
		}
		root = root.Content[0]
	}

	ld := &loader{
		defs: make(map[string]*oas3.Schema),
		refs: make(map[*oas3.Schema]string),
	}

	// Definition shells first, so refs inside definition bodies can share
	// pointers with targets that are not built yet.
	defsNode := mappingValue(root, "$defs")
	if defsNode == nil {
		defsNode = mappingValue(root, "definitions")
	}
	if defsNode != nil && defsNode.Kind == yaml.MappingNode {
		for i := 0; i+1 < len(defsNode.Content); i += 2 {
			ld.defs[defsNode.Content[i].Value] = &oas3.Schema{}
		}
		for i := 0; i+1 < len(defsNode.Content); i += 2 {
			name := defsNode.Content[i].Value
			if _, err := ld.schema(defsNode.Content[i+1], ld.defs[name]); err != nil {
				return nil, fmt.Errorf("schemafsm: definition %q: %w", name, err)
			}
		}
	}

	rootSchema, err := ld.schema(root, nil)
	if err != nil {
		return nil, fmt.Errorf("schemafsm: root schema: %w", err)
	}
	return &Document{Root: rootSchema, defs: ld.defs, refs: ld.refs}, nil
}

// Def returns a named definition from $defs or definitions.
func (d *Document) Def(name string) (*oas3.Schema, bool) {
	s, ok := d.defs[name]
	return s, ok
}

// Resolver returns a ResolveRef hook resolving local refs against the
// document's definitions.
func (d *Document) Resolver() func(ref string) (*oas3.JSONSchema[oas3.Referenceable], bool) {
	return func(ref string) (*oas3.JSONSchema[oas3.Referenceable], bool) {
		name, ok := localRefName(ref)
		if !ok {
			return nil, false
		}
		s, ok := d.defs[name]
		if !ok {
			return nil, false
		}
		return oas3.NewJSONSchemaFromSchema[oas3.Referenceable](s), true
	}
}

// Compile builds the machine for the document root. Unless overridden, refs
// resolve through the document's own definitions.
func (d *Document) Compile(ctx context.Context, opts Options) (fence.Machine, error) {
	if d == nil || d.Root == nil {
		return nil, ErrNilSchema
	}
	opts = opts.withDefaults()
	if opts.ResolveRef == nil {
		opts.ResolveRef = d.Resolver()
	}
	c := newCompiler(opts)
	c.refOf = d.refs
	return c.root(ctx, d.Root)
}

// CompileFenced is Compile wrapped in a markdown code fence, as
// CompileFenced does for a bare schema.
func (d *Document) CompileFenced(ctx context.Context, tag string, opts Options) (fence.Machine, error) {
	body, err := d.Compile(ctx, opts)
	if err != nil {
		return nil, err
	}
	return fencedMachine(body, tag), nil
}

func localRefName(ref string) (string, bool) {
	for _, prefix := range []string{"#/$defs/", "#/definitions/"} {
		if strings.HasPrefix(ref, prefix) {
			return ref[len(prefix):], true
		}
	}
	return "", false
}

type loader struct {
	defs map[string]*oas3.Schema
	refs map[*oas3.Schema]string
}

// schema builds an oas3.Schema from a YAML node. When into is nil a fresh
// schema is allocated; a non-nil into is filled in place so definition
// shells keep their identity. A $ref node returns the shared target pointer
// when it resolves locally, or a recorded placeholder when it does not.
func (l *loader) schema(node *yaml.Node, into *oas3.Schema) (*oas3.Schema, error) {
	if node.Kind == yaml.ScalarNode && node.Tag == "!!bool" {
		// Boolean schema: true admits anything. false admits nothing and
		// has no generation machine.
		v, _ := strconv.ParseBool(node.Value)
		if !v {
			return nil, fmt.Errorf("boolean schema false is not generatable")
		}
		if into == nil {
			into = &oas3.Schema{}
		}
		return into, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("schema must be a mapping, got %s", nodeKindName(node.Kind))
	}

	if refNode := mappingValue(node, "$ref"); refNode != nil {
		ref := refNode.Value
		if into == nil {
			if name, ok := localRefName(ref); ok {
				if target, ok := l.defs[name]; ok {
					return target, nil
				}
			}
			placeholder := &oas3.Schema{}
			l.refs[placeholder] = ref
			return placeholder, nil
		}
		// A definition whose body is itself a ref: keep the shell and let
		// the compiler chase the ref string.
		l.refs[into] = ref
		return into, nil
	}

	s := into
	if s == nil {
		s = &oas3.Schema{}
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		val := node.Content[i+1]
		if err := l.field(s, key, val); err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
	}
	return s, nil
}

func (l *loader) field(s *oas3.Schema, key string, val *yaml.Node) error {
	switch key {
	case "type":
		return l.typeField(s, val)
	case "enum":
		if val.Kind != yaml.SequenceNode {
			return fmt.Errorf("enum must be a sequence")
		}
		s.Enum = append(s.Enum, val.Content...)
	case "const":
		s.Const = val
	case "properties":
		return l.propertiesField(s, val)
	case "required":
		if val.Kind != yaml.SequenceNode {
			return fmt.Errorf("required must be a sequence")
		}
		for _, n := range val.Content {
			s.Required = append(s.Required, n.Value)
		}
	case "items":
		child, err := l.schema(val, nil)
		if err != nil {
			return err
		}
		s.Items = oas3.NewJSONSchemaFromSchema[oas3.Referenceable](child)
	case "additionalProperties":
		if val.Kind == yaml.ScalarNode && val.Tag == "!!bool" {
			if v, _ := strconv.ParseBool(val.Value); v {
				s.AdditionalProperties = oas3.NewJSONSchemaFromSchema[oas3.Referenceable](&oas3.Schema{})
			}
			// false is the compiler's default stance; nothing to record.
			return nil
		}
		child, err := l.schema(val, nil)
		if err != nil {
			return err
		}
		s.AdditionalProperties = oas3.NewJSONSchemaFromSchema[oas3.Referenceable](child)
	case "anyOf":
		branches, err := l.schemaList(val)
		if err != nil {
			return err
		}
		s.AnyOf = branches
	case "oneOf":
		branches, err := l.schemaList(val)
		if err != nil {
			return err
		}
		s.OneOf = branches
	case "allOf":
		branches, err := l.schemaList(val)
		if err != nil {
			return err
		}
		s.AllOf = branches
	case "format":
		v := val.Value
		s.Format = &v
	case "pattern":
		v := val.Value
		s.Pattern = &v
	case "minLength":
		return setInt(&s.MinLength, val)
	case "maxLength":
		return setInt(&s.MaxLength, val)
	case "minItems":
		return setInt(&s.MinItems, val)
	case "maxItems":
		return setInt(&s.MaxItems, val)
	case "minimum":
		return setFloat(&s.Minimum, val)
	case "maximum":
		return setFloat(&s.Maximum, val)
	case "nullable":
		v, err := strconv.ParseBool(val.Value)
		if err != nil {
			return fmt.Errorf("bad bool %q", val.Value)
		}
		s.Nullable = &v
	case "$defs", "definitions", "$schema", "$id", "title", "description",
		"default", "examples", "deprecated", "readOnly", "writeOnly":
		// Annotations and the definition block handled elsewhere.
	default:
		// Unknown keywords are annotations as far as generation goes.
	}
	return nil
}

// typeField handles both the scalar and the list form. A type list becomes
// anyOf over single-type schemas, which compiles to the same union.
func (l *loader) typeField(s *oas3.Schema, val *yaml.Node) error {
	switch val.Kind {
	case yaml.ScalarNode:
		s.Type = oas3.NewTypeFromString(oas3.SchemaType(val.Value))
		return nil
	case yaml.SequenceNode:
		for _, n := range val.Content {
			branch := &oas3.Schema{Type: oas3.NewTypeFromString(oas3.SchemaType(n.Value))}
			s.AnyOf = append(s.AnyOf, oas3.NewJSONSchemaFromSchema[oas3.Referenceable](branch))
		}
		return nil
	default:
		return fmt.Errorf("type must be a scalar or sequence")
	}
}

func (l *loader) propertiesField(s *oas3.Schema, val *yaml.Node) error {
	if val.Kind != yaml.MappingNode {
		return fmt.Errorf("properties must be a mapping")
	}
	props := sequencedmap.New[string, *oas3.JSONSchema[oas3.Referenceable]]()
	for i := 0; i+1 < len(val.Content); i += 2 {
		key := val.Content[i].Value
		child, err := l.schema(val.Content[i+1], nil)
		if err != nil {
			return fmt.Errorf("%q: %w", key, err)
		}
		props.Set(key, oas3.NewJSONSchemaFromSchema[oas3.Referenceable](child))
	}
	s.Properties = props
	return nil
}

func (l *loader) schemaList(val *yaml.Node) ([]*oas3.JSONSchema[oas3.Referenceable], error) {
	if val.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("expected a sequence of schemas")
	}
	out := make([]*oas3.JSONSchema[oas3.Referenceable], 0, len(val.Content))
	for i, n := range val.Content {
		child, err := l.schema(n, nil)
		if err != nil {
			return nil, fmt.Errorf("branch %d: %w", i, err)
		}
		out = append(out, oas3.NewJSONSchemaFromSchema[oas3.Referenceable](child))
	}
	return out, nil
}

func setInt(dst **int64, val *yaml.Node) error {
	n, err := strconv.ParseInt(val.Value, 10, 64)
	if err != nil {
		return fmt.Errorf("bad integer %q", val.Value)
	}
	*dst = &n
	return nil
}

func setFloat(dst **float64, val *yaml.Node) error {
	f, err := strconv.ParseFloat(val.Value, 64)
	if err != nil {
		return fmt.Errorf("bad number %q", val.Value)
	}
	*dst = &f
	return nil
}

// mappingValue returns the value node for key in a mapping node, or nil.
func mappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

func nodeKindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	default:
		return "unknown"
	}
}
