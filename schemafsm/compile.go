// Package schemafsm compiles JSON Schema documents into fence machines. The
// resulting graphs admit exactly the texts valid under the schema's
// structural constraints, so a generation engine can mask token choices
// against them. Facets a state machine cannot express, like numeric bounds
// or regex patterns, are left to post-decode validation.
package schemafsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/speakeasy-api/openapi/jsonschema/oas3"
	"github.com/speakeasy-api/openapi/sequencedmap"
	"gopkg.in/yaml.v3"

	"github.com/speakeasy-api/fence"
)

var (
	// ErrNilSchema is returned when Compile receives no schema.
	ErrNilSchema = errors.New("schemafsm: schema is nil")
	// ErrMaxDepth is returned when schema nesting exceeds Options.MaxDepth.
	ErrMaxDepth = errors.New("schemafsm: max schema depth exceeded")
	// ErrMaxRefDepth is returned when reference chains exceed
	// Options.MaxRefDepth.
	ErrMaxRefDepth = errors.New("schemafsm: max ref depth exceeded")
	// ErrEmptyEnum is returned for an enum with no usable values.
	ErrEmptyEnum = errors.New("schemafsm: enum has no values")
)

// Logger receives compiler diagnostics. Any logger with printf-style level
// methods satisfies it.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

// Options configures schema compilation.
type Options struct {
	// MaxDepth bounds schema nesting during the walk (default: 32).
	MaxDepth int

	// WhitespaceMax bounds each run of JSON whitespace the machine will
	// admit between tokens (default: 16).
	WhitespaceMax int

	// ResolveRef returns the JSONSchema node targeted by the given ref
	// string (e.g., "#/$defs/Foo"). If unset, unresolved refs widen to an
	// unconstrained value.
	ResolveRef func(ref string) (*oas3.JSONSchema[oas3.Referenceable], bool)

	// MaxRefDepth bounds dereference chains (default: 16).
	MaxRefDepth int

	// Log receives diagnostics. Nil means silent.
	Log Logger
}

// DefaultOptions returns the default compiler configuration.
func DefaultOptions() Options {
	return Options{
		MaxDepth:      32,
		WhitespaceMax: 16,
		ResolveRef:    nil, // supplied by caller (e.g., a loaded Document)
		MaxRefDepth:   16,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxDepth <= 0 {
		o.MaxDepth = def.MaxDepth
	}
	if o.WhitespaceMax <= 0 {
		o.WhitespaceMax = def.WhitespaceMax
	}
	if o.MaxRefDepth <= 0 {
		o.MaxRefDepth = def.MaxRefDepth
	}
	if o.Log == nil {
		o.Log = noopLogger{}
	}
	return o
}

// Compile builds a fence machine admitting exactly the JSON texts valid
// under schema. Property order, required sets, enum values, and declared
// types all constrain the graph; numeric bounds and patterns do not and are
// validated after decoding instead.
func Compile(ctx context.Context, schema *oas3.Schema, opts Options) (fence.Machine, error) {
	if schema == nil {
		return nil, ErrNilSchema
	}
	c := newCompiler(opts)
	return c.root(ctx, schema)
}

// CompileFenced wraps the compiled schema machine in a markdown code fence
// with the given tag. Text before the opening fence is unconstrained; the
// machine accepts immediately after the closing fence. The payload carries
// the "payload" ident so segmentation can recover it.
func CompileFenced(ctx context.Context, schema *oas3.Schema, tag string, opts Options) (fence.Machine, error) {
	body, err := Compile(ctx, schema, opts)
	if err != nil {
		return nil, err
	}
	return fencedMachine(body, tag), nil
}

func fencedMachine(body fence.Machine, tag string) fence.Machine {
	open := "```" + tag + "\n"
	return fence.Sequence(
		fence.SkipUntil(fence.Literal(open), fence.WithIdent("preamble")),
		body.With(fence.WithIdent("payload")),
		fence.Literal("\n```"),
	)
}

// compiler walks one schema tree. Recursion is broken by naming every
// schema in a grammar arena on entry: re-encountering the same schema
// pointer yields a late-bound ref instead of infinite descent.
type compiler struct {
	opts    Options
	log     Logger
	ws      fence.Machine
	grammar *fence.Grammar

	names   map[*oas3.Schema]string
	nameSeq int

	// refOf maps placeholder schemas to the ref string they stand for.
	// Populated by Document.Compile; empty for plain Compile calls.
	refOf    map[*oas3.Schema]string
	refDepth int
}

func newCompiler(opts Options) *compiler {
	opts = opts.withDefaults()
	return &compiler{
		opts:    opts,
		log:     opts.Log,
		ws:      Whitespace(opts.WhitespaceMax),
		grammar: fence.NewGrammar(),
		names:   make(map[*oas3.Schema]string),
	}
}

func (c *compiler) root(ctx context.Context, schema *oas3.Schema) (fence.Machine, error) {
	m, err := c.compile(ctx, schema, 0)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (c *compiler) compile(ctx context.Context, s *oas3.Schema, depth int) (fence.Machine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if depth > c.opts.MaxDepth {
		return nil, fmt.Errorf("%w (%d)", ErrMaxDepth, c.opts.MaxDepth)
	}
	if s == nil {
		// Absent schema constrains nothing.
		return AnyValue(c.opts.WhitespaceMax), nil
	}

	if ref, ok := c.refOf[s]; ok {
		return c.compileRef(ctx, ref, depth)
	}

	// Same schema seen again on this walk: late-bound grammar ref, defined
	// when the first visit finishes.
	if name, ok := c.names[s]; ok {
		return c.grammar.Ref(name), nil
	}
	name := fmt.Sprintf("schema.%d", c.nameSeq)
	c.nameSeq++
	c.names[s] = name

	m, err := c.compileBody(ctx, s, depth)
	if err != nil {
		return nil, err
	}
	if s.Nullable != nil && *s.Nullable {
		m = fence.Union(m, NullValue())
	}
	if err := c.grammar.Define(name, m); err != nil {
		return nil, fmt.Errorf("schemafsm: define %s: %w", name, err)
	}
	return m, nil
}

// compileBody dispatches on the schema's constraining facet. Enum and const
// pin the exact text; combinators recurse; otherwise the declared type rules.
func (c *compiler) compileBody(ctx context.Context, s *oas3.Schema, depth int) (fence.Machine, error) {
	if len(s.Enum) > 0 {
		return c.enumMachine(s)
	}
	if s.Const != nil {
		text, err := jsonLiteral(s.Const)
		if err != nil {
			return nil, fmt.Errorf("schemafsm: const: %w", err)
		}
		return fence.Literal(text), nil
	}
	if len(s.AnyOf) > 0 {
		return c.unionMachine(ctx, s.AnyOf, depth)
	}
	if len(s.OneOf) > 0 {
		// Exclusivity is a validation concern; for generation every branch
		// is admissible.
		return c.unionMachine(ctx, s.OneOf, depth)
	}
	if len(s.AllOf) > 0 {
		merged, err := c.mergeAllOf(s)
		if err != nil {
			return nil, err
		}
		return c.compileBody(ctx, merged, depth)
	}

	types := s.GetType()
	if len(types) == 0 {
		return c.compileUntyped(ctx, s, depth)
	}
	if len(types) == 1 {
		return c.compileType(ctx, s, string(types[0]), depth)
	}
	alts := make([]fence.Machine, 0, len(types))
	for _, t := range types {
		m, err := c.compileType(ctx, s, string(t), depth)
		if err != nil {
			return nil, err
		}
		alts = append(alts, m)
	}
	return fence.Union(alts...), nil
}

// compileUntyped infers a shape for schemas without a type keyword:
// properties imply object, items imply array, otherwise any value.
func (c *compiler) compileUntyped(ctx context.Context, s *oas3.Schema, depth int) (fence.Machine, error) {
	if s.Properties != nil && s.Properties.Len() > 0 {
		return c.objectMachine(ctx, s, depth)
	}
	if s.Items != nil {
		return c.arrayMachine(ctx, s, depth)
	}
	c.log.Debugf("untyped schema widened to any value")
	return AnyValue(c.opts.WhitespaceMax), nil
}

func (c *compiler) compileType(ctx context.Context, s *oas3.Schema, typ string, depth int) (fence.Machine, error) {
	switch typ {
	case string(oas3.SchemaTypeString):
		return c.stringMachine(s)
	case string(oas3.SchemaTypeNumber):
		c.warnBounds(s, "number")
		return NumberValue(), nil
	case string(oas3.SchemaTypeInteger):
		c.warnBounds(s, "integer")
		return IntegerValue(), nil
	case string(oas3.SchemaTypeBoolean):
		return BooleanValue(), nil
	case string(oas3.SchemaTypeNull):
		return NullValue(), nil
	case string(oas3.SchemaTypeArray):
		return c.arrayMachine(ctx, s, depth)
	case string(oas3.SchemaTypeObject):
		return c.objectMachine(ctx, s, depth)
	default:
		c.log.Warnf("unknown type %q widened to any value", typ)
		return AnyValue(c.opts.WhitespaceMax), nil
	}
}

func (c *compiler) stringMachine(s *oas3.Schema) (fence.Machine, error) {
	if s.Format != nil && *s.Format != "" {
		if fm, ok := formatMachine(*s.Format); ok {
			return fence.Sequence(fence.Literal(`"`), fm, fence.Literal(`"`)), nil
		}
		c.log.Warnf("format %q has no machine, using plain string", *s.Format)
	}
	if s.Pattern != nil && *s.Pattern != "" {
		c.log.Warnf("pattern %q not compiled, validate after decoding", *s.Pattern)
	}
	min, max := 0, 0
	if s.MinLength != nil {
		min = int(*s.MinLength)
	}
	if s.MaxLength != nil {
		max = int(*s.MaxLength)
	}
	if s.MaxLength != nil && max == 0 {
		if min > 0 {
			return nil, fmt.Errorf("schemafsm: bad string length bounds [%d, 0]", min)
		}
		return fence.Literal(`""`), nil
	}
	if min < 0 || (max > 0 && max < min) {
		return nil, fmt.Errorf("schemafsm: bad string length bounds [%d, %d]", min, max)
	}
	return StringValue(min, max), nil
}

func (c *compiler) warnBounds(s *oas3.Schema, typ string) {
	if s.Minimum != nil || s.Maximum != nil {
		c.log.Debugf("%s bounds not compiled, validate after decoding", typ)
	}
}

func (c *compiler) arrayMachine(ctx context.Context, s *oas3.Schema, depth int) (fence.Machine, error) {
	var item fence.Machine
	if itemSchema, ok := derefSchema(s.Items); ok {
		m, err := c.compile(ctx, itemSchema, depth+1)
		if err != nil {
			return nil, err
		}
		item = m
	} else {
		if s.Items != nil {
			c.log.Warnf("unresolved array items widened to any value")
		}
		item = AnyValue(c.opts.WhitespaceMax)
	}
	min, max := 0, 0
	if s.MinItems != nil {
		min = int(*s.MinItems)
	}
	if s.MaxItems != nil {
		max = int(*s.MaxItems)
	}
	if s.MaxItems != nil && max == 0 {
		if min > 0 {
			return nil, fmt.Errorf("schemafsm: bad array item bounds [%d, 0]", min)
		}
		return fence.Sequence(fence.Literal("["), c.ws, fence.Literal("]")), nil
	}
	if min < 0 || (max > 0 && max < min) {
		return nil, fmt.Errorf("schemafsm: bad array item bounds [%d, %d]", min, max)
	}
	return arrayOf(item, c.ws, min, max), nil
}

// objectMachine builds the declared-property object graph. Properties keep
// declaration order; optional ones may be skipped; a comma appears exactly
// between emitted members, so no alternative can produce a trailing comma.
// Only declared properties are generatable, except for the bare free-form
// case with an explicit additionalProperties schema.
func (c *compiler) objectMachine(ctx context.Context, s *oas3.Schema, depth int) (fence.Machine, error) {
	type prop struct {
		key      string
		required bool
		pair     fence.Machine
	}

	required := make(map[string]bool, len(s.Required))
	for _, k := range s.Required {
		required[k] = true
	}

	var props []prop
	if s.Properties != nil {
		for key, js := range s.Properties.All() {
			propSchema, ok := derefSchema(js)
			var valM fence.Machine
			if ok {
				m, err := c.compile(ctx, propSchema, depth+1)
				if err != nil {
					return nil, fmt.Errorf("property %q: %w", key, err)
				}
				valM = m
			} else if ref, found := c.refTarget(js); found {
				m, err := c.compileRef(ctx, ref, depth+1)
				if err != nil {
					return nil, fmt.Errorf("property %q: %w", key, err)
				}
				valM = m
			} else {
				c.log.Warnf("property %q unresolved, widened to any value", key)
				valM = AnyValue(c.opts.WhitespaceMax)
			}
			pair := fence.Sequence(
				fence.Literal(jsonString(key)),
				c.ws,
				fence.Literal(":"),
				c.ws,
				valM.With(fence.WithIdent(key)),
			)
			props = append(props, prop{key: key, required: required[key], pair: pair})
		}
	}

	if len(props) == 0 {
		if apSchema, ok := derefSchema(s.AdditionalProperties); ok {
			valM, err := c.compile(ctx, apSchema, depth+1)
			if err != nil {
				return nil, fmt.Errorf("additionalProperties: %w", err)
			}
			return objectOf(valM, c.ws), nil
		}
		return fence.Sequence(fence.Literal("{"), c.ws, fence.Literal("}")), nil
	}

	comma := fence.Sequence(c.ws, fence.Literal(","), c.ws)

	// One alternative per feasible first member. Everything before the
	// first required property may lead; the tails carry the rest with
	// commas attached, optional members skippable.
	var alts []fence.Machine
	allOptional := true
	for i, p := range props {
		seq := []fence.Machine{p.pair}
		for _, rest := range props[i+1:] {
			tail := fence.Sequence(comma, rest.pair)
			if !rest.required {
				tail = tail.With(fence.WithOptional())
			}
			seq = append(seq, tail)
		}
		alts = append(alts, fence.Sequence(seq...))
		if p.required {
			allOptional = false
			break
		}
	}

	body := alts[0]
	if len(alts) > 1 {
		body = fence.Union(alts...)
	}
	if allOptional {
		body = body.With(fence.WithOptional())
	}
	return fence.Sequence(fence.Literal("{"), c.ws, body, c.ws, fence.Literal("}")), nil
}

func (c *compiler) enumMachine(s *oas3.Schema) (fence.Machine, error) {
	alts := make([]fence.Machine, 0, len(s.Enum))
	for _, node := range s.Enum {
		text, err := jsonLiteral(node)
		if err != nil {
			return nil, fmt.Errorf("schemafsm: enum value: %w", err)
		}
		alts = append(alts, fence.Literal(text))
	}
	if len(alts) == 0 {
		return nil, ErrEmptyEnum
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return fence.Union(alts...), nil
}

func (c *compiler) unionMachine(ctx context.Context, branches []*oas3.JSONSchema[oas3.Referenceable], depth int) (fence.Machine, error) {
	alts := make([]fence.Machine, 0, len(branches))
	for i, js := range branches {
		branch, ok := derefSchema(js)
		if !ok {
			if ref, found := c.refTarget(js); found {
				m, err := c.compileRef(ctx, ref, depth+1)
				if err != nil {
					return nil, err
				}
				alts = append(alts, m)
				continue
			}
			c.log.Warnf("union branch %d unresolved, widened to any value", i)
			alts = append(alts, AnyValue(c.opts.WhitespaceMax))
			continue
		}
		m, err := c.compile(ctx, branch, depth+1)
		if err != nil {
			return nil, err
		}
		alts = append(alts, m)
	}
	if len(alts) == 1 {
		return alts[0], nil
	}
	return fence.Union(alts...), nil
}

// mergeAllOf collapses allOf branches into one effective schema: properties
// in first-seen order, required sets unioned, scalar facets from the first
// branch that declares them. Nested combinators inside branches are not
// intersected.
func (c *compiler) mergeAllOf(s *oas3.Schema) (*oas3.Schema, error) {
	merged := &oas3.Schema{}
	var requiredSeen map[string]bool

	addRequired := func(keys []string) {
		for _, k := range keys {
			if requiredSeen == nil {
				requiredSeen = make(map[string]bool)
			}
			if !requiredSeen[k] {
				requiredSeen[k] = true
				merged.Required = append(merged.Required, k)
			}
		}
	}

	branches := make([]*oas3.Schema, 0, len(s.AllOf)+1)
	for i, js := range s.AllOf {
		b, ok := derefSchema(js)
		if !ok {
			c.log.Warnf("allOf branch %d unresolved, skipped in merge", i)
			continue
		}
		branches = append(branches, b)
	}
	// The enclosing schema's own facets participate too.
	host := *s
	host.AllOf = nil
	branches = append(branches, &host)

	for _, b := range branches {
		if len(b.AnyOf) > 0 || len(b.OneOf) > 0 || len(b.AllOf) > 0 {
			c.log.Warnf("nested combinator inside allOf is not intersected")
		}
		if merged.Type == nil && b.Type != nil {
			merged.Type = b.Type
		}
		if b.Properties != nil {
			if merged.Properties == nil {
				merged.Properties = sequencedmap.New[string, *oas3.JSONSchema[oas3.Referenceable]]()
			}
			for k, v := range b.Properties.All() {
				if _, exists := merged.Properties.Get(k); !exists {
					merged.Properties.Set(k, v)
				}
			}
		}
		addRequired(b.Required)
		if merged.Items == nil {
			merged.Items = b.Items
		}
		if merged.Format == nil {
			merged.Format = b.Format
		}
		if merged.Pattern == nil {
			merged.Pattern = b.Pattern
		}
		if merged.MinLength == nil {
			merged.MinLength = b.MinLength
		}
		if merged.MaxLength == nil {
			merged.MaxLength = b.MaxLength
		}
		if merged.MinItems == nil {
			merged.MinItems = b.MinItems
		}
		if merged.MaxItems == nil {
			merged.MaxItems = b.MaxItems
		}
		if len(merged.Enum) == 0 {
			merged.Enum = b.Enum
		}
		if merged.Const == nil {
			merged.Const = b.Const
		}
	}
	return merged, nil
}

func (c *compiler) compileRef(ctx context.Context, ref string, depth int) (fence.Machine, error) {
	if c.refDepth >= c.opts.MaxRefDepth {
		return nil, fmt.Errorf("%w (%d) at %q", ErrMaxRefDepth, c.opts.MaxRefDepth, ref)
	}
	if c.opts.ResolveRef == nil {
		c.log.Warnf("no resolver for ref %q, widened to any value", ref)
		return AnyValue(c.opts.WhitespaceMax), nil
	}
	js, ok := c.opts.ResolveRef(ref)
	if !ok {
		c.log.Warnf("ref %q did not resolve, widened to any value", ref)
		return AnyValue(c.opts.WhitespaceMax), nil
	}
	target, ok := derefSchema(js)
	if !ok {
		c.log.Warnf("ref %q resolved to nothing concrete, widened to any value", ref)
		return AnyValue(c.opts.WhitespaceMax), nil
	}
	c.refDepth++
	defer func() { c.refDepth-- }()
	return c.compile(ctx, target, depth+1)
}

// refTarget reports the ref string a placeholder JSONSchema stands for, when
// the compiler runs under a Document that recorded one.
func (c *compiler) refTarget(js *oas3.JSONSchema[oas3.Referenceable]) (string, bool) {
	if js == nil || js.Left == nil || c.refOf == nil {
		return "", false
	}
	ref, ok := c.refOf[js.Left]
	return ref, ok
}

// derefSchema unwraps a JSONSchema node to its concrete schema: the resolved
// target when references have been resolved, otherwise the inline form.
func derefSchema(js *oas3.JSONSchema[oas3.Referenceable]) (*oas3.Schema, bool) {
	if js == nil {
		return nil, false
	}
	if resolved := js.GetResolvedSchema(); resolved != nil {
		if schema := resolved.GetLeft(); schema != nil {
			return schema, true
		}
	}
	if js.Left != nil {
		return js.Left, true
	}
	return nil, false
}

// jsonString renders s as a JSON string literal.
func jsonString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		// Marshal of a string cannot fail.
		panic("schemafsm: " + err.Error())
	}
	return string(b)
}

// jsonLiteral renders a YAML node as JSON text. Mappings and sequences keep
// declared order, since the result is the exact text the model must emit.
func jsonLiteral(node *yaml.Node) (string, error) {
	if node == nil {
		return "null", nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		return scalarJSON(node)
	case yaml.SequenceNode:
		var b strings.Builder
		b.WriteByte('[')
		for i, n := range node.Content {
			if i > 0 {
				b.WriteByte(',')
			}
			s, err := jsonLiteral(n)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
		b.WriteByte(']')
		return b.String(), nil
	case yaml.MappingNode:
		var b strings.Builder
		b.WriteByte('{')
		for i := 0; i+1 < len(node.Content); i += 2 {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(jsonString(node.Content[i].Value))
			b.WriteByte(':')
			v, err := jsonLiteral(node.Content[i+1])
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		}
		b.WriteByte('}')
		return b.String(), nil
	default:
		return "", fmt.Errorf("unsupported yaml node kind %d", node.Kind)
	}
}

func scalarJSON(node *yaml.Node) (string, error) {
	switch node.Tag {
	case "!!str":
		return jsonString(node.Value), nil
	case "!!int", "!!float":
		return node.Value, nil
	case "!!bool":
		v, err := strconv.ParseBool(node.Value)
		if err != nil {
			return "", fmt.Errorf("bad bool %q", node.Value)
		}
		return strconv.FormatBool(v), nil
	case "!!null":
		return "null", nil
	case "":
		return inferScalarJSON(node.Value), nil
	default:
		return "", fmt.Errorf("unsupported scalar tag %q", node.Tag)
	}
}

// inferScalarJSON guesses the JSON form of an untagged scalar, for nodes
// built in code rather than decoded from a document.
func inferScalarJSON(value string) string {
	switch value {
	case "null", "~", "":
		return "null"
	case "true", "false":
		return value
	}
	if _, err := strconv.ParseFloat(value, 64); err == nil {
		return value
	}
	return jsonString(value)
}
