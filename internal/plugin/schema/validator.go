package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"

	"github.com/cockroachdb/errors"
)

// Validator validates documents against a set of compiled schemas.
//
// All schemas, formats and keywords are fixed at construction, so a
// Validator is safe for concurrent use.
type Validator struct {
	schemas  map[string]*Schema
	formats  map[string]FormatFunc
	keywords map[string]KeywordFunc
	kwOrder  []string
	patterns map[string]*regexp.Regexp

	useDefaults bool
	strictMode  bool
	maxErrors   int
}

type validatorConfig struct {
	schemas     []*Schema
	formats     map[string]FormatFunc
	keywords    map[string]KeywordFunc
	kwOrder     []string
	useDefaults bool
	strictMode  bool
	maxErrors   int
	err         error
}

// Option configures a Validator.
type Option func(*validatorConfig)

// WithSchema adds a schema. Its $id is the name used by Validate.
func WithSchema(s *Schema) Option {
	return func(c *validatorConfig) {
		c.schemas = append(c.schemas, s)
	}
}

// WithSchemaJSON parses and adds a schema document.
func WithSchemaJSON(data []byte) Option {
	return func(c *validatorConfig) {
		s, err := Parse(data)
		if err != nil {
			c.err = errors.CombineErrors(c.err, err)
			return
		}
		c.schemas = append(c.schemas, s)
	}
}

// WithFormat registers or replaces a format checker.
func WithFormat(name string, fn FormatFunc) Option {
	return func(c *validatorConfig) {
		c.formats[name] = fn
	}
}

// WithKeyword registers or replaces a custom keyword. Keywords run in
// registration order after the built-in ones; a replaced keyword keeps its
// position.
func WithKeyword(name string, fn KeywordFunc) Option {
	return func(c *validatorConfig) {
		if _, ok := c.keywords[name]; !ok {
			c.kwOrder = append(c.kwOrder, name)
		}
		c.keywords[name] = fn
	}
}

// WithDefaults controls whether missing properties receive their schema default.
func WithDefaults(enabled bool) Option {
	return func(c *validatorConfig) {
		c.useDefaults = enabled
	}
}

// WithStrictMode rejects properties not declared by an object schema that
// does not set additionalProperties.
func WithStrictMode(strict bool) Option {
	return func(c *validatorConfig) {
		c.strictMode = strict
	}
}

// WithMaxErrors caps the number of errors collected (0 = unlimited).
func WithMaxErrors(n int) Option {
	return func(c *validatorConfig) {
		c.maxErrors = n
	}
}

// NewValidator compiles the embedded plugin schema plus any schemas given
// as options. Compilation checks for duplicate or missing ids, invalid
// patterns, unknown formats and unresolvable references.
func NewValidator(opts ...Option) (*Validator, error) {
	plugin, err := PluginSchema()
	if err != nil {
		return nil, err
	}

	cfg := &validatorConfig{
		schemas:     []*Schema{plugin},
		formats:     DefaultFormats(),
		keywords:    DefaultKeywords(),
		kwOrder:     DefaultKeywordOrder(),
		useDefaults: true,
		maxErrors:   100,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.err != nil {
		return nil, cfg.err
	}

	v := &Validator{
		schemas:     make(map[string]*Schema, len(cfg.schemas)),
		formats:     cfg.formats,
		keywords:    cfg.keywords,
		kwOrder:     cfg.kwOrder,
		patterns:    make(map[string]*regexp.Regexp),
		useDefaults: cfg.useDefaults,
		strictMode:  cfg.strictMode,
		maxErrors:   cfg.maxErrors,
	}
	for _, s := range cfg.schemas {
		if err := v.compile(s); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (v *Validator) compile(root *Schema) error {
	if root == nil {
		return errors.New("schema: nil schema")
	}
	if root.ID == "" {
		return errors.New("schema: missing $id")
	}
	if _, ok := v.schemas[root.ID]; ok {
		return errors.Wrapf(ErrDuplicateSchema, "%q", root.ID)
	}

	err := root.walk(func(s *Schema) error {
		if s.Pattern != "" {
			if _, ok := v.patterns[s.Pattern]; !ok {
				re, err := regexp.Compile(s.Pattern)
				if err != nil {
					return errors.Wrapf(err, "schema %q: pattern %q", root.ID, s.Pattern)
				}
				v.patterns[s.Pattern] = re
			}
		}
		if s.Format != "" {
			if _, ok := v.formats[s.Format]; !ok {
				return errors.Newf("schema %q: unknown format %q", root.ID, s.Format)
			}
		}
		if s.Ref != "" && root.lookupDef(s.Ref) == nil {
			return errors.Newf("schema %q: unresolvable $ref %q", root.ID, s.Ref)
		}
		return nil
	})
	if err != nil {
		return err
	}

	v.schemas[root.ID] = root
	return nil
}

// SchemaIDs lists the compiled schema ids in sorted order.
func (v *Validator) SchemaIDs() []string {
	ids := make([]string, 0, len(v.schemas))
	for id := range v.schemas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateOption configures a single validation pass.
type ValidateOption func(*run)

// WithBaseDir anchors relative paths checked by filesystem keywords.
func WithBaseDir(dir string) ValidateOption {
	return func(r *run) {
		r.baseDir = dir
	}
}

// Validate checks data against the schema registered as schemaID. Every
// failure is collected; the returned error is nil or a *ValidationErrors.
// Defaults and modifying keywords update data in place.
func (v *Validator) Validate(data map[string]any, schemaID string, opts ...ValidateOption) error {
	return v.ValidateValue(data, schemaID, opts...)
}

// ValidateValue is Validate for a document whose root is not an object.
func (v *Validator) ValidateValue(value any, schemaID string, opts ...ValidateOption) error {
	root, ok := v.schemas[schemaID]
	if !ok {
		return errors.Wrapf(ErrUnknownSchema, "%q", schemaID)
	}
	r := &run{v: v, root: root, errs: &ValidationErrors{}}
	for _, opt := range opts {
		opt(r)
	}
	r.validateValue("", value, root, nil)
	return r.errs.AsError()
}

// Valid reports whether data passes the schema registered as schemaID.
func (v *Validator) Valid(data map[string]any, schemaID string, opts ...ValidateOption) bool {
	return v.Validate(data, schemaID, opts...) == nil
}

// run carries the state of one validation pass.
type run struct {
	v       *Validator
	root    *Schema
	baseDir string
	errs    *ValidationErrors
}

func (r *run) full() bool {
	return r.v.maxErrors > 0 && r.errs.Len() >= r.v.maxErrors
}

// validateValue validates a value against a schema. set, when non-nil,
// replaces the value in its parent container.
func (r *run) validateValue(path string, value any, schema *Schema, set func(any)) {
	if schema == nil || r.full() {
		return
	}

	if schema.Ref != "" {
		if ref := r.root.lookupDef(schema.Ref); ref != nil {
			r.validateValue(path, value, ref, set)
		}
		return
	}

	for _, s := range schema.AllOf {
		r.validateValue(path, value, s, set)
	}

	if len(schema.AnyOf) > 0 {
		matched := false
		for _, s := range schema.AnyOf {
			if r.matches(path, value, s) {
				matched = true
				break
			}
		}
		if !matched {
			r.errs.AddWithValue(path, "value does not match any of the allowed schemas", value)
		}
	}

	if len(schema.OneOf) > 0 {
		matchCount := 0
		for _, s := range schema.OneOf {
			if r.matches(path, value, s) {
				matchCount++
			}
		}
		if matchCount == 0 {
			r.errs.AddWithValue(path, "value does not match any of the allowed schemas", value)
		} else if matchCount > 1 {
			r.errs.AddWithValue(path, "value matches more than one schema (must match exactly one)", value)
		}
	}

	if schema.Not != nil && r.matches(path, value, schema.Not) {
		r.errs.AddWithValue(path, "value should not match the schema", value)
	}

	if schema.Const != nil && !valuesEqual(value, schema.Const) {
		r.errs.AddWithValue(path, fmt.Sprintf("value must be %v", schema.Const), value)
	}

	if len(schema.Enum) > 0 {
		r.validateEnum(path, value, schema.Enum)
	}

	if !schema.Type.IsEmpty() {
		if !r.validateType(path, value, schema) {
			return
		}
	} else {
		r.validateConstraints(path, value, schema)
	}

	if schema.Format != "" {
		if fn := r.v.formats[schema.Format]; fn != nil {
			if err := fn(value); err != nil {
				r.errs.AddError(NewFormatError(path, schema.Format, value, err))
			}
		}
	}

	r.runKeywords(path, value, schema, set)
}

// matches validates against s without recording errors or mutating data.
func (r *run) matches(path string, value any, s *Schema) bool {
	sub := &run{v: r.v, root: r.root, baseDir: r.baseDir, errs: &ValidationErrors{}}
	sub.validateValue(path, deepCopy(value), s, nil)
	return !sub.errs.HasErrors()
}

func (r *run) runKeywords(path string, value any, schema *Schema, set func(any)) {
	if len(schema.Keywords) == 0 {
		return
	}
	for _, name := range r.v.kwOrder {
		param, ok := schema.Keywords[name]
		if !ok {
			continue
		}
		kc := &KeywordContext{
			Keyword: name,
			Param:   param,
			Path:    path,
			Value:   value,
			BaseDir: r.baseDir,
			set:     set,
		}
		if err := r.v.keywords[name](kc); err != nil {
			r.errs.AddError(NewKeywordError(path, name, value, err))
		}
		value = kc.Value
	}
}

// validateType reports whether value matched one of the schema's types.
func (r *run) validateType(path string, value any, schema *Schema) bool {
	if value == nil {
		if !schema.Type.Is(TypeNameNull) {
			r.errs.AddError(NewTypeError(path, schema.Type.String(), value))
			return false
		}
		return true
	}

	for _, typ := range schema.Type.Types {
		if matchesType(value, typ) {
			r.validateConstraints(path, value, schema)
			return true
		}
	}

	r.errs.AddError(NewTypeError(path, schema.Type.String(), value))
	return false
}

// validateConstraints applies the type-specific constraints that fit value.
func (r *run) validateConstraints(path string, value any, schema *Schema) {
	switch val := value.(type) {
	case string:
		r.validateString(path, val, schema)
	case map[string]any:
		r.validateObject(path, val, schema)
	case bool, nil:
	default:
		if isNumber(value) {
			r.validateNumber(path, value, schema)
		} else if isArray(value) {
			r.validateArray(path, value, schema)
		}
	}
}

func matchesType(value any, typ string) bool {
	switch typ {
	case TypeNameString:
		_, ok := value.(string)
		return ok
	case TypeNameNumber:
		return isNumber(value)
	case TypeNameInteger:
		return isInteger(value)
	case TypeNameBoolean:
		_, ok := value.(bool)
		return ok
	case TypeNameArray:
		return isArray(value)
	case TypeNameObject:
		_, ok := value.(map[string]any)
		return ok
	case TypeNameNull:
		return value == nil
	default:
		return false
	}
}

func (r *run) validateString(path string, value string, schema *Schema) {
	n := len([]rune(value))
	if schema.MinLength != nil && n < *schema.MinLength {
		r.errs.AddWithValue(path, fmt.Sprintf("string length %d is less than minimum %d", n, *schema.MinLength), value)
	}
	if schema.MaxLength != nil && n > *schema.MaxLength {
		r.errs.AddWithValue(path, fmt.Sprintf("string length %d is greater than maximum %d", n, *schema.MaxLength), value)
	}
	if schema.Pattern != "" {
		re := r.v.patterns[schema.Pattern]
		if re == nil || !re.MatchString(value) {
			r.errs.AddError(NewPatternError(path, value, schema.Pattern))
		}
	}
}

func (r *run) validateNumber(path string, value any, schema *Schema) {
	f := toFloat64(value)

	if schema.Minimum != nil && f < *schema.Minimum {
		r.errs.AddError(NewRangeError(path, value, schema.Minimum, schema.Maximum))
	}
	if schema.Maximum != nil && f > *schema.Maximum {
		r.errs.AddError(NewRangeError(path, value, schema.Minimum, schema.Maximum))
	}
	if schema.ExclusiveMinimum != nil && f <= *schema.ExclusiveMinimum {
		r.errs.AddWithValue(path, fmt.Sprintf("value must be greater than %v", *schema.ExclusiveMinimum), value)
	}
	if schema.ExclusiveMaximum != nil && f >= *schema.ExclusiveMaximum {
		r.errs.AddWithValue(path, fmt.Sprintf("value must be less than %v", *schema.ExclusiveMaximum), value)
	}
	if schema.MultipleOf != nil && *schema.MultipleOf != 0 {
		if math.Abs(math.Mod(f, *schema.MultipleOf)) > 1e-10 {
			r.errs.AddWithValue(path, fmt.Sprintf("value must be a multiple of %v", *schema.MultipleOf), value)
		}
	}
}

func (r *run) validateArray(path string, value any, schema *Schema) {
	arr := toSlice(value)

	if schema.MinItems != nil && len(arr) < *schema.MinItems {
		r.errs.Add(path, fmt.Sprintf("array has %d items, minimum is %d", len(arr), *schema.MinItems))
	}
	if schema.MaxItems != nil && len(arr) > *schema.MaxItems {
		r.errs.Add(path, fmt.Sprintf("array has %d items, maximum is %d", len(arr), *schema.MaxItems))
	}

	if schema.UniqueItems {
		seen := make(map[string]bool, len(arr))
		for i, item := range arr {
			key := fmt.Sprintf("%v", item)
			if b, err := json.Marshal(item); err == nil {
				key = string(b)
			}
			if seen[key] {
				r.errs.Add(path, fmt.Sprintf("array items must be unique, duplicate at index %d", i))
				break
			}
			seen[key] = true
		}
	}

	if schema.Items == nil {
		return
	}
	// Only []any can be written back to by modifying keywords.
	backing, writable := value.([]any)
	for i, item := range arr {
		var set func(any)
		if writable {
			idx := i
			set = func(nv any) { backing[idx] = nv }
		}
		r.validateValue(fmt.Sprintf("%s[%d]", path, i), item, schema.Items, set)
	}
}

func (r *run) validateObject(path string, obj map[string]any, schema *Schema) {
	if r.v.useDefaults {
		for name, prop := range schema.Properties {
			if _, ok := obj[name]; !ok && prop != nil && prop.Default != nil {
				obj[name] = deepCopy(prop.Default)
			}
		}
	}

	for _, req := range schema.Required {
		if _, ok := obj[req]; !ok {
			r.errs.AddError(NewRequiredError(joinPath(path, req)))
		}
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		propPath := joinPath(path, name)
		if propSchema, ok := schema.Properties[name]; ok {
			key := name
			r.validateValue(propPath, obj[name], propSchema, func(nv any) { obj[key] = nv })
		} else if !schema.AllowsAdditionalProperties() || (r.v.strictMode && schema.AdditionalProperties == nil && len(schema.Properties) > 0) {
			r.errs.AddError(NewUnknownPropertyError(propPath))
		}
	}
}

func (r *run) validateEnum(path string, value any, allowed []any) {
	for _, a := range allowed {
		if valuesEqual(value, a) {
			return
		}
	}
	r.errs.AddError(NewEnumError(path, value, allowed))
}
