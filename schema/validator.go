package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var ErrInvalidSchema = errors.New("schema: invalid schema")

var (
	emailPattern    = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	uuidPattern     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	dateTimePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)
)

// Violation is one failed constraint
type Violation struct {
	Field   string      `json:"field"`
	Message string      `json:"message"`
	Code    string      `json:"code"`
	Value   interface{} `json:"value,omitempty"`
}

func (v Violation) Error() string {
	if v.Field == "" {
		return v.Message
	}
	return fmt.Sprintf("%s: %s", v.Field, v.Message)
}

// ValidationError lists every violation of one request
type ValidationError struct {
	Operation  string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.Error()
	}
	return fmt.Sprintf("invalid %s request: %s", e.Operation, strings.Join(msgs, "; "))
}

// Rule is a custom check run on the decoded document
type Rule func(ctx context.Context, doc interface{}) []Violation

// Schema describes a JSON document
type Schema struct {
	Type       string                  `json:"type"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
	Rules      []Rule                  `json:"-"`
}

// PropertyDef constrains one property
type PropertyDef struct {
	Type       string                  `json:"type,omitempty"`
	Format     string                  `json:"format,omitempty"`
	Pattern    string                  `json:"pattern,omitempty"`
	MinLength  *int                    `json:"minLength,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	Enum       []interface{}           `json:"enum,omitempty"`
	Items      *PropertyDef            `json:"items,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`

	pattern *regexp.Regexp
}

// Validator holds one schema per operation
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewValidator creates an empty validator
func NewValidator() *Validator {
	return &Validator{schemas: make(map[string]*Schema)}
}

// Register sets the schema for operation. Patterns are compiled here so a
// bad pattern fails registration rather than every request.
func (v *Validator) Register(operation string, s *Schema) error {
	if operation == "" {
		return fmt.Errorf("%w: empty operation", ErrInvalidSchema)
	}
	if s == nil {
		return fmt.Errorf("%w: nil schema for %s", ErrInvalidSchema, operation)
	}
	for name, p := range s.Properties {
		if err := compile(name, p); err != nil {
			return err
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[operation] = s
	return nil
}

// MustRegister is Register panicking on error
func (v *Validator) MustRegister(operation string, s *Schema) {
	if err := v.Register(operation, s); err != nil {
		panic(err)
	}
}

// Schema returns the schema registered for operation
func (v *Validator) Schema(operation string) (*Schema, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.schemas[operation]
	return s, ok
}

func compile(field string, p *PropertyDef) error {
	if p == nil {
		return nil
	}
	if p.Pattern != "" {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return fmt.Errorf("%w: %s pattern: %v", ErrInvalidSchema, field, err)
		}
		p.pattern = re
	}
	if err := compile(field+"[]", p.Items); err != nil {
		return err
	}
	for name, child := range p.Properties {
		if err := compile(field+"."+name, child); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks body against the schema of operation. Operations without
// a schema are accepted.
func (v *Validator) Validate(ctx context.Context, operation string, body []byte) error {
	s, ok := v.Schema(operation)
	if !ok {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return &ValidationError{Operation: operation, Violations: []Violation{{
			Message: fmt.Sprintf("malformed JSON: %v", err),
			Code:    "MALFORMED",
		}}}
	}

	var out []Violation
	root := &PropertyDef{Type: s.Type, Properties: s.Properties, Required: s.Required}
	validateValue(&out, "", doc, root)
	for _, rule := range s.Rules {
		out = append(out, rule(ctx, doc)...)
	}
	if len(out) == 0 {
		return nil
	}
	return &ValidationError{Operation: operation, Violations: out}
}

func validateValue(out *[]Violation, path string, value interface{}, p *PropertyDef) {
	if value == nil {
		return
	}
	if p.Type != "" && !matchesType(value, p.Type) {
		*out = append(*out, Violation{
			Field:   path,
			Message: fmt.Sprintf("expected %s, got %s", p.Type, jsonType(value)),
			Code:    "TYPE_MISMATCH",
			Value:   value,
		})
		return
	}

	switch val := value.(type) {
	case string:
		validateString(out, path, val, p)
	case float64:
		validateNumber(out, path, val, p)
	case []interface{}:
		if p.Items != nil {
			for i, item := range val {
				validateValue(out, fmt.Sprintf("%s[%d]", path, i), item, p.Items)
			}
		}
	case map[string]interface{}:
		validateObject(out, path, val, p)
	}

	if len(p.Enum) > 0 && !inEnum(value, p.Enum) {
		*out = append(*out, Violation{
			Field:   path,
			Message: fmt.Sprintf("value is not one of %v", p.Enum),
			Code:    "ENUM_VIOLATION",
			Value:   value,
		})
	}
}

func validateObject(out *[]Violation, path string, obj map[string]interface{}, p *PropertyDef) {
	for _, name := range p.Required {
		if _, ok := obj[name]; !ok {
			*out = append(*out, Violation{
				Field:   join(path, name),
				Message: "required property missing",
				Code:    "REQUIRED",
			})
		}
	}

	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if def, ok := p.Properties[name]; ok && def != nil {
			validateValue(out, join(path, name), obj[name], def)
		}
	}
}

func validateString(out *[]Violation, path, s string, p *PropertyDef) {
	n := len([]rune(s))
	if p.MinLength != nil && n < *p.MinLength {
		*out = append(*out, Violation{Field: path, Code: "MIN_LENGTH_VIOLATION", Value: s,
			Message: fmt.Sprintf("length %d is less than minimum %d", n, *p.MinLength)})
	}
	if p.MaxLength != nil && n > *p.MaxLength {
		*out = append(*out, Violation{Field: path, Code: "MAX_LENGTH_VIOLATION", Value: s,
			Message: fmt.Sprintf("length %d exceeds maximum %d", n, *p.MaxLength)})
	}
	if p.pattern != nil && !p.pattern.MatchString(s) {
		*out = append(*out, Violation{Field: path, Code: "PATTERN_VIOLATION", Value: s,
			Message: fmt.Sprintf("does not match %s", p.Pattern)})
	}
	if msg := checkFormat(p.Format, s); msg != "" {
		*out = append(*out, Violation{Field: path, Code: "FORMAT_VIOLATION", Value: s, Message: msg})
	}
}

func validateNumber(out *[]Violation, path string, f float64, p *PropertyDef) {
	if p.Minimum != nil && f < *p.Minimum {
		*out = append(*out, Violation{Field: path, Code: "MINIMUM_VIOLATION", Value: f,
			Message: fmt.Sprintf("%v is less than minimum %v", f, *p.Minimum)})
	}
	if p.Maximum != nil && f > *p.Maximum {
		*out = append(*out, Violation{Field: path, Code: "MAXIMUM_VIOLATION", Value: f,
			Message: fmt.Sprintf("%v exceeds maximum %v", f, *p.Maximum)})
	}
}

func checkFormat(format, s string) string {
	switch format {
	case "email":
		if !emailPattern.MatchString(s) {
			return "invalid email"
		}
	case "uri":
		if !strings.Contains(s, "://") {
			return "invalid URI"
		}
	case "uuid":
		if !uuidPattern.MatchString(strings.ToLower(s)) {
			return "invalid UUID"
		}
	case "date":
		if !datePattern.MatchString(s) {
			return "invalid date, expected YYYY-MM-DD"
		}
	case "date-time":
		if !dateTimePattern.MatchString(s) {
			return "invalid date-time, expected RFC 3339"
		}
	}
	return ""
}

func matchesType(value interface{}, want string) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && f == float64(int64(f))
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	default:
		return true
	}
}

func jsonType(value interface{}) string {
	switch value.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	case map[string]interface{}:
		return "object"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func inEnum(value interface{}, enum []interface{}) bool {
	for _, e := range enum {
		if reflect.DeepEqual(value, e) {
			return true
		}
		// integers written in Go source compare against decoded float64
		if f, ok := value.(float64); ok {
			if n, ok := e.(int); ok && float64(n) == f {
				return true
			}
		}
	}
	return false
}

func join(parent, field string) string {
	if parent == "" {
		return field
	}
	return parent + "." + field
}
