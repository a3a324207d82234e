package schema

import (
	"reflect"
	"strings"
	"time"
)

var timeType = reflect.TypeOf(time.Time{})

// FromType derives a schema from the JSON encoding of v's type. Fields
// without omitempty are required; self-referencing types are not descended
// into twice.
func FromType(v interface{}) *Schema {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return &Schema{}
	}
	p := property(t, make(map[reflect.Type]bool))
	return &Schema{Type: p.Type, Properties: p.Properties, Required: p.Required}
}

func property(t reflect.Type, seen map[reflect.Type]bool) *PropertyDef {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	switch t.Kind() {
	case reflect.String:
		return &PropertyDef{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return &PropertyDef{Type: "integer"}
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		zero := 0.0
		return &PropertyDef{Type: "integer", Minimum: &zero}
	case reflect.Float32, reflect.Float64:
		return &PropertyDef{Type: "number"}
	case reflect.Bool:
		return &PropertyDef{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			// []byte is base64 text
			return &PropertyDef{Type: "string"}
		}
		return &PropertyDef{Type: "array", Items: property(t.Elem(), seen)}
	case reflect.Map:
		return &PropertyDef{Type: "object"}
	case reflect.Struct:
		if t == timeType {
			return &PropertyDef{Type: "string", Format: "date-time"}
		}
		if seen[t] {
			return &PropertyDef{Type: "object"}
		}
		seen[t] = true
		defer delete(seen, t)
		return structProperty(t, seen)
	default:
		return &PropertyDef{}
	}
}

func structProperty(t reflect.Type, seen map[reflect.Type]bool) *PropertyDef {
	p := &PropertyDef{Type: "object", Properties: make(map[string]*PropertyDef)}
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		tag := field.Tag.Get("json")
		if tag == "-" {
			continue
		}

		name := field.Name
		omitempty := false
		if tag != "" {
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}

		if field.Anonymous && tag == "" && field.Type.Kind() == reflect.Struct {
			embedded := property(field.Type, seen)
			for k, v := range embedded.Properties {
				p.Properties[k] = v
			}
			p.Required = append(p.Required, embedded.Required...)
			continue
		}

		p.Properties[name] = property(field.Type, seen)
		if !omitempty {
			p.Required = append(p.Required, name)
		}
	}
	return p
}
