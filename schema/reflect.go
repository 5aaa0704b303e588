package schema

import (
	"reflect"
	"slices"
	"strings"

	"github.com/ggoodman/mcp-engine-go/mcp"
	"github.com/invopop/jsonschema"
)

// EnumTag is the struct tag naming a dynamic enum generator for a field.
const EnumTag = "mcpenum"

// Reflect derives a View from the Go type T, which should be a struct (or a
// pointer to one). Field names, types, descriptions and required flags come
// from invopop/jsonschema; `mcpenum` tags become enum references. Non-struct
// types yield an empty object view.
func Reflect[T any]() View {
	return ReflectValue(new(T))
}

// ReflectValue is the non-generic form of Reflect.
func ReflectValue(v any) View {
	r := &jsonschema.Reflector{
		DoNotReference: true, // inline defs
		ExpandedStruct: true, // put struct at root
	}
	s := r.Reflect(v)
	if s == nil || s.Type != TypeObject || s.Properties == nil {
		return View{}
	}

	refs := enumRefs(reflect.TypeOf(v))

	fields := make([]Field, 0, s.Properties.Len())
	for el := s.Properties.Oldest(); el != nil; el = el.Next() {
		p := toProperty(el.Value)
		f := Field{
			Name:            el.Key,
			Type:            p.Type,
			Description:     p.Description,
			Required:        slices.Contains(s.Required, el.Key),
			Items:           p.Items,
			Properties:      p.Properties,
			RequiredMembers: p.Required,
			Enum:            p.Enum,
			EnumRef:         refs[el.Key],
		}
		fields = append(fields, f)
	}
	return View{fields: fields}
}

// toProperty recursively maps a jsonschema.Schema to the simplified MCP SchemaProperty.
func toProperty(s *jsonschema.Schema) mcp.SchemaProperty {
	if s == nil {
		return mcp.SchemaProperty{}
	}
	p := mcp.SchemaProperty{
		Type:        s.Type,
		Description: s.Description,
	}
	if len(s.Enum) > 0 {
		p.Enum = s.Enum
	}
	if s.Type == TypeArray && s.Items != nil {
		item := toProperty(s.Items)
		p.Items = &item
	}
	if s.Type == TypeObject && s.Properties != nil {
		m := make(map[string]mcp.SchemaProperty, s.Properties.Len())
		for el := s.Properties.Oldest(); el != nil; el = el.Next() {
			m[el.Key] = toProperty(el.Value)
		}
		p.Properties = m
		if len(s.Required) > 0 {
			p.Required = slices.Clone(s.Required)
		}
	}
	return p
}

// enumRefs maps JSON property names to `mcpenum` tag values for the top
// level fields of t.
func enumRefs(t reflect.Type) map[string]string {
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.Kind() != reflect.Struct {
		return nil
	}
	refs := make(map[string]string)
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		ref := sf.Tag.Get(EnumTag)
		if ref == "" || !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("json"); ok {
			n, _, _ := strings.Cut(tag, ",")
			if n == "-" {
				continue
			}
			if n != "" {
				name = n
			}
		}
		refs[name] = ref
	}
	return refs
}
