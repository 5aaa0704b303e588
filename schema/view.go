package schema

import (
	"slices"

	"github.com/ggoodman/mcp-engine-go/mcp"
)

// JSON Schema primitive type names accepted in Field.Type.
const (
	TypeString  = "string"
	TypeNumber  = "number"
	TypeInteger = "integer"
	TypeBoolean = "boolean"
	TypeObject  = "object"
	TypeArray   = "array"
)

// Field is a single property descriptor within a View.
type Field struct {
	Name        string
	Type        string
	Description string
	Required    bool

	// Items describes array elements when Type is TypeArray.
	Items *mcp.SchemaProperty
	// Properties describes nested members when Type is TypeObject.
	Properties map[string]mcp.SchemaProperty
	// RequiredMembers lists the required nested members when Type is
	// TypeObject.
	RequiredMembers []string
	// Enum is a static list of allowed values.
	Enum []any
	// EnumRef names a dynamic enum generator resolved at render time. When
	// set, it takes precedence over Enum in rendered output.
	EnumRef string
}

// View is the structural description of a tool or prompt input or output.
// Values are treated as immutable; helper methods return modified copies.
type View struct {
	fields []Field
	// additional, when set, renders as additionalProperties.
	additional *bool
}

// NewView builds a View from the given fields, preserving their order.
func NewView(fields ...Field) View {
	return View{fields: slices.Clone(fields)}
}

// Len returns the number of fields.
func (v View) Len() int { return len(v.fields) }

// Field returns the descriptor with the given name.
func (v View) Field(name string) (Field, bool) {
	for _, f := range v.fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// WithEnumRef returns a copy of v whose named field references the enum
// generator ref. Unknown field names leave the view unchanged.
func (v View) WithEnumRef(field, ref string) View {
	out := View{fields: slices.Clone(v.fields), additional: v.additional}
	for i := range out.fields {
		if out.fields[i].Name == field {
			out.fields[i].EnumRef = ref
		}
	}
	return out
}

// WithAdditionalProperties returns a copy of v that declares whether members
// beyond its fields are allowed.
func (v View) WithAdditionalProperties(allow bool) View {
	return View{fields: slices.Clone(v.fields), additional: &allow}
}

// Required returns the names of required fields in declaration order.
func (v View) Required() []string {
	var req []string
	for _, f := range v.fields {
		if f.Required {
			req = append(req, f.Name)
		}
	}
	return req
}

// Static renders the view without evaluating any enum generator. Static enum
// values are kept.
func (v View) Static() mcp.ToolInputSchema {
	return v.render(nil)
}

// OutputSchema renders the view as a tool output schema.
func (v View) OutputSchema() *mcp.ToolOutputSchema {
	in := v.Static()
	return &mcp.ToolOutputSchema{Type: in.Type, Properties: in.Properties, Required: in.Required}
}

func (v View) render(enums map[string][]string) mcp.ToolInputSchema {
	props := make(map[string]mcp.SchemaProperty, len(v.fields))
	for _, f := range v.fields {
		p := mcp.SchemaProperty{
			Type:        f.Type,
			Description: f.Description,
			Items:       f.Items,
			Properties:  f.Properties,
			Required:    f.RequiredMembers,
		}
		if len(f.Enum) > 0 {
			p.Enum = slices.Clone(f.Enum)
		}
		if f.EnumRef != "" {
			p.Enum = nil
			if vals, ok := enums[f.Name]; ok {
				p.Enum = make([]any, len(vals))
				for i, s := range vals {
					p.Enum[i] = s
				}
			}
		}
		props[f.Name] = p
	}
	s := mcp.ToolInputSchema{
		Type:       TypeObject,
		Properties: props,
		Required:   v.Required(),
	}
	if v.additional != nil {
		allow := *v.additional
		s.AdditionalProperties = &allow
	}
	return s
}
