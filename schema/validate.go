package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// ValidationError describes the first argument that failed schema checks.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid arguments: " + e.Reason
	}
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// Validate checks args (a JSON object) against the static form of v: required
// fields must be present and present fields must match their declared types.
// Dynamic enum constraints are not enforced here. An empty args document is
// treated as {}.
func Validate(v View, args json.RawMessage) error {
	if len(strings.TrimSpace(string(args))) == 0 || string(args) == "null" {
		args = json.RawMessage("{}")
	}
	schemaBytes, err := json.Marshal(v.Static())
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	res, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaBytes), gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Reason: err.Error()}
	}
	if res.Valid() {
		return nil
	}

	first := res.Errors()[0]
	field := first.Field()
	if field == "(root)" {
		field = ""
	}
	// A required error sits on the parent object; name the member itself.
	if first.Type() == "required" {
		if p, ok := first.Details()["property"].(string); ok {
			if field != "" {
				p = field + "." + p
			}
			field = p
		}
	}
	return &ValidationError{Field: field, Reason: first.Description()}
}
