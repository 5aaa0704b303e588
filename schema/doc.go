// Package schema describes the argument and result shapes of tools and
// prompts, and turns those descriptions into JSON Schema objects.
//
// A View is an immutable list of field descriptors. Any field may reference a
// named enum generator; the generator is looked up in an Enums set and
// evaluated by a Renderer each time a list response is built, so the allowed
// values always reflect current runtime state. Nothing is cached between
// renders.
//
// Views are usually produced by Reflect, which derives the static part from a
// Go struct using invopop/jsonschema. The `mcpenum` struct tag attaches a
// generator name to a field:
//
//	type SetLevelArgs struct {
//		Level string `json:"level" jsonschema:"description=Log level" mcpenum:"log_levels"`
//	}
//
// Validate checks decoded arguments against the static part of a View with
// xeipuuv/gojsonschema.
package schema
