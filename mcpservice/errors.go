package mcpservice

import (
	"errors"

	"github.com/ggoodman/mcp-engine-go/schema"
)

var (
	// ErrToolNotFound is returned when tools/call names an unregistered tool.
	ErrToolNotFound = errors.New("tool not found")
	// ErrPromptNotFound is returned when prompts/get names an unregistered prompt.
	ErrPromptNotFound = errors.New("prompt not found")
	// ErrResourceNotFound is returned for reads of an unregistered uri.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrInvalidResourceContents is returned when a resource handler produces a
	// content block without exactly one of text or blob.
	ErrInvalidResourceContents = errors.New("resource content must carry exactly one of text or blob")
)

// ValidationError names the argument that failed input checks. The handler
// was not invoked.
type ValidationError = schema.ValidationError

// HandlerError carries the message of an error returned by a prompt or
// resource handler. It is surfaced to the client verbatim.
type HandlerError struct {
	Msg string
	Err error
}

func (e *HandlerError) Error() string { return e.Msg }

func (e *HandlerError) Unwrap() error { return e.Err }

func handlerError(err error) *HandlerError {
	return &HandlerError{Msg: err.Error(), Err: err}
}
