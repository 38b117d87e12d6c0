package bob

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidSchedule reports a schedule string that no recognized form matched.
type ErrInvalidSchedule struct {
	Input string
}

func (e *ErrInvalidSchedule) Error() string {
	return fmt.Sprintf("invalid schedule: %q", e.Input)
}

// ErrPathEscape reports a script or lookup path that resolves outside its root.
type ErrPathEscape struct {
	Path string
}

func (e *ErrPathEscape) Error() string {
	return fmt.Sprintf("path escapes root: %q", e.Path)
}

// ErrTransport is a chat-API error response.
type ErrTransport struct {
	Code        int
	Description string
}

func (e *ErrTransport) Error() string {
	return fmt.Sprintf("transport error %d: %s", e.Code, e.Description)
}

// ErrEngine reports a failed engine invocation.
type ErrEngine struct {
	Engine  string
	Message string
}

func (e *ErrEngine) Error() string {
	return fmt.Sprintf("%s: %s", e.Engine, e.Message)
}

// IsNotModified reports whether err is the transport's "message is not
// modified" edit rejection, which callers swallow.
func IsNotModified(err error) bool {
	var te *ErrTransport
	if errors.As(err, &te) {
		return strings.Contains(te.Description, "message is not modified")
	}
	return false
}

// IsEntityError reports whether err is an entity-parsing rejection, which
// triggers a one-shot retry without entities.
func IsEntityError(err error) bool {
	var te *ErrTransport
	if errors.As(err, &te) {
		d := strings.ToLower(te.Description)
		return strings.Contains(d, "parse entities") || strings.Contains(d, "entity")
	}
	return false
}
