package agentworld

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound indicates a world, agent, chat, or archive that does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a uniqueness violation, such as creating an agent
// whose ID is already taken in the world.
var ErrConflict = errors.New("conflict")

// ValidationError reports invalid caller input (empty names, bad params).
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// ProviderError wraps a failure from an LLM provider call.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("provider %s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ToolError wraps a failure raised while executing a tool call.
type ToolError struct {
	Tool    string
	Message string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s: %s", e.Tool, e.Message)
}

// StorageError wraps a failure from the persistence layer, tagged with the
// operation that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsCanceled reports whether err stems from context cancellation or a
// deadline, directly or wrapped.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
