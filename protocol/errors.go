package protocol

import "fmt"

// RejectKind classifies why a frame never became a Command.
type RejectKind int

const (
	TooLarge RejectKind = iota + 1
	Malformed
	Schema
)

func (k RejectKind) String() string {
	switch k {
	case TooLarge:
		return "too_large"
	case Malformed:
		return "malformed"
	case Schema:
		return "schema"
	}
	return "unknown"
}

// RejectError is returned by Parse for every frame it refuses.
type RejectError struct {
	Kind   RejectKind
	Type   string // command name when it was readable
	Reason string
}

func (e *RejectError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s frame (%s): %s", e.Kind, e.Type, e.Reason)
	}
	return fmt.Sprintf("%s frame: %s", e.Kind, e.Reason)
}

func reject(kind RejectKind, typ, format string, args ...any) *RejectError {
	return &RejectError{Kind: kind, Type: typ, Reason: fmt.Sprintf(format, args...)}
}
