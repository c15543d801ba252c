package schema

import (
	"errors"
	"fmt"

	"cuelang.org/go/cue/token"
)

// ErrorCode categorizes schema errors.
type ErrorCode string

const (
	ErrCodeInvalidIdent     ErrorCode = "INVALID_IDENT"
	ErrCodeDuplicate        ErrorCode = "DUPLICATE"
	ErrCodeInvalidAttribute ErrorCode = "INVALID_ATTRIBUTE"
	ErrCodeUnknownAttribute ErrorCode = "UNKNOWN_ATTRIBUTE"
	ErrCodeCUE              ErrorCode = "CUE"
	ErrCodeNotFound         ErrorCode = "NOT_FOUND"
)

// SchemaError reports an invalid schema definition.
type SchemaError struct {
	Code    ErrorCode
	Ident   string
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	prefix := string(e.Code)
	if e.Ident != "" {
		prefix = fmt.Sprintf("%s %s", e.Code, e.Ident)
	}
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), prefix, e.Message)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

// IsSchemaError reports whether err is a SchemaError with the given code.
func IsSchemaError(err error, code ErrorCode) bool {
	var se *SchemaError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
