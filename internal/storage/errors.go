package storage

import (
	"errors"
	"fmt"
)

// DecodeError reports a stored value that could not be decoded.
type DecodeError struct {
	UID  string
	Attr string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Attr == "" {
		return fmt.Sprintf("decode entity %q: %v", e.UID, e.Err)
	}
	return fmt.Sprintf("decode entity %q attribute %s: %v", e.UID, e.Attr, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SchemaError reports a loaded entity that violates the registry.
type SchemaError struct {
	UID     string
	Attr    string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Attr == "" {
		return fmt.Sprintf("entity %q: %s", e.UID, e.Message)
	}
	return fmt.Sprintf("entity %q attribute %s: %s", e.UID, e.Attr, e.Message)
}

// FormatVersionError is returned for documents written by a newer build.
type FormatVersionError struct {
	Found     int
	Supported int
}

func (e *FormatVersionError) Error() string {
	return fmt.Sprintf("durable snapshot format %d is newer than supported format %d", e.Found, e.Supported)
}

// IsDecodeError reports whether err is, or wraps, a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// IsSchemaError reports whether err is, or wraps, a SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// IsFormatVersionError reports whether err is, or wraps, a FormatVersionError.
func IsFormatVersionError(err error) bool {
	var fe *FormatVersionError
	return errors.As(err, &fe)
}
