package kernel

import "github.com/google/uuid"

// UUIDv7Generator produces time-ordered UUIDv7 strings. Used for kernel
// ids and kernel/uid values.
type UUIDv7Generator struct{}

// Generate returns a new UUIDv7. It panics only if the system random
// source fails, which the uuid package treats as unrecoverable.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
