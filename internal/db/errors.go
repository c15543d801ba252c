package db

import (
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/kernel/internal/ir"
)

// PartitionViolationError is returned when a query addresses an entity
// outside the caller's allowed partitions. It is never downgraded to an
// empty result.
type PartitionViolationError struct {
	EID     ir.EID
	Allowed ir.Partitions
}

func (e *PartitionViolationError) Error() string {
	allowed := make([]int, 0, len(e.Allowed))
	for p := range e.Allowed {
		allowed = append(allowed, int(p))
	}
	slices.Sort(allowed)
	return fmt.Sprintf("attempted to query hidden partition: entity %s (partition %d) not in allowed partitions %v",
		e.EID, e.EID.Partition(), allowed)
}

// IsPartitionViolation reports whether err is a PartitionViolationError.
func IsPartitionViolation(err error) bool {
	var pv *PartitionViolationError
	return errors.As(err, &pv)
}

// MutationErrorCode categorizes rejected mutations.
type MutationErrorCode string

const (
	ErrCodeUnknownAttribute MutationErrorCode = "UNKNOWN_ATTRIBUTE"
	ErrCodeTypeMismatch     MutationErrorCode = "TYPE_MISMATCH"
	ErrCodeUniqueConflict   MutationErrorCode = "UNIQUE_CONFLICT"
	ErrCodeUnknownEntity    MutationErrorCode = "UNKNOWN_ENTITY"
	ErrCodeCommitted        MutationErrorCode = "COMMITTED"
)

// MutationError reports an instruction the graph refused to expand.
type MutationError struct {
	Code    MutationErrorCode
	E       ir.EID
	A       string
	Message string
}

func (e *MutationError) Error() string {
	if e.A != "" {
		return fmt.Sprintf("%s: %s (entity=%s, attr=%s)", e.Code, e.Message, e.E, e.A)
	}
	return fmt.Sprintf("%s: %s (entity=%s)", e.Code, e.Message, e.E)
}

// IsMutationError reports whether err is a MutationError with the given code.
func IsMutationError(err error, code MutationErrorCode) bool {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
