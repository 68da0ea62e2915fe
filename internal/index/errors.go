package index

import (
	"errors"
	"fmt"
)

// ErrUniqueViolation matches every *UniqueViolationError under errors.Is.
var ErrUniqueViolation = errors.New("unique constraint violated")

// ErrNoFields is returned when an index is declared without any field.
var ErrNoFields = errors.New("an index needs at least one field")

// UniqueViolationError reports an insertion of a key already present in a unique index.
type UniqueViolationError struct {
	Key       any
	FieldName string
}

func (e *UniqueViolationError) Error() string {
	return fmt.Sprintf("can't insert key %v, it violates the unique constraint on %q", e.Key, e.FieldName)
}

func (e *UniqueViolationError) Is(target error) bool {
	return target == ErrUniqueViolation
}
