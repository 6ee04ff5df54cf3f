package domain

import (
	"errors"
	"fmt"
)

var (
	ErrTransientExternal  = errors.New("transient external failure")
	ErrSchemaValidation   = errors.New("schema validation failure")
	ErrDuplicateIngestion = errors.New("duplicate ingestion")
	ErrEvidenceConflict   = errors.New("page evidence already recorded")
	ErrSessionNotFound    = errors.New("session not found")
	ErrFileNotFound       = errors.New("raw file not found")
	ErrPersistence        = errors.New("persistence failure")
	ErrInvalidInput       = errors.New("invalid input")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}
