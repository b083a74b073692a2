package audit

import (
	"errors"

	"github.com/docuvault/docuvault/internal/db/repositories"
)

var (
	// ErrValidation is returned when an event fails pre-persistence checks.
	// Validation failures are terminal, never retried.
	ErrValidation = errors.New("audit event validation failed")

	// ErrInvalidActionType is returned when an event names an action outside
	// the closed taxonomy.
	ErrInvalidActionType = errors.New("unknown audit action type")

	// ErrWormViolation and ErrPersistence originate in the store; re-exported
	// so callers of the service do not import the repositories package.
	ErrWormViolation = repositories.ErrWormViolation
	ErrPersistence   = repositories.ErrPersistence
	ErrNotFound      = repositories.ErrNotFound
)
