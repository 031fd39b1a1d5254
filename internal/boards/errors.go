package boards

import (
	"errors"
	"fmt"
)

// ErrorKind classifies service failures for transport mapping.
type ErrorKind string

const (
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindForbidden       ErrorKind = "forbidden"
	KindNotFound        ErrorKind = "not_found"
	KindValidation      ErrorKind = "validation_error"
	KindConflict        ErrorKind = "conflict"
	KindStore           ErrorKind = "store_error"
)

var (
	ErrBoardNotFound        = errors.New("boards: board not found")
	ErrColumnNotFound       = errors.New("boards: column not found")
	ErrCardNotFound         = errors.New("boards: card not found")
	ErrUserNotFound         = errors.New("boards: user not found")
	ErrCollaboratorNotFound = errors.New("boards: collaborator not found")
	ErrForbidden            = errors.New("boards: capability not held")
	ErrUnauthenticated      = errors.New("boards: actor required")
	ErrColumnNotEmpty       = errors.New("boards: column still holds cards")
	ErrInvalidTitle         = errors.New("boards: invalid title")
	ErrInvalidDescription   = errors.New("boards: invalid description")
	ErrInvalidPosition      = errors.New("boards: invalid position")
	ErrInvalidIdentifier    = errors.New("boards: invalid identifier")
	ErrEmptyUpdate          = errors.New("boards: update carries no changes")
	ErrOwnerCollaborator    = errors.New("boards: owner cannot be a collaborator")

	errMissingStore      = errors.New("board store is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("user directory is required")
)

// ServiceError carries a failure kind plus a stable "operation.reason" code.
type ServiceError struct {
	kind ErrorKind
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-stable "operation.reason" code.
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the failure class.
func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

func newServiceError(kind ErrorKind, operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{kind: kind, code: code, err: cause}
}

// KindOf extracts the failure class of err. Unclassified errors are store errors.
func KindOf(err error) ErrorKind {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.kind
	}
	return KindStore
}

// CodeOf extracts the "operation.reason" code of err, or "" when unclassified.
func CodeOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.code
	}
	return ""
}

// classify maps the package sentinels onto kinds and reasons.
func classify(err error) (ErrorKind, string) {
	switch {
	case errors.Is(err, ErrBoardNotFound):
		return KindNotFound, "board_not_found"
	case errors.Is(err, ErrColumnNotFound):
		return KindNotFound, "column_not_found"
	case errors.Is(err, ErrCardNotFound):
		return KindNotFound, "card_not_found"
	case errors.Is(err, ErrUserNotFound):
		return KindNotFound, "user_not_found"
	case errors.Is(err, ErrCollaboratorNotFound):
		return KindNotFound, "collaborator_not_found"
	case errors.Is(err, ErrForbidden):
		return KindForbidden, "forbidden"
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated, "unauthenticated"
	case errors.Is(err, ErrColumnNotEmpty):
		return KindConflict, "column_not_empty"
	case errors.Is(err, ErrInvalidTitle):
		return KindValidation, "invalid_title"
	case errors.Is(err, ErrInvalidDescription):
		return KindValidation, "invalid_description"
	case errors.Is(err, ErrInvalidPosition):
		return KindValidation, "invalid_position"
	case errors.Is(err, ErrInvalidIdentifier):
		return KindValidation, "invalid_identifier"
	case errors.Is(err, ErrEmptyUpdate):
		return KindValidation, "empty_update"
	case errors.Is(err, ErrOwnerCollaborator):
		return KindValidation, "owner_collaborator"
	default:
		return KindStore, "store_failed"
	}
}
