package app

import (
	"errors"
	"fmt"

	"atlaslibrary/internal/lock"
	"atlaslibrary/pkg/store"
)

// Kind classifies a business failure so the HTTP layer can map it to a status.
type Kind int

const (
	KindBadRequest Kind = iota + 1
	KindConflict
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad_request"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// Error is a business-rule failure. Message is safe to show to clients;
// Details carries optional structured context such as the current book status.
type Error struct {
	Kind    Kind
	Message string
	Details any
}

func (e *Error) Error() string { return e.Message }

func BadRequest(msg string, details any) error {
	return &Error{Kind: KindBadRequest, Message: msg, Details: details}
}

func Conflict(msg string, details any) error {
	return &Error{Kind: KindConflict, Message: msg, Details: details}
}

func NotFound(msg string, details any) error {
	return &Error{Kind: KindNotFound, Message: msg, Details: details}
}

func Unauthorized(msg string, details any) error {
	return &Error{Kind: KindUnauthorized, Message: msg, Details: details}
}

// KindOf reports the kind of a business error anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind, true
	}
	return 0, false
}

// outcomeErr turns an update outcome into the matching business error.
func outcomeErr(outcome store.UpdateOutcome, notFound, duplicate string) error {
	switch outcome {
	case store.OutcomeNotFound:
		return NotFound(notFound, nil)
	case store.OutcomeNoOp:
		return Conflict(duplicate, nil)
	default:
		return nil
	}
}

// storeErr maps store sentinels to business errors and wraps everything else.
func storeErr(err error, op, duplicate string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrDuplicate):
		return Conflict(duplicate, nil)
	case errors.Is(err, store.ErrReferenced):
		return Conflict("Record is still referenced by other records", nil)
	case errors.Is(err, lock.ErrNotAcquired):
		return Conflict("Book is busy, try again", nil)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
