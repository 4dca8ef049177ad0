// Package apperr defines the error taxonomy shared by the settlement core.
//
// Packages declare their sentinel errors with the constructors below and
// callers compare with errors.Is. Handlers translate a Kind into an HTTP
// status with HTTPStatus.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for recovery and presentation.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindInvalidTransition Kind = "invalid_transition"
	KindInsufficientStock Kind = "insufficient_stock"
	KindConflict          Kind = "concurrency_conflict"
	KindGateway           Kind = "gateway_error"
	KindNotFound          Kind = "not_found"
	KindAuthorization     Kind = "unauthorized"
	KindInvalidState      Kind = "invalid_state"
	KindInternal          Kind = "internal_error"
)

// Error is a classified error. Sentinels are *Error values; wrapped
// instances keep the sentinel reachable through Unwrap.
type Error struct {
	Kind      Kind
	Msg       string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg == "" {
			return e.Err.Error()
		}
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by identity and bare kinds by Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t == e {
		return true
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

func newKind(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

func Validation(msg string) *Error        { return newKind(KindValidation, msg) }
func InvalidTransition(msg string) *Error { return newKind(KindInvalidTransition, msg) }
func InsufficientStock(msg string) *Error { return newKind(KindInsufficientStock, msg) }
func Conflict(msg string) *Error          { return newKind(KindConflict, msg) }
func NotFound(msg string) *Error          { return newKind(KindNotFound, msg) }
func Authorization(msg string) *Error     { return newKind(KindAuthorization, msg) }
func InvalidState(msg string) *Error      { return newKind(KindInvalidState, msg) }

// Gateway wraps a payment provider failure.
func Gateway(err error, retryable bool) *Error {
	return &Error{Kind: KindGateway, Msg: "payment gateway", Retryable: retryable, Err: err}
}

// Wrap attaches detail to a sentinel while keeping errors.Is(err, sentinel) true.
func Wrap(sentinel *Error, detail string) error {
	return &Error{Kind: sentinel.Kind, Msg: detail, Retryable: sentinel.Retryable, Err: sentinel}
}

// Kind markers usable with errors.Is to test the class of any error.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
	ErrInsufficientStock = &Error{Kind: KindInsufficientStock}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrGateway           = &Error{Kind: KindGateway}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrAuthorization     = &Error{Kind: KindAuthorization}
	ErrInvalidState      = &Error{Kind: KindInvalidState}
)

// KindOf returns the Kind of the outermost classified error, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsRetryable reports whether err is a concurrency conflict or a retryable
// gateway failure.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	for cur := e; cur != nil; {
		if cur.Kind == KindConflict || (cur.Kind == KindGateway && cur.Retryable) {
			return true
		}
		var next *Error
		if cur.Err == nil || !errors.As(cur.Err, &next) {
			break
		}
		cur = next
	}
	return false
}

// IsExpected reports whether err is an ordinary business failure that should
// be logged without paging.
func IsExpected(err error) bool {
	switch KindOf(err) {
	case KindInternal, KindGateway:
		return false
	}
	return true
}

// HTTPStatus maps an error to the status code handlers respond with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthorization:
		return http.StatusForbidden
	case KindInvalidTransition, KindInvalidState, KindConflict:
		return http.StatusConflict
	case KindInsufficientStock:
		return http.StatusUnprocessableEntity
	case KindGateway:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
