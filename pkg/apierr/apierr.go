// Package apierr defines the error taxonomy shared by the inventory store,
// the credential broker and the fleet executor.
//
// Every error that crosses a component boundary is either an *Error or an
// AWS API error which KindOf can classify. The executor uses the Kind to decide
// whether an account is retried, skipped or failed.
package apierr

import (
	"context"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	// Authorization is returned when a role assumption is denied.
	// It is fatal to the affected account only.
	Authorization
	// Throttling errors are retried with exponential backoff.
	Throttling
	// NotFound means the target account or resource vanished. Reported as Skipped.
	NotFound
	// Conflict is an optimistic-lock mismatch. Retried a bounded number of times.
	Conflict
	// Validation errors are fatal to the whole run.
	Validation
)

func (k Kind) String() string {
	switch k {
	case Authorization:
		return "AuthorizationError"
	case Throttling:
		return "ThrottlingError"
	case NotFound:
		return "NotFoundError"
	case Conflict:
		return "ConflictError"
	case Validation:
		return "ValidationError"
	default:
		return "UnknownError"
	}
}

type Error struct {
	Kind      Kind
	AccountID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg += " during " + e.Op
	}
	if e.AccountID != "" {
		msg += " for account " + e.AccountID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is(err, &Error{Kind: k}) match any error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.AccountID == "" && t.Op == "" && t.Err == nil
}

func newError(kind Kind, accountID string, err error) *Error {
	return &Error{Kind: kind, AccountID: accountID, Err: err}
}

func NewAuthorization(accountID string, err error) *Error {
	return newError(Authorization, accountID, err)
}

func NewThrottling(accountID string, err error) *Error {
	return newError(Throttling, accountID, err)
}

func NewNotFound(accountID string, err error) *Error {
	return newError(NotFound, accountID, err)
}

func NewConflict(accountID string, err error) *Error {
	return newError(Conflict, accountID, err)
}

// Validationf builds a Validation error from a format string.
func Validationf(format string, args ...any) *Error {
	return newError(Validation, "", fmt.Errorf(format, args...))
}

// WithOp returns a copy of err annotated with the operation name, if err is an *Error.
// Other errors are classified first so the Kind is never lost.
func WithOp(err error, op string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		cp := *e
		cp.Op = op
		return &cp
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

var authorizationCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"UnauthorizedOperation":       true,
	"AuthFailure":                 true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"ExpiredTokenException":       true,
	"RegionDisabledException":     true,
	"UnrecognizedClientException": true,
}

var throttlingCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"TooManyRequestsException":               true,
	"ProvisionedThroughputExceededException": true,
	"RequestLimitExceeded":                   true,
	"RequestThrottledException":              true,
	"SlowDown":                               true,
}

var notFoundCodes = map[string]bool{
	"NoSuchEntity":                     true,
	"ResourceNotFoundException":        true,
	"ParameterNotFound":                true,
	"InvalidRouteTableID.NotFound":     true,
	"InvalidRoute.NotFound":            true,
	"InvalidTransitGatewayID.NotFound": true,
}

var conflictCodes = map[string]bool{
	"ConditionalCheckFailedException": true,
	"TransactionConflictException":    true,
	"ConcurrentModification":          true,
	"DeleteConflict":                  true,
}

var validationCodes = map[string]bool{
	"ValidationError":       true,
	"ValidationException":   true,
	"InvalidParameterValue": true,
}

// KindOf classifies err. *Error values keep their Kind; AWS API errors are
// classified from their error code.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case authorizationCodes[code]:
			return Authorization
		case throttlingCodes[code]:
			return Throttling
		case notFoundCodes[code]:
			return NotFound
		case conflictCodes[code]:
			return Conflict
		case validationCodes[code]:
			return Validation
		}
	}
	return Unknown
}

// Classify wraps err as an *Error of the detected Kind, tagged with the account.
// An err that is already an *Error is returned unchanged.
func Classify(accountID string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return newError(KindOf(err), accountID, err)
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether an error of this kind should be retried.
func Retryable(kind Kind) bool {
	return kind == Throttling || kind == Conflict
}

// IsCancellation reports whether err is due to the context being cancelled or timing out.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
