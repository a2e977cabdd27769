// Package apperrors provides the standardized exchange-error vocabulary and
// the Kind classifier that drives spec.md §7's error-handling taxonomy.
package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Kind is the error category spec.md §4.A and §7 dispatch on.
type Kind string

const (
	KindTransient  Kind = "transient"
	KindAuth       Kind = "auth"
	KindValidation Kind = "validation"
	KindRateLimit  Kind = "rate_limited"
	KindUnknown    Kind = "unknown"
)

// Classify maps one of the sentinel errors above (or a wrapped one) to its
// Kind. Unrecognized errors classify as transient: callers treat them the
// same way the taxonomy treats network blips, which is the safe default.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrAuthenticationFailed):
		return KindAuth
	case errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrInvalidSymbol),
		errors.Is(err, ErrInvalidOrderParameter),
		errors.Is(err, ErrOrderRejected),
		errors.Is(err, ErrDuplicateOrder),
		errors.Is(err, ErrTimestampOutOfBounds):
		return KindValidation
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimit
	case errors.Is(err, ErrNetwork),
		errors.Is(err, ErrExchangeMaintenance),
		errors.Is(err, ErrSystemOverload),
		errors.Is(err, ErrOrderNotFound):
		return KindTransient
	default:
		return KindTransient
	}
}
