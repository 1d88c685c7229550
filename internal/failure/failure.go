// Package failure defines the error kinds shared by every financial component.
//
// Components declare their own sentinel errors wrapping one of the kind
// sentinels below, so callers can branch on either the precise error
// (errors.Is(err, ledger.ErrInsufficientCredits)) or the broad kind
// (failure.KindOf(err) == failure.KindInsufficientCredits).
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned by the core.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindNotFound            Kind = "not_found"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindInvalidState        Kind = "invalid_state"
	KindUnknownProvider     Kind = "unknown_provider"
	KindProviderFailure     Kind = "provider_failure"
	KindBadRequest          Kind = "bad_request"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidState        = errors.New("invalid state")
	ErrUnknownProvider     = errors.New("unknown provider")
	ErrProviderFailure     = errors.New("provider failure")
	ErrBadRequest          = errors.New("bad request")
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrNotFound, KindNotFound},
	{ErrInsufficientCredits, KindInsufficientCredits},
	{ErrInvalidState, KindInvalidState},
	{ErrUnknownProvider, KindUnknownProvider},
	{ErrProviderFailure, KindProviderFailure},
	{ErrBadRequest, KindBadRequest},
}

// New returns an error with the given message that matches kind's sentinel.
func New(kind error, msg string) error {
	return fmt.Errorf("%s: %w", msg, kind)
}

// KindOf reports the kind of err. Errors outside the taxonomy are KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	return KindUnknown
}
