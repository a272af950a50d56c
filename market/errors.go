package market

import (
	"errors"
	"fmt"
	"time"
)

// Sentinels for errors.Is matching across the taxonomy.
var (
	// ErrValidation marks a missing or malformed user selection. It blocks a
	// forward step and is recoverable by the user.
	ErrValidation = errors.New("validation failed")
	// ErrStaleOffer marks an attempt to accept an offer past its expiry.
	ErrStaleOffer = errors.New("offer has expired")
	// ErrInvariant marks an attempt to reach a gated step or mutate
	// immutable state. Callers should prevent it, but it never corrupts state.
	ErrInvariant = errors.New("invariant violation")
)

// ValidationError reports a missing required selection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StaleOfferError reports acceptance of an offer whose ExpiresAt has passed.
type StaleOfferError struct {
	OfferID   string
	ExpiresAt time.Time
	Now       time.Time
}

func (e *StaleOfferError) Error() string {
	return fmt.Sprintf("offer %s expired at %s (now %s)",
		e.OfferID, e.ExpiresAt.Format(time.RFC3339), e.Now.Format(time.RFC3339))
}

func (e *StaleOfferError) Is(target error) bool { return target == ErrStaleOffer }

// InvariantViolation reports a transition attempted without its precondition.
type InvariantViolation struct {
	Op     string
	From   string
	To     string
	Reason string
}

func (e *InvariantViolation) Error() string {
	if e.From != "" || e.To != "" {
		return fmt.Sprintf("%s %s -> %s: %s", e.Op, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariant }

// Violation is shorthand for an *InvariantViolation without state names.
func Violation(op, reason string) error {
	return &InvariantViolation{Op: op, Reason: reason}
}
