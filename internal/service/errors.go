package service

import "errors"

// ErrInvalidQuantity means a non-positive quantity was passed.
var ErrInvalidQuantity = errors.New("quantity must be positive")

// ErrContended means the reservation could not see enough unlocked rows (or
// lost a version race). Transient: the caller may retry the whole attempt.
var ErrContended = errors.New("stock rows contended, retry reservation")

// ErrInvariantViolation marks a caller bug, e.g. releasing more than is
// reserved. Never coerced or clamped; logged loudly.
var ErrInvariantViolation = errors.New("stock invariant violation")
