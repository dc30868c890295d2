// Package ledger does the arithmetic for multi-session packages: which
// session an appointment is, what the counter becomes afterwards, and how the
// appointment is labelled. Persisting the counter is the store's job.
package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidState        = errors.New("package state invalid")
	ErrNoSessionsRemaining = errors.New("no sessions remaining")
)

// SessionNumber returns the 1-indexed position of the next appointment in a
// package of purchased sessions with remaining sessions left.
func SessionNumber(purchased, remaining int) (int, error) {
	if err := checkCounts(purchased, remaining); err != nil {
		return 0, err
	}
	n := purchased - remaining + 1
	if n < 1 {
		n = 1
	}
	if n > purchased {
		n = purchased
	}
	return n, nil
}

// Decrement floors at zero. Callers check for zero first and report
// ErrNoSessionsRemaining themselves.
func Decrement(remaining int) int {
	if remaining <= 0 {
		return 0
	}
	return remaining - 1
}

func checkCounts(purchased, remaining int) error {
	switch {
	case purchased < 1:
		return fmt.Errorf("%w: purchased quantity %d", ErrInvalidState, purchased)
	case remaining < 0:
		return fmt.Errorf("%w: remaining sessions %d", ErrInvalidState, remaining)
	case remaining > purchased:
		return fmt.Errorf("%w: remaining %d exceeds purchased %d", ErrInvalidState, remaining, purchased)
	}
	return nil
}
