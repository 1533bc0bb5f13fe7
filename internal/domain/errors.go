package domain

import "errors"

// Domain errors
var (
	ErrUserNotFound      = errors.New("user not found")
	ErrPurchaseNotFound  = errors.New("purchase not found")
	ErrAggregateNotFound = errors.New("monthly aggregate not found")
	ErrEntryNotFound     = errors.New("leaderboard entry not found")
	ErrInvalidEvent      = errors.New("invalid change event")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInternalError     = errors.New("internal server error")
)

// IsNotFoundError checks if an error is a not-found type error
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrPurchaseNotFound) ||
		errors.Is(err, ErrAggregateNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
