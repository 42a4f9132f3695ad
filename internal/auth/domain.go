package auth

import "time"

// Principal represents an authenticated user account of the dealer platform.
type Principal struct {
	ID           int64
	Email        string
	PasswordHash string
	IsActive     bool
	// DefaultDealerID is the dealer context a fresh session starts in,
	// zero for principals without a home dealer.
	DefaultDealerID int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
