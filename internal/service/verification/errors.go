package verification

import "errors"

// Sentinel errors for token redemption.
var (
	ErrTokenNotFound     = errors.New("token not found")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenAlreadyUsed  = errors.New("token already used")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)
