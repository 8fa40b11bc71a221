package verification

import "errors"

var (
	ErrTokenInvalid    = errors.New("verification token is invalid")
	ErrTokenExpired    = errors.New("verification token is expired")
	ErrTooManyAttempts = errors.New("too many verification attempts")
	ErrNoPhoneNumber   = errors.New("user has no phone number on file")
	ErrDeliveryFailed  = errors.New("verification message could not be delivered")
)
