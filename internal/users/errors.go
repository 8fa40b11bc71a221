package users

import "errors"

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrUsernameTaken   = errors.New("username is already taken")
	ErrEmailRegistered = errors.New("email is already registered")
	ErrInvalidPassword = errors.New("invalid password")
	ErrAccountDisabled = errors.New("account is disabled")
)
