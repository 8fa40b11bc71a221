package mfa

import "errors"

var (
	ErrDeviceExists           = errors.New("an active TOTP device is already enrolled")
	ErrNoDevice               = errors.New("no TOTP device enrolled")
	ErrDeviceNotConfirmed     = errors.New("TOTP device is not confirmed")
	ErrDeviceAlreadyConfirmed = errors.New("TOTP device is already confirmed")
	ErrInvalidCode            = errors.New("invalid TOTP code")
	ErrInvalidBackupCode      = errors.New("invalid backup code")
)
