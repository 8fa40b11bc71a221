package sms

import "log/slog"

// SMSSender is the injected text-message capability. Delivery failures are
// surfaced to callers but never roll back state that was already persisted.
type SMSSender interface {
	Send(to string, body string) error
}

// ConsoleSMSSender logs messages instead of sending them; the non-production
// fallback.
type ConsoleSMSSender struct{}

func (s *ConsoleSMSSender) Send(to string, body string) error {
	slog.Info("sms (console backend)", "to", to, "body", body)
	return nil
}

func NewConsoleSMSSender() *ConsoleSMSSender {
	return &ConsoleSMSSender{}
}
