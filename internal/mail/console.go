package mail

import "log/slog"

// ConsoleMailSender logs outgoing mail instead of delivering it. It is the
// non-production fallback when no SMTP backend is configured.
type ConsoleMailSender struct{}

func (s *ConsoleMailSender) Send(message *Message) error {
	slog.Info("mail (console backend)",
		"to", message.To,
		"subject", message.Subject,
		"body", message.Body,
	)
	return nil
}

func NewConsoleMailSender() *ConsoleMailSender {
	return &ConsoleMailSender{}
}
