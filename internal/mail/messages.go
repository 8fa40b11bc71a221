package mail

import (
	"github.com/Patopm/grupos-estudiantiles-sub000/internal/render"
)

func SendEmailVerification(sender MailSender, toEmail string, verifyURL string) error {
	body, err := render.RenderHTML("mail/verify-email", map[string]interface{}{
		"verifyURL":   verifyURL,
		"expireHours": 24,
	})
	if err != nil {
		return err
	}
	return sender.Send(&Message{
		To:      []string{toEmail},
		Subject: "Confirma tu correo electrónico",
		Body:    body,
		IsHTML:  true,
	})
}

func SendPasswordReset(sender MailSender, toEmail string, resetURL string) error {
	body, err := render.RenderHTML("mail/reset-password", map[string]interface{}{
		"resetURL":      resetURL,
		"expireMinutes": 60,
	})
	if err != nil {
		return err
	}
	return sender.Send(&Message{
		To:      []string{toEmail},
		Subject: "Restablece tu contraseña",
		Body:    body,
		IsHTML:  true,
	})
}
