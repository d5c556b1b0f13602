package notify

import (
	"context"
	"fmt"
	"html"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

// SendGridMailer sends plain notification emails through SendGrid.
type SendGridMailer struct {
	client    *sendgrid.Client
	fromEmail string
	fromName  string
}

func NewSendGridMailer(apiKey, fromEmail, fromName string) *SendGridMailer {
	return &SendGridMailer{
		client:    sendgrid.NewSendClient(apiKey),
		fromEmail: fromEmail,
		fromName:  fromName,
	}
}

func (m *SendGridMailer) Send(ctx context.Context, toEmail, toName, subject, body string) error {
	from := mail.NewEmail(m.fromName, m.fromEmail)
	to := mail.NewEmail(toName, toEmail)
	htmlBody := "<p>" + html.EscapeString(body) + "</p>"
	message := mail.NewSingleEmail(from, subject, to, body, htmlBody)

	response, err := m.client.SendWithContext(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d, body: %s", response.StatusCode, response.Body)
	}
	return nil
}
