package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
)

var (
	welcomeHTML = template.Must(template.New("welcome").Parse(
		`<h1>Welcome to EcoScan, {{.Name}}!</h1>
<p>Scan the QR code on any EcoScan bin to log a disposal and start earning points.</p>`))
	verifyHTML = template.Must(template.New("verify").Parse(
		`<p>Hi {{.Name}},</p>
<p>Confirm your email address by opening the link below. It expires in 24 hours.</p>
<p><a href="{{.Link}}">Verify my email</a></p>`))
)

// Mailer renders the account emails and hands them to a Sender.
type Mailer struct {
	sender Sender
}

// NewMailer wraps sender.
func NewMailer(sender Sender) *Mailer {
	return &Mailer{sender: sender}
}

// SendWelcome sends the sign-up welcome email.
func (m *Mailer) SendWelcome(ctx context.Context, to, name string) error {
	html, err := render(welcomeHTML, map[string]string{"Name": name})
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Welcome to EcoScan",
		HTML:    html,
		Text:    fmt.Sprintf("Welcome to EcoScan, %s! Scan the QR code on any EcoScan bin to start earning points.", name),
	}).Err()
}

// SendVerification sends the email verification link.
func (m *Mailer) SendVerification(ctx context.Context, to, name, link string) error {
	html, err := render(verifyHTML, map[string]string{"Name": name, "Link": link})
	if err != nil {
		return err
	}
	return m.sender.Send(ctx, Message{
		To:      to,
		Subject: "Verify your EcoScan email",
		HTML:    html,
		Text:    fmt.Sprintf("Hi %s, confirm your email address: %s (expires in 24 hours)", name, link),
	}).Err()
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.String(), nil
}
