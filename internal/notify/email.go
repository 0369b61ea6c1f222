package notify

import (
	"bytes"
	"fmt"
	"html/template"

	"gopkg.in/gomail.v2"
)

// EmailSender delivers the invitation email for invitees addressed by email.
type EmailSender struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailSender(host string, port int, username, password, from string) *EmailSender {
	dialer := gomail.NewDialer(host, port, username, password)
	return &EmailSender{
		dialer: dialer,
		from:   from,
	}
}

var invitationTemplate = template.Must(template.New("invitation").Parse(`
<p>Hi {{.FirstName}},</p>
<p>{{.InviterName}} would like to connect with you.</p>
{{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
<p>Open the app to accept or decline the invitation.</p>
`))

func (s *EmailSender) SendInvitationEmail(to, firstName, inviterName, message string) error {
	var body bytes.Buffer
	err := invitationTemplate.Execute(&body, map[string]string{
		"FirstName":   firstName,
		"InviterName": inviterName,
		"Message":     message,
	})
	if err != nil {
		return fmt.Errorf("failed to render invitation email: %w", err)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", fmt.Sprintf("%s invited you to chat", inviterName))
	m.SetBody("text/html", body.String())

	return s.dialer.DialAndSend(m)
}
