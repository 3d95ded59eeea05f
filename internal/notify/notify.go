// Package notify emails workflow participants when it is their turn to sign.
package notify

import (
	"bytes"
	"fmt"
	"html/template"
	"log"
	"net/smtp"
	"strings"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/stage"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/workflow"
)

// Config holds SMTP configuration
type Config struct {
	Host      string
	Port      string
	Username  string
	Password  string
	From      string
	FromName  string
	PortalURL string
}

// Service sends signing-turn notifications over SMTP.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   func(server string, auth smtp.Auth, from string, to []string, msg []byte) error
}

func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// NotifyNextSigner emails the participant whose turn has come. A participant
// without an email address is skipped with a log line rather than an error:
// missing contact details must not block the signing flow.
func (s *Service) NotifyNextSigner(documentKey string, signer workflow.Participant, docStage stage.Stage) error {
	if !s.IsConfigured() {
		return fmt.Errorf("notify not configured")
	}
	if signer.Email == "" {
		log.Printf("notify: no email for next signer %q on %s", signer.Name, documentKey)
		return nil
	}

	data := signingTurnData{
		SignerName:  signer.Name,
		DocumentKey: documentKey,
		Stage:       string(docStage),
		DocumentURL: s.config.PortalURL + "/documents/" + documentKey,
	}
	subject := fmt.Sprintf("Your signature is required on %s", documentKey)
	html, err := renderTemplate(signingTurnTemplate, data)
	if err != nil {
		return fmt.Errorf("render signing template: %w", err)
	}

	return s.sendHTML([]string{signer.Email}, subject, html)
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-docufen"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

type signingTurnData struct {
	SignerName  string
	DocumentKey string
	Stage       string
	DocumentURL string
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const signingTurnTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your signature is required</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
        .link { word-break: break-all; color: #0066cc; }
    </style>
</head>
<body>
    <div class="header">
        <h1>Docufen</h1>
    </div>

    <h2>Hi {{.SignerName}},</h2>

    <p>Document <strong>{{.DocumentKey}}</strong> has reached the {{.Stage}} stage and is now waiting on your signature.</p>

    <p>
        <a href="{{.DocumentURL}}" class="button">Open Document</a>
    </p>

    <p>Or copy and paste this link into your browser:</p>
    <p class="link">{{.DocumentURL}}</p>

    <div class="footer">
        <p>You are receiving this because you are a workflow participant on this document.</p>
    </div>
</body>
</html>`
