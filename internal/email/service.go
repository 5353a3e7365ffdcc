// Package email sends notification emails over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/smtp"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL is the web application root used to link to a case file.
	BaseURL string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   SendFunc
	now    func() time.Time
	logger *zap.Logger
}

func NewService(config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
		now:    time.Now,
		logger: logger,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// AssignmentData fills the assignment email templates.
type AssignmentData struct {
	RecipientName string
	Title         string
	Message       string
	CaseFileID    string
	CaseFileURL   string
}

// SendAssignmentEmail tells a user that a mandate task was assigned to them.
func (s *Service) SendAssignmentEmail(to string, data AssignmentData) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if data.Title == "" {
		data.Title = "Nouvelle tâche assignée"
	}
	if data.CaseFileURL == "" && s.config.BaseURL != "" && data.CaseFileID != "" {
		data.CaseFileURL = strings.TrimRight(s.config.BaseURL, "/") + "/dossiers/" + data.CaseFileID
	}

	text, err := renderText(assignmentTextTemplate, data)
	if err != nil {
		return fmt.Errorf("render assignment text: %w", err)
	}
	html, err := renderTemplate(assignmentHTMLTemplate, data)
	if err != nil {
		return fmt.Errorf("render assignment html: %w", err)
	}

	msg, err := s.buildMessage([]string{to}, data.Title, text, html)
	if err != nil {
		return err
	}
	if err := s.send(s.server, s.auth, s.config.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send assignment email: %w", err)
	}
	s.logger.Debug("assignment email sent", zap.String("to", to), zap.String("case_file_id", data.CaseFileID))
	return nil
}

// buildMessage encodes a multipart/alternative message with a plain text
// and an HTML part.
func (s *Service) buildMessage(to []string, subject, text, html string) ([]byte, error) {
	var header mail.Header
	header.SetDate(s.now())
	header.SetSubject(subject)
	header.SetAddressList("From", []*mail.Address{{Name: s.config.FromName, Address: s.config.From}})
	recipients := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		recipients = append(recipients, &mail.Address{Address: addr})
	}
	header.SetAddressList("To", recipients)
	if err := header.GenerateMessageID(); err != nil {
		return nil, fmt.Errorf("generate message id: %w", err)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateInlineWriter(&buf, header)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := writePart(mw, "text/plain", text); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html", html); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close message: %w", err)
	}
	return buf.Bytes(), nil
}

func writePart(mw *mail.InlineWriter, contentType, body string) error {
	var h mail.InlineHeader
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("create %s part: %w", contentType, err)
	}
	if _, err := io.WriteString(part, body); err != nil {
		return fmt.Errorf("write %s part: %w", contentType, err)
	}
	return part.Close()
}

func renderTemplate(tmpl string, data any) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderText(tmpl string, data any) (string, error) {
	t, err := texttemplate.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const assignmentTextTemplate = `Bonjour{{if .RecipientName}} {{.RecipientName}}{{end}},

{{.Message}}
{{if .CaseFileURL}}
Ouvrir le dossier : {{.CaseFileURL}}
{{end}}`

const assignmentHTMLTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .task { background: #f4f7fb; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .button { display: inline-block; padding: 12px 24px; background: #0066cc; color: white; text-decoration: none; border-radius: 4px; }
    </style>
</head>
<body>
    <p>Bonjour{{if .RecipientName}} {{.RecipientName}}{{end}},</p>
    <div class="task">{{.Message}}</div>
    {{if .CaseFileURL}}<p><a href="{{.CaseFileURL}}" class="button">Ouvrir le dossier</a></p>{{end}}
</body>
</html>`
