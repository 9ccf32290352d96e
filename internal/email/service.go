// Package email delivers notifications over SMTP.
package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"abode/collab/internal/notify"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// Domain turns a user id into an address: <userID>@<Domain>.
	Domain string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends notification mail. It satisfies notify.Transport.
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != "" && s.config.Domain != ""
}

func (s *Service) Name() string {
	return "email"
}

// Deliver mails n to its recipient. net/smtp has no context support, so ctx
// is only checked before dialing.
func (s *Service) Deliver(ctx context.Context, n notify.Notification) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	to := s.Address(n.UserID)
	if to == "" {
		return fmt.Errorf("no address for user %q", n.UserID)
	}

	subject, body, err := render(n)
	if err != nil {
		return err
	}
	return s.SendHTMLEmail([]string{to}, subject, body)
}

// Address maps a user id onto the notification mail domain.
func (s *Service) Address(userID string) string {
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.ContainsAny(userID, "@ \r\n<>,") {
		return ""
	}
	return userID + "@" + s.config.Domain
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}
	msg := s.compose(to, subject, htmlBody)
	if err := s.send(s.server, s.auth, s.config.From, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (s *Service) compose(to []string, subject, htmlBody string) []byte {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-collab"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)
	return msg.Bytes()
}

type templateData struct {
	From      string
	ProjectID string
	Excerpt   string
	Role      string
}

var templates = template.Must(template.New("email").Parse(notificationTemplates))

func render(n notify.Notification) (string, string, error) {
	data := templateData{
		From:      field(n.Payload, "from"),
		ProjectID: n.ProjectID,
		Excerpt:   field(n.Payload, "excerpt"),
		Role:      field(n.Payload, "role"),
	}

	var subject, name string
	switch n.Type {
	case notify.TypeMention:
		subject = fmt.Sprintf("%s mentioned you in %s", data.From, n.ProjectID)
		name = "mention"
	case notify.TypeReply:
		subject = fmt.Sprintf("%s replied to your comment in %s", data.From, n.ProjectID)
		name = "reply"
	case notify.TypeCollaboratorAdded:
		data.From = field(n.Payload, "addedBy")
		subject = fmt.Sprintf("You were added to %s", n.ProjectID)
		name = "collaborator_added"
	default:
		return "", "", fmt.Errorf("no email template for notification type %q", n.Type)
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", "", fmt.Errorf("render %s template: %w", name, err)
	}
	return subject, buf.String(), nil
}

func field(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

const notificationTemplates = `
{{define "layout_head"}}<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .quote { border-left: 3px solid #0066cc; padding-left: 12px; color: #555; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>{{end}}
{{define "layout_foot"}}
    <div class="footer"><p>You are receiving this because you collaborate on {{.ProjectID}}.</p></div>
</body>
</html>{{end}}
{{define "mention"}}{{template "layout_head" .}}
    <h2>{{.From}} mentioned you</h2>
    <p class="quote">{{.Excerpt}}</p>
{{template "layout_foot" .}}{{end}}
{{define "reply"}}{{template "layout_head" .}}
    <h2>{{.From}} replied to your comment</h2>
    <p class="quote">{{.Excerpt}}</p>
{{template "layout_foot" .}}{{end}}
{{define "collaborator_added"}}{{template "layout_head" .}}
    <h2>You were added to {{.ProjectID}}</h2>
    <p>{{.From}} gave you the {{.Role}} role.</p>
{{template "layout_foot" .}}{{end}}
`
