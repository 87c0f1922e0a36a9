// Package notify delivers publication notifications over SMTP and an
// injectable push channel. Delivery is always best-effort; the caller
// (the fanout layer) absorbs failures.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration.
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// PushSender delivers a push notification to every registered device.
// The zero implementation is a nil PushSender, which disables push.
type PushSender interface {
	Send(ctx context.Context, title, body string) error
}

// Dispatcher implements the fanout Notifier over SMTP plus an optional
// push channel.
type Dispatcher struct {
	config Config
	server string
	auth   smtp.Auth
	push   PushSender
}

func NewDispatcher(config Config, push PushSender) *Dispatcher {
	return &Dispatcher{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   smtp.PlainAuth("", config.Username, config.Password, config.Host),
		push:   push,
	}
}

// IsConfigured returns true if SMTP delivery can be attempted.
func (d *Dispatcher) IsConfigured() bool {
	return d.config.Host != "" && d.config.Port != "" && d.config.From != ""
}

// PushToAll forwards to the push channel if one is wired.
func (d *Dispatcher) PushToAll(ctx context.Context, title, body string) error {
	if d.push == nil {
		return nil
	}
	return d.push.Send(ctx, title, body)
}

// EmailBroadcast sends one HTML email to all recipients. Unconfigured
// SMTP makes this a silent no-op so deployments without mail keep
// working.
func (d *Dispatcher) EmailBroadcast(ctx context.Context, subject, htmlBody string, recipients []string) error {
	if !d.IsConfigured() || len(recipients) == 0 {
		return nil
	}

	from := d.config.From
	if d.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", d.config.FromName, d.config.From)
	}

	boundary := "boundary-vellum"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(recipients, ", "))
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

	return smtp.SendMail(d.server, d.auth, d.config.From, recipients, msg.Bytes())
}

// StaticDirectory is a fixed subscriber list sourced from configuration.
type StaticDirectory struct {
	emails []string
}

// NewStaticDirectory parses a comma-separated recipient list.
func NewStaticDirectory(recipients string) *StaticDirectory {
	var emails []string
	for _, raw := range strings.Split(recipients, ",") {
		if email := strings.TrimSpace(raw); email != "" {
			emails = append(emails, email)
		}
	}
	return &StaticDirectory{emails: emails}
}

func (d *StaticDirectory) ListSubscriberEmails(ctx context.Context) ([]string, error) {
	return d.emails, nil
}

// PublicationData feeds the publication broadcast template.
type PublicationData struct {
	AppName string
	Titles  []string
}

// RenderPublicationEmail renders the batch-published broadcast body.
func RenderPublicationEmail(data PublicationData) (string, error) {
	return renderTemplate(publicationEmailTemplate, data)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const publicationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New content on {{.AppName}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0066cc; padding-bottom: 10px; margin-bottom: 20px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>New content is live</h2>

    <p>The following documents were just published:</p>

    <ul>
        {{range .Titles}}<li>{{.}}</li>
        {{end}}
    </ul>

    <div class="footer">
        <p>You are receiving this because you subscribe to {{.AppName}} publication updates.</p>
    </div>
</body>
</html>`
