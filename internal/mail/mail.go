// Package mail delivers templated messages. Templates live in templates/ and
// are addressed by file name without the .tmpl extension.
package mail

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

type Message struct {
	ToName   string
	ToEmail  string
	Subject  string
	Template string
	Context  map[string]any
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Renderer executes the embedded templates.
type Renderer struct {
	tmpl *template.Template
}

func NewRenderer() (*Renderer, error) {
	tmpl, err := template.New("mail").Option("missingkey=error").ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}
	return &Renderer{tmpl: tmpl}, nil
}

func (r *Renderer) Render(name string, data map[string]any) (string, error) {
	t := r.tmpl.Lookup(name + ".tmpl")
	if t == nil {
		return "", fmt.Errorf("mail: unknown template %q", name)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("mail: render %s: %w", name, err)
	}
	return buf.String(), nil
}

type SMTPConfig struct {
	Host        string
	Port        string
	Username    string
	Password    string
	FromName    string
	FromAddress string
	DialTimeout time.Duration
}

// SMTPSender sends plain-text mail, authenticating with PLAIN when a username
// is configured.
type SMTPSender struct {
	cfg      SMTPConfig
	addr     string
	renderer *Renderer
}

func NewSMTPSender(cfg SMTPConfig, renderer *Renderer) *SMTPSender {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Port = strings.TrimSpace(cfg.Port)
	if cfg.Port == "" {
		cfg.Port = "1025"
	}
	if strings.TrimSpace(cfg.FromAddress) == "" {
		cfg.FromAddress = "no-reply@slotbook.local"
	}
	if cfg.FromName == "" {
		cfg.FromName = "Slotbook"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &SMTPSender{cfg: cfg, addr: net.JoinHostPort(cfg.Host, cfg.Port), renderer: renderer}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	body, err := s.renderer.Render(msg.Template, msg.Context)
	if err != nil {
		return err
	}
	raw := buildMessage(formatAddress(s.cfg.FromName, s.cfg.FromAddress), formatAddress(msg.ToName, msg.ToEmail), msg.Subject, body)

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer c.Close()

	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.cfg.FromAddress); err != nil {
		return err
	}
	if err := c.Rcpt(msg.ToEmail); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func formatAddress(name, email string) string {
	if name == "" {
		return email
	}
	return fmt.Sprintf("%s <%s>", name, email)
}

func buildMessage(from, to, subject, body string) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		strings.ReplaceAll(body, "\n", "\r\n"),
	)
}

// LogSender renders the message and logs it instead of sending it.
type LogSender struct {
	log      *slog.Logger
	renderer *Renderer
}

func NewLogSender(log *slog.Logger, renderer *Renderer) *LogSender {
	return &LogSender{log: log, renderer: renderer}
}

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	body, err := s.renderer.Render(msg.Template, msg.Context)
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "mail",
		"to", formatAddress(msg.ToName, msg.ToEmail),
		"subject", msg.Subject,
		"template", msg.Template,
		"body", body,
	)
	return nil
}
