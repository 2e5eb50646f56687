package notify

import (
	"context"
	"fmt"
	"html"
	"net/smtp"
	"strings"
	"time"
)

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// Email renders the payload as an HTML table and sends it over SMTP.
type Email struct {
	cfg EmailConfig
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail creates the email channel.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("email: smtp host is empty")
	}
	if cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("email: from and to addresses are required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &Email{cfg: cfg, send: smtp.SendMail}, nil
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(_ context.Context, p Payload) error {
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s",
		e.cfg.From, strings.Join(e.cfg.To, ", "), p.Title, renderHTML(p))

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	if err := e.send(addr, auth, e.cfg.From, e.cfg.To, []byte(msg)); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func renderHTML(p Payload) string {
	var b strings.Builder
	b.WriteString("<h2>" + html.EscapeString(p.Title) + "</h2>")
	if p.Description != "" {
		b.WriteString("<p>" + html.EscapeString(p.Description) + "</p>")
	}
	if len(p.Metrics) > 0 {
		b.WriteString(`<table border="1" cellpadding="6" cellspacing="0">`)
		b.WriteString("<tr><th>Metric</th><th>Previous</th><th>Current</th><th>Change</th><th>Trend</th></tr>")
		for _, m := range p.Metrics {
			old := "-"
			if m.Old != nil {
				old = formatValue(*m.Old)
			}
			change := "-"
			if m.PercentChange != nil {
				change = fmt.Sprintf("%+.1f%%", *m.PercentChange)
			} else if m.Change != nil {
				change = formatValue(*m.Change)
			}
			b.WriteString(fmt.Sprintf("<tr><td>%s</td><td>%s</td><td>%s</td><td>%s</td><td>%s</td></tr>",
				html.EscapeString(m.Name), old, formatValue(m.New), change, string(m.Trend)))
		}
		b.WriteString("</table>")
	}
	b.WriteString(fmt.Sprintf("<p><small>%s / %s / %s &middot; %s</small></p>",
		html.EscapeString(p.StudioID), html.EscapeString(p.Branch), html.EscapeString(p.Environment),
		p.At.UTC().Format(time.RFC3339)))
	return b.String()
}
