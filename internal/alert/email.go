package alert

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/rs/zerolog"

	"price-tracker/internal/config"
)

// EmailChannel renders per-kind HTML templates and delivers them via SMTP.
type EmailChannel struct {
	cfg    config.EmailConfig
	logger zerolog.Logger

	// send is swappable for tests; defaults to smtp.SendMail.
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel constructs an email channel.
func NewEmailChannel(cfg config.EmailConfig, logger zerolog.Logger) *EmailChannel {
	return &EmailChannel{
		cfg:    cfg,
		logger: logger.With().Str("component", "alert_email").Logger(),
		send:   smtp.SendMail,
	}
}

func (c *EmailChannel) Name() string { return "email" }

// Send renders the alert and hands it to the SMTP server. Transport errors
// propagate unmasked; the dispatcher aggregates them.
func (c *EmailChannel) Send(ctx context.Context, n Notification) error {
	subject, body, err := renderEmail(n)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	var builder strings.Builder
	fmt.Fprintf(&builder, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&builder, "To: %s\r\n", c.cfg.To)
	fmt.Fprintf(&builder, "Subject: %s\r\n", subject)
	builder.WriteString("MIME-Version: 1.0\r\n")
	builder.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	builder.WriteString("\r\n")
	builder.WriteString(body)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	// smtp.SendMail has no context support; bound it from the outside.
	done := make(chan error, 1)
	go func() {
		done <- c.send(addr, auth, c.cfg.From, []string{c.cfg.To}, []byte(builder.String()))
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Channel = (*EmailChannel)(nil)
