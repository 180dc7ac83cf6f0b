package notifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wneessen/go-mail"
)

// EmailConfig is the SMTP account used for all outgoing mail.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is "mandatory" (default), "opportunistic" or "none".
	TLS     string
	Timeout time.Duration
}

// Email delivers messages over SMTP with PLAIN auth.
type Email struct {
	cfg EmailConfig
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" {
		return nil, errors.New("email: smtp host is required")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.From == "" {
		return nil, errors.New("email: sender address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Email{cfg: cfg}, nil
}

func (e *Email) Name() string { return ChannelEmail }

func (e *Email) Deliver(ctx context.Context, m Message) error {
	msg, err := e.compose(m)
	if err != nil {
		return err
	}
	c, err := mail.NewClient(e.cfg.Host, e.clientOptions()...)
	if err != nil {
		return fmt.Errorf("email: client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("email: send to %s: %w", m.To, err)
	}
	return nil
}

func (e *Email) clientOptions() []mail.Option {
	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
		mail.WithTimeout(e.cfg.Timeout),
		mail.WithTLSPolicy(tlsPolicy(e.cfg.TLS)),
	}
	if e.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(e.cfg.Username),
			mail.WithPassword(e.cfg.Password),
		)
	}
	return opts
}

// compose builds the MIME message: HTML body with a plain-text alternative.
func (e *Email) compose(m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(e.cfg.From); err != nil {
		return nil, fmt.Errorf("email: from %q: %w", e.cfg.From, err)
	}
	if err := msg.To(m.To); err != nil {
		return nil, fmt.Errorf("email: to %q: %w", m.To, err)
	}
	msg.Subject(m.Subject)
	html := m.HTML
	if html != "" && m.Image != "" {
		if st, err := os.Stat(m.Image); err == nil && st.Mode().IsRegular() {
			msg.EmbedFile(m.Image)
			html += `<img src="cid:` + filepath.Base(m.Image) + `">`
		}
	}
	switch {
	case html != "":
		msg.SetBodyString(mail.TypeTextHTML, html)
		if m.Text != "" {
			msg.AddAlternativeString(mail.TypeTextPlain, m.Text)
		}
	default:
		msg.SetBodyString(mail.TypeTextPlain, m.Text)
	}
	return msg, nil
}

func tlsPolicy(s string) mail.TLSPolicy {
	switch s {
	case "none":
		return mail.NoTLS
	case "opportunistic":
		return mail.TLSOpportunistic
	default:
		return mail.TLSMandatory
	}
}
