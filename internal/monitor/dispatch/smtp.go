package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"

	mail "github.com/go-mail/mail"

	"github.com/dropDatabas3/gatekeeper/internal/config"
)

// SMTPChannel manda la alerta por mail al buzón de guardia.
type SMTPChannel struct {
	host    string
	port    int
	user    string
	pass    string
	from    string
	to      string
	tlsMode string // "auto" | "starttls" | "ssl" | "none"
}

// NewSMTP arma el canal desde la sección SMTP de la config.
func NewSMTP(cfg *config.Config) *SMTPChannel {
	return &SMTPChannel{
		host:    cfg.SMTP.Host,
		port:    cfg.SMTP.Port,
		user:    cfg.SMTP.Username,
		pass:    cfg.SMTP.Password,
		from:    cfg.SMTP.From,
		to:      cfg.SMTP.To,
		tlsMode: cfg.SMTP.TLS,
	}
}

func (s *SMTPChannel) Name() string { return "smtp" }

func (s *SMTPChannel) Send(ctx context.Context, a Alert) error {
	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", s.to)
	m.SetHeader("Subject", a.Title)
	m.SetBody("text/plain", a.Body)

	d := mail.NewDialer(s.host, s.port, s.user, s.pass)
	d.TLSConfig = &tls.Config{ServerName: s.host}
	switch s.tlsMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	default:
		// "auto"/"starttls": go-mail negocia STARTTLS si el server lo ofrece
	}

	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp alert: %w", err)
	}
	return nil
}
