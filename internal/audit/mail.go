package audit

import (
	"context"
	"crypto/tls"
	"fmt"
	"html"
	"net/smtp"

	"CloudVault/config"

	"github.com/jordan-wright/email"
)

// Mailer sends one HTML message.
type Mailer interface {
	Send(to, subject, htmlBody string) error
}

// SMTPMailer sends through an SMTP relay.
type SMTPMailer struct {
	host     string
	port     string
	user     string
	pass     string
	from     string
	tls      bool
	startTLS bool
}

func NewSMTPMailer(cfg *config.Config) *SMTPMailer {
	return &SMTPMailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		user:     cfg.SMTPUser,
		pass:     cfg.SMTPPass,
		from:     cfg.SMTPFrom,
		tls:      cfg.SMTPTLS,
		startTLS: cfg.SMTPStartTLS,
	}
}

func (m *SMTPMailer) message(to, subject, htmlBody string) *email.Email {
	e := email.NewEmail()
	e.From = m.from
	e.To = []string{to}
	e.Subject = subject
	e.HTML = []byte(htmlBody)
	return e
}

func (m *SMTPMailer) Send(to, subject, htmlBody string) error {
	e := m.message(to, subject, htmlBody)
	addr := m.host + ":" + m.port
	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.pass, m.host)
	}
	tlsConfig := &tls.Config{ServerName: m.host}
	switch {
	case m.tls:
		return e.SendWithTLS(addr, auth, tlsConfig)
	case m.startTLS:
		return e.SendWithStartTLS(addr, auth, tlsConfig)
	default:
		return e.Send(addr, auth)
	}
}

// EmailLookup resolves a user's address.
type EmailLookup func(ctx context.Context, userID uint64) (string, error)

// MailSink tells the owner when an upload was quarantined as infected. Other
// actions are ignored.
type MailSink struct {
	mailer Mailer
	lookup EmailLookup
}

func NewMailSink(mailer Mailer, lookup EmailLookup) *MailSink {
	return &MailSink{mailer: mailer, lookup: lookup}
}

func (s *MailSink) Record(ctx context.Context, e Event) error {
	if e.Action != FileInfected || e.OwnerID == 0 {
		return nil
	}
	to, err := s.lookup(ctx, e.OwnerID)
	if err != nil {
		return fmt.Errorf("lookup owner %d: %w", e.OwnerID, err)
	}
	if to == "" {
		return nil
	}
	name := e.Details["name"]
	if name == "" {
		name = e.ResourceID
	}
	body := fmt.Sprintf(`
		<h2>Upload quarantined</h2>
		<p>The file <b>%s</b> matched a malware signature and cannot be downloaded or shared.</p>
		<p>You can delete it from your recycle bin.</p>
	`, html.EscapeString(name))
	return s.mailer.Send(to, "An uploaded file was quarantined", body)
}
