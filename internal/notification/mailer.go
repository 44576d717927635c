// Package notification mails signed certificates to client contacts.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/thrillee/aegiscert/internal/config"
	"github.com/wneessen/go-mail"
)

// Mailer delivers one certificate file to one recipient.
type Mailer interface {
	SendCertificate(ctx context.Context, recipient, messageID, certificatePath string) error
}

// SMTPMailer sends certificates as attachments over SMTP. STARTTLS is required
// unless SMTP_TLS_POLICY relaxes it.
type SMTPMailer struct {
	cfg    config.SMTPConfig
	client *mail.Client
}

func NewSMTPMailer(cfg config.SMTPConfig) (*SMTPMailer, error) {
	if cfg.From == "" {
		return nil, errors.New("SMTP_FROM is required when SMTP_HOST is set")
	}
	policy, err := tlsPolicy(cfg.TLSPolicy)
	if err != nil {
		return nil, err
	}
	if policy != mail.TLSMandatory {
		slog.Warn("SMTP STARTTLS is not enforced", slog.String("tls_policy", cfg.TLSPolicy))
	}
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(cfg.Timeout),
		mail.WithTLSPolicy(policy),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}
	return &SMTPMailer{cfg: cfg, client: client}, nil
}

func tlsPolicy(name string) (mail.TLSPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "mandatory":
		return mail.TLSMandatory, nil
	case "opportunistic":
		return mail.TLSOpportunistic, nil
	case "none":
		return mail.NoTLS, nil
	}
	return mail.TLSMandatory, fmt.Errorf("unsupported SMTP_TLS_POLICY %q", name)
}

func (m *SMTPMailer) SendCertificate(ctx context.Context, recipient, messageID, certificatePath string) error {
	msg, err := buildMessage(m.cfg.From, recipient, messageID, certificatePath)
	if err != nil {
		return err
	}
	if err := m.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send certificate mail to %s: %w", recipient, err)
	}
	slog.InfoContext(ctx, "Certificate mailed", slog.String("recipient", recipient))
	return nil
}

func buildMessage(from, recipient, messageID, certificatePath string) (*mail.Msg, error) {
	if _, err := os.Stat(certificatePath); err != nil {
		return nil, fmt.Errorf("certificate attachment: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", from, err)
	}
	if err := msg.To(recipient); err != nil {
		return nil, fmt.Errorf("invalid recipient address %q: %w", recipient, err)
	}
	msg.Subject("Certificate of delivery for message " + messageID)
	msg.SetDate()
	msg.SetMessageID()
	msg.SetBodyString(mail.TypeTextPlain, fmt.Sprintf(
		"Attached is the signed certificate of delivery for message %s.\r\n\r\n"+
			"The attachment is a CMS signed document containing the PDF certificate and a trusted timestamp.\r\n",
		messageID,
	))
	msg.AttachFile(certificatePath,
		mail.WithFileName(filepath.Base(certificatePath)),
		mail.WithFileContentType(mail.ContentType("application/pkcs7-mime")),
	)
	return msg, nil
}
