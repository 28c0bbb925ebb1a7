// ABOUTME: SMTP email delivery for fired alerts using go-mail. Dial-per-send
// ABOUTME: for sporadic alert traffic; all recipients are BCC'd in one message.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"
)

// SMTPConfig holds SMTP connection parameters sourced from env vars.
type SMTPConfig struct {
	Host       string
	Port       int
	From       string
	Username   string
	Password   string
	TLS        bool
	Recipients []string
}

// EmailNotifier sends alert emails. No persistent SMTP connection is kept.
type EmailNotifier struct {
	cfg SMTPConfig
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg}
}

func (e *EmailNotifier) Name() string { return "email" }

// Notify sends a plaintext alert email to all recipients via BCC.
func (e *EmailNotifier) Notify(ctx context.Context, ev Event) error {
	if len(e.cfg.Recipients) == 0 {
		return errors.New("email notify: no recipients")
	}

	subject := fmt.Sprintf("[%s] pipeline failure rate %.0f%% (%s)",
		strings.ToUpper(ev.Severity), ev.FailureRate*100, ev.RuleName)
	// Strip CR/LF from subject to prevent header injection.
	subject = strings.NewReplacer("\r", "", "\n", "").Replace(subject)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ev.Message)
	fmt.Fprintf(&b, "Failure rate: %.1f%% (%d of %d attempts)\n", ev.FailureRate*100, ev.Failed, ev.Total)
	fmt.Fprintf(&b, "Window: %s to %s\n", ev.WindowStart.Format("2006-01-02 15:04 MST"), ev.WindowEnd.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "Escalation level: %d\n", ev.EscalationLevel)
	fmt.Fprintf(&b, "Alert ID: %s\n", ev.AlertID)

	m := mail.NewMsg()
	if err := m.FromFormat("Content Pipeline", e.cfg.From); err != nil {
		return fmt.Errorf("email notify: set from: %w", err)
	}
	if err := m.Bcc(e.cfg.Recipients...); err != nil {
		return fmt.Errorf("email notify: set bcc: %w", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, b.String())

	opts := []mail.Option{
		mail.WithPort(e.cfg.Port),
	}
	if e.cfg.Username != "" {
		opts = append(opts, mail.WithSMTPAuth(mail.SMTPAuthPlain))
		opts = append(opts, mail.WithUsername(e.cfg.Username))
		opts = append(opts, mail.WithPassword(e.cfg.Password))
	}
	if e.cfg.TLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}

	c, err := mail.NewClient(e.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("email notify: create client: %w", err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("email notify: %w", err)
	}
	return nil
}
