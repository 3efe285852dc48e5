// Package notify reports finished and failed recordings by webhook, e-mail
// and a JSON lines session log.
package notify

import (
	"fmt"
	"strings"

	"github.com/wneessen/go-mail"

	"github.com/oszuidwest/zwfm-recorder/internal/config"
	"github.com/oszuidwest/zwfm-recorder/internal/types"
	"github.com/oszuidwest/zwfm-recorder/internal/util"
)

// EmailConfig contains SMTP server settings for email notifications.
type EmailConfig struct {
	Host       string
	Port       int
	FromName   string
	Username   string
	Password   string
	Recipients string
}

// EmailConfigFromSnapshot extracts the SMTP settings from a configuration snapshot.
func EmailConfigFromSnapshot(s *config.Snapshot) *EmailConfig {
	return &EmailConfig{
		Host:       s.EmailSMTPHost,
		Port:       s.EmailSMTPPort,
		FromName:   s.EmailFromName,
		Username:   s.EmailUsername,
		Password:   s.EmailPassword,
		Recipients: s.EmailRecipients,
	}
}

// SendCompleteEmail sends an email for a finished recording.
func SendCompleteEmail(cfg *EmailConfig, a types.Artifact) error {
	if !util.IsConfigured(cfg.Host, cfg.Username, cfg.Recipients) {
		return nil
	}

	subject := "[OK] Recording Complete - ZuidWest FM Recorder"
	body := fmt.Sprintf(
		"A recording has finished.\n\n"+
			"Session:  %s\n"+
			"Encoding: %s\n"+
			"Duration: %.1f seconds\n"+
			"Size:     %d bytes\n"+
			"File:     %s\n"+
			"Time:     %s",
		a.Session, a.Encoding, util.Seconds(a.Duration), a.Size, a.Path, util.HumanTime(),
	)
	return sendEmail(cfg, subject, body)
}

// SendErrorAlert sends an email for a failed recording.
func SendErrorAlert(cfg *EmailConfig, session, message string) error {
	if !util.IsConfigured(cfg.Host, cfg.Username, cfg.Recipients) {
		return nil
	}

	subject := "[ALERT] Recording Failed - ZuidWest FM Recorder"
	body := fmt.Sprintf(
		"The recorder reported an error.\n\n"+
			"Session: %s\n"+
			"Error:   %s\n"+
			"Time:    %s\n\n"+
			"Please check the encoder and the audio source.",
		cmpSession(session), message, util.HumanTime(),
	)
	return sendEmail(cfg, subject, body)
}

// SendTestEmail sends a test email to verify SMTP configuration.
func SendTestEmail(cfg *EmailConfig) error {
	if cfg.Host == "" {
		return fmt.Errorf("SMTP host not configured")
	}
	if cfg.Username == "" {
		return fmt.Errorf("email username not configured")
	}
	if cfg.Recipients == "" {
		return fmt.Errorf("email recipients not configured")
	}

	subject := "[TEST] ZuidWest FM Recorder"
	body := fmt.Sprintf(
		"Test email from the recorder.\n\n"+
			"Time: %s\n\n"+
			"SMTP configuration is working correctly.",
		util.HumanTime(),
	)
	return sendEmail(cfg, subject, body)
}

// ParseRecipients splits a comma separated recipient list.
func ParseRecipients(list string) []string {
	var recipients []string
	for r := range strings.SplitSeq(list, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}
	return recipients
}

func sendEmail(cfg *EmailConfig, subject, body string) error {
	recipients := ParseRecipients(cfg.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	m := mail.NewMsg()
	if cfg.FromName != "" {
		if err := m.FromFormat(cfg.FromName, cfg.Username); err != nil {
			return util.WrapError("set from address", err)
		}
	} else if err := m.From(cfg.Username); err != nil {
		return util.WrapError("set from address", err)
	}
	if err := m.To(recipients...); err != nil {
		return util.WrapError("set recipient address", err)
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	c, err := mail.NewClient(cfg.Host, clientOptions(cfg)...)
	if err != nil {
		return util.WrapError("create SMTP client", err)
	}
	if err := c.DialAndSend(m); err != nil {
		return util.WrapError("send email", err)
	}
	return nil
}

// clientOptions picks the TLS policy from the port.
func clientOptions(cfg *EmailConfig) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithSMTPAuth(mail.SMTPAuthAutoDiscover),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}
	switch cfg.Port {
	case 465:
		opts = append(opts, mail.WithSSL())
	case 587:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	return opts
}

func cmpSession(session string) string {
	if session == "" {
		return "(none)"
	}
	return session
}
