package mailer

import (
	"fmt"
	"net/smtp"
	"time"

	"github.com/rs/zerolog"
)

// Mailer sends best-effort registration emails over SMTP. Failures are
// for the caller to log; nothing here is on a critical path.
type Mailer struct {
	Host     string
	Port     int
	From     string
	Password string
	log      *zerolog.Logger
}

func New(host string, port int, from, password string, log *zerolog.Logger) *Mailer {
	return &Mailer{Host: host, Port: port, From: from, Password: password, log: log}
}

// SendRegistrationEmail confirms a volunteer's registration for an
// event.
func (m *Mailer) SendRegistrationEmail(recipient, eventTitle string, startTime time.Time) error {
	subject := fmt.Sprintf("You are registered for %s", eventTitle)
	body := fmt.Sprintf(
		"Hello!\n\nYour registration for %q on %s is confirmed.\nThank you for volunteering!",
		eventTitle, startTime.Format("Mon, 02 Jan 2006 15:04"),
	)

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		m.From, recipient, subject, body,
	)

	addr := fmt.Sprintf("%s:%d", m.Host, m.Port)
	auth := smtp.PlainAuth("", m.From, m.Password, m.Host)

	if err := smtp.SendMail(addr, auth, m.From, []string{recipient}, []byte(msg)); err != nil {
		m.log.Warn().Msgf("failed to email %s: %v", recipient, err)
		return fmt.Errorf("send email: %w", err)
	}

	m.log.Info().Msgf("registration email sent to %s", recipient)
	return nil
}
