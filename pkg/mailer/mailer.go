// Package mailer sends plain SMTP email.
package mailer

import (
	"crypto/tls"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	UseTLS   bool
}

type Mailer struct {
	cfg Config
}

func New(cfg Config) *Mailer {
	return &Mailer{cfg: cfg}
}

// Message is one outgoing email. IsHTML selects the content type.
type Message struct {
	To      []string
	Subject string
	Body    string
	IsHTML  bool
}

// Send delivers msg and returns the Message-ID it was sent with.
func (m *Mailer) Send(msg Message) (string, error) {
	if len(msg.To) == 0 {
		return "", fmt.Errorf("mailer: no recipients")
	}
	from := m.cfg.From
	if strings.TrimSpace(from) == "" {
		from = m.cfg.Username
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.cfg.Host)
	raw := buildMessage(from, messageID, msg, time.Now())
	auth := smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)

	if !m.cfg.UseTLS {
		if err := smtp.SendMail(addr, auth, from, msg.To, []byte(raw)); err != nil {
			return "", err
		}
		return messageID, nil
	}

	conn, err := tls.Dial("tcp", addr, &tls.Config{
		ServerName: m.cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return "", err
	}
	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return "", err
	}
	defer c.Quit()
	if err := c.Auth(auth); err != nil {
		return "", err
	}
	if err := c.Mail(from); err != nil {
		return "", err
	}
	for _, to := range msg.To {
		if err := c.Rcpt(to); err != nil {
			return "", err
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", err
	}
	if _, err := w.Write([]byte(raw)); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return messageID, nil
}

func buildMessage(from, messageID string, msg Message, at time.Time) string {
	contentType := "text/plain"
	if msg.IsHTML {
		contentType = "text/html"
	}
	headers := []string{
		fmt.Sprintf("From: %s", from),
		fmt.Sprintf("To: %s", strings.Join(msg.To, ", ")),
		fmt.Sprintf("Subject: %s", msg.Subject),
		fmt.Sprintf("Message-ID: %s", messageID),
		fmt.Sprintf("Date: %s", at.Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: %s; charset=\"UTF-8\"", contentType),
	}
	return strings.Join(headers, "\r\n") + "\r\n\r\n" + msg.Body
}
