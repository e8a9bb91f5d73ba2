// Package messaging delivers receipts and statements to customers and merchants.
package messaging

import (
	"context"
	"strings"

	pkgerrors "txprocessor/pkg/errors"
	"txprocessor/pkg/logger"
	"txprocessor/pkg/mailer"

	"github.com/google/uuid"
)

// Sender is the transport that actually delivers a message.
type Sender interface {
	Send(msg mailer.Message) (string, error)
}

// Email is one message addressed to one or more recipients.
type Email struct {
	MessageID uuid.UUID
	To        []string
	Subject   string
	Body      string
	IsHTML    bool
}

type Client struct {
	sender Sender
	logger logger.Logger
}

func NewClient(sender Sender, log logger.Logger) *Client {
	return &Client{sender: sender, logger: log}
}

// SendEmail returns the provider message id.
func (c *Client) SendEmail(ctx context.Context, email Email) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var to []string
	for _, addr := range email.To {
		if a := strings.TrimSpace(addr); a != "" {
			to = append(to, a)
		}
	}
	if len(to) == 0 {
		return "", pkgerrors.Invalid("email %s has no recipients", email.MessageID)
	}

	providerID, err := c.sender.Send(mailer.Message{
		To:      to,
		Subject: email.Subject,
		Body:    email.Body,
		IsHTML:  email.IsHTML,
	})
	if err != nil {
		c.logger.Error("Email delivery failed", map[string]interface{}{
			"message_id": email.MessageID,
			"subject":    email.Subject,
			"error":      err.Error(),
		})
		return "", pkgerrors.Wrap(err, "failed to send email")
	}

	c.logger.Info("Email sent", map[string]interface{}{
		"message_id":  email.MessageID,
		"provider_id": providerID,
		"recipients":  len(to),
	})
	return providerID, nil
}
