// Package messaging connects the engine to WhatsApp transports: services deliver
// outbound text and surface inbound messages, the InboundRouter feeds them to the
// engine and the Dispatcher drains the outbox through a service.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize is the buffer size of inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by services after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient and returns it as digits only.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient and returns the provider message id.
	SendMessage(ctx context.Context, to string, body string) (string, error)

	// Start begins any background processing (e.g., event handling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns a channel of messages received from leads or operators.
	Inbound() <-chan models.InboundMessage
}

// canonicalizePhone strips everything but digits and requires at least 6 of them.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	if canonical != recipient {
		slog.Debug("messaging: canonicalized recipient", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// E164 formats a phone number as "+digits", the form conversations are keyed by.
func E164(phone string) string {
	digits := phoneNumberRegex.ReplaceAllString(phone, "")
	if digits == "" {
		return ""
	}
	return "+" + digits
}
