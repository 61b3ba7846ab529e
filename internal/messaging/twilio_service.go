package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/twiliowhatsapp"
)

// TwilioService implements Service using the Twilio API. Inbound messages arrive
// through WebhookHandler.
type TwilioService struct {
	client  twiliowhatsapp.Sender
	inbound chan models.InboundMessage
	mu      sync.RWMutex
	stopped bool
}

var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a TwilioService around a real or mock Twilio client.
func NewTwilioService(client twiliowhatsapp.Sender) *TwilioService {
	return &TwilioService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

// ValidateAndCanonicalizeRecipient returns the recipient as digits only.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start is a no-op; Twilio pushes inbound messages to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the inbound channel.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	return nil
}

// SendMessage sends a message via Twilio and returns the message SID.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return "", ErrServiceStopped
	}
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage validation error", "error", err, "to", to)
		return "", err
	}
	return s.client.SendMessage(ctx, canonical, body)
}

// Inbound returns the channel of messages received by the webhook.
func (s *TwilioService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

// ParseWebhook converts a Twilio inbound message form into an InboundMessage.
func ParseWebhook(r *http.Request) (models.InboundMessage, error) {
	if err := r.ParseForm(); err != nil {
		return models.InboundMessage{}, &models.ValidationError{Field: "form", Reason: err.Error()}
	}
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	msg := models.InboundMessage{
		Phone:       E164(from),
		MessageID:   r.FormValue("MessageSid"),
		Text:        r.FormValue("Body"),
		ContactName: r.FormValue("ProfileName"),
		SenderType:  models.SenderLead,
		ReceivedAt:  time.Now(),
	}
	if n, _ := strconv.Atoi(r.FormValue("NumMedia")); n > 0 {
		msg.Attachment = mediaKind(r.FormValue("MediaContentType0"))
	}
	if msg.Phone == "" {
		return msg, &models.ValidationError{Field: "From", Reason: "sender is required"}
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}
	return msg, nil
}

// mediaKind maps a MIME type to the attachment kind used in fragments.
func mediaKind(contentType string) string {
	major, _, _ := strings.Cut(contentType, "/")
	switch major {
	case "image", "video", "audio":
		return major
	case "":
		return "media"
	default:
		return "document"
	}
}

// WebhookHandler handles inbound Twilio webhook requests and emits them on the
// inbound channel. It answers 503 when the channel stays full so Twilio can retry.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := ParseWebhook(r)
	if err != nil {
		slog.Warn("TwilioService webhook rejected", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !s.emit(msg) {
		http.Error(w, "inbound queue unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "<Response></Response>")
}

func (s *TwilioService) emit(msg models.InboundMessage) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Warn("TwilioService dropping inbound message (service stopped)", "messageID", msg.MessageID)
		return false
	}
	select {
	case s.inbound <- msg:
		slog.Debug("TwilioService emitted inbound message", "phone", msg.Phone)
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService inbound channel blocked, dropping message", "messageID", msg.MessageID)
		return false
	}
}
