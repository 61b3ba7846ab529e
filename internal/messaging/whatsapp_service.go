package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// DefaultSentIDCapacity bounds how many bot-sent message ids are remembered for
// telling bot echoes apart from operator messages.
const DefaultSentIDCapacity = 10000

// WhatsAppService implements Service using the whatsmeow-based client.
//
// Messages typed by a human on the business phone arrive as events from the same
// account. They are reported with SenderOperator unless their id is one the service
// sent itself.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client
	inbound  chan models.InboundMessage
	done     chan struct{}

	mu      sync.Mutex
	stopped bool
	sent    *sentIDs
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService creates a WhatsAppService wrapping the given sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		inbound: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:    make(chan struct{}),
		sent:    newSentIDs(DefaultSentIDCapacity),
	}
	if waClient, ok := client.(*whatsapp.Client); ok {
		s.waClient = waClient
	}
	return s
}

// ValidateAndCanonicalizeRecipient returns the recipient as digits only.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		if v, ok := evt.(*events.Message); ok {
			s.handleIncomingMessage(v)
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the inbound channel. It is safe to call more than once.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	close(s.inbound)
	slog.Info("WhatsAppService stopped")
	return nil
}

// SendMessage sends body to a phone number and remembers the provider id.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) (string, error) {
	canonical, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return "", ErrServiceStopped
	}
	id, err := s.client.SendMessage(ctx, canonical, body)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage failed", "to", canonical, "error", err)
		return "", err
	}
	s.sent.add(id)
	slog.Debug("WhatsAppService.SendMessage sent", "to", canonical, "id", id)
	return id, nil
}

// Inbound returns the channel of received messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundMessage {
	return s.inbound
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := s.toInbound(evt)
	if !ok {
		return
	}
	s.emit(msg)
}

// toInbound converts a whatsmeow message event. Group chats, status broadcasts and
// messages with no usable content are skipped.
func (s *WhatsAppService) toInbound(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsGroup || evt.Info.Chat.User == "" {
		return models.InboundMessage{}, false
	}
	if evt.Info.Chat.Server == "broadcast" {
		return models.InboundMessage{}, false
	}

	m := evt.Message
	text := m.GetConversation()
	if text == "" {
		text = m.GetExtendedTextMessage().GetText()
	}
	attachment := ""
	switch {
	case m.GetImageMessage() != nil:
		attachment = "image"
		text = firstNonEmpty(text, m.GetImageMessage().GetCaption())
	case m.GetVideoMessage() != nil:
		attachment = "video"
		text = firstNonEmpty(text, m.GetVideoMessage().GetCaption())
	case m.GetDocumentMessage() != nil:
		attachment = "document"
		text = firstNonEmpty(text, m.GetDocumentMessage().GetCaption())
	case m.GetAudioMessage() != nil:
		attachment = "audio"
	}
	if text == "" && attachment == "" {
		slog.Debug("WhatsAppService ignoring message without content", "chat", evt.Info.Chat.String())
		return models.InboundMessage{}, false
	}

	sender := models.SenderLead
	contact := evt.Info.PushName
	if evt.Info.IsFromMe {
		sender = models.SenderOperator
		if s.sent.has(evt.Info.ID) {
			sender = models.SenderBot
		}
		contact = ""
	}
	return models.InboundMessage{
		Phone:       E164(evt.Info.Chat.User),
		MessageID:   evt.Info.ID,
		Text:        text,
		Attachment:  attachment,
		ContactName: contact,
		SenderType:  sender,
		ReceivedAt:  evt.Info.Timestamp,
	}, true
}

func (s *WhatsAppService) emit(msg models.InboundMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		slog.Warn("WhatsAppService dropping inbound message (service stopped)", "messageID", msg.MessageID)
		return
	}
	select {
	case s.inbound <- msg:
		slog.Debug("WhatsAppService inbound message forwarded", "phone", msg.Phone, "sender", msg.SenderType)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "messageID", msg.MessageID, "timeout", DefaultChannelTimeout)
	}
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// sentIDs is a bounded FIFO set of message ids.
type sentIDs struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func newSentIDs(capacity int) *sentIDs {
	return &sentIDs{cap: capacity, set: make(map[string]struct{}, capacity)}
}

func (s *sentIDs) add(id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.set[id]; ok {
		return
	}
	s.set[id] = struct{}{}
	s.order = append(s.order, id)
	if len(s.order) > s.cap {
		delete(s.set, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *sentIDs) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.set[id]
	return ok
}
