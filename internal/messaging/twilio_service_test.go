package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/workspacemrqz/crmportilho-sub001/internal/models"
	"github.com/workspacemrqz/crmportilho-sub001/internal/twiliowhatsapp"
)

func twilioRequest(form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestParseWebhook(t *testing.T) {
	msg, err := ParseWebhook(twilioRequest(url.Values{
		"From":              {"whatsapp:+5511988887777"},
		"Body":              {"segue a foto"},
		"MessageSid":        {"SM123"},
		"NumMedia":          {"1"},
		"MediaContentType0": {"image/jpeg"},
		"ProfileName":       {"Ana Souza"},
	}))
	if err != nil {
		t.Fatalf("ParseWebhook returned error: %v", err)
	}
	if msg.Phone != "+5511988887777" || msg.MessageID != "SM123" || msg.Attachment != "image" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if msg.SenderType != models.SenderLead {
		t.Errorf("expected lead sender, got %s", msg.SenderType)
	}
	if msg.ContactName != "Ana Souza" {
		t.Errorf("expected profile name Ana Souza, got %q", msg.ContactName)
	}

	_, err = ParseWebhook(twilioRequest(url.Values{"From": {"whatsapp:+5511988887777"}}))
	if !models.IsValidationError(err) {
		t.Errorf("expected validation error without MessageSid, got %v", err)
	}
}

func TestTwilioService_WebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	rec := httptest.NewRecorder()
	svc.WebhookHandler(rec, twilioRequest(url.Values{
		"From":       {"whatsapp:+5511988887777"},
		"Body":       {"oi"},
		"MessageSid": {"SM1"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	select {
	case msg := <-svc.Inbound():
		if msg.Text != "oi" {
			t.Errorf("unexpected text %q", msg.Text)
		}
	default:
		t.Fatal("expected inbound message")
	}

	rec = httptest.NewRecorder()
	svc.WebhookHandler(rec, twilioRequest(url.Values{"Body": {"oi"}}))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestTwilioService_SendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)
	sid, err := svc.SendMessage(context.Background(), "+5511988887777", "olá")
	if err != nil {
		t.Fatalf("SendMessage returned error: %v", err)
	}
	if sid == "" || mock.SentMessages[0].To != "5511988887777" {
		t.Errorf("unexpected send: sid=%q msgs=%+v", sid, mock.SentMessages)
	}
	_ = svc.Stop()
	if _, err := svc.SendMessage(context.Background(), "+5511988887777", "olá"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
}

func TestMediaKind(t *testing.T) {
	cases := map[string]string{
		"image/png":       "image",
		"audio/ogg":       "audio",
		"application/pdf": "document",
		"":                "media",
	}
	for in, want := range cases {
		if got := mediaKind(in); got != want {
			t.Errorf("mediaKind(%q) = %q, want %q", in, got, want)
		}
	}
}
