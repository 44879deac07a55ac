package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

func TestTelegramAdapter(t *testing.T) {
	var got telegramSendMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		switch got.ChatID {
		case "blocked":
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
		case "flood":
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3"}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":42}}`))
		}
	}))
	defer srv.Close()

	a := NewTelegramAdapter(srv.URL, "TOKEN", "school_bot")

	out := a.Send(context.Background(), Message{
		Endpoint:    "12345",
		Subject:     "Notice",
		Content:     "Classes resume Monday",
		Attachments: []Attachment{{Name: "calendar.pdf", URL: "http://files/cal"}},
	})
	require.True(t, out.Delivered, out.Reason)
	require.Equal(t, "42", out.ProviderID)
	require.Contains(t, got.Text, "http://files/cal")

	out = a.Send(context.Background(), Message{Endpoint: "blocked", Content: "x"})
	require.False(t, out.Delivered)
	require.False(t, out.Retryable)
	require.Contains(t, out.Reason, "blocked")

	out = a.Send(context.Background(), Message{Endpoint: "flood", Content: "x"})
	require.True(t, out.Retryable)

	caps := a.Capabilities()
	require.True(t, caps.OptIn.Required)
	require.Contains(t, caps.OptIn.Hint, "@school_bot")
	require.Equal(t, AttachmentLink, caps.Attachments)
}

func TestWhatsAppBotAdapter(t *testing.T) {
	var got botSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/qr/rest/send_message", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"id":"wa-7"}`))
	}))
	defer srv.Close()

	a := NewWhatsAppBotAdapter(srv.URL, "tok", "+15550001111", "hello school")
	out := a.Send(context.Background(), Message{Endpoint: "+15552223333", Subject: "S", Content: "C"})

	require.True(t, out.Delivered, out.Reason)
	require.Equal(t, "wa-7", out.ProviderID)
	require.Equal(t, "text", got.MessageType)
	require.Equal(t, "tok", got.Token)
	require.Equal(t, "+15550001111", got.From)
	require.Equal(t, "+15552223333", got.To)
	require.Equal(t, "S\n\nC", got.Text)
	require.Contains(t, a.Capabilities().OptIn.Hint, "hello school")
}

type fakeMessageCreator struct {
	params *api.CreateMessageParams
	err    error
	block  chan struct{}
}

func (f *fakeMessageCreator) CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error) {
	f.params = params
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &api.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioWhatsAppAdapter(t *testing.T) {
	t.Run("delivered", func(t *testing.T) {
		fake := &fakeMessageCreator{}
		a := &TwilioWhatsAppAdapter{From: "+14155238886", SandboxCode: "quiet-lake", api: fake}

		out := a.Send(context.Background(), Message{Endpoint: "+15552223333", Content: "hi"})
		require.True(t, out.Delivered)
		require.Equal(t, "SM123", out.ProviderID)
		require.Equal(t, "whatsapp:+15552223333", *fake.params.To)
		require.Equal(t, "whatsapp:+14155238886", *fake.params.From)
		require.Contains(t, a.Capabilities().OptIn.Hint, "join quiet-lake")
	})

	t.Run("not opted in", func(t *testing.T) {
		fake := &fakeMessageCreator{err: &twclient.TwilioRestError{Code: 63016, Status: 400, Message: "outside window"}}
		a := &TwilioWhatsAppAdapter{From: "+1", api: fake}

		out := a.Send(context.Background(), Message{Endpoint: "+2", Content: "hi"})
		require.False(t, out.Delivered)
		require.False(t, out.Retryable)
		require.Contains(t, out.Reason, "63016")
	})

	t.Run("server error is retryable", func(t *testing.T) {
		fake := &fakeMessageCreator{err: &twclient.TwilioRestError{Code: 20500, Status: 500, Message: "internal"}}
		a := &TwilioWhatsAppAdapter{From: "+1", api: fake}

		require.True(t, a.Send(context.Background(), Message{Endpoint: "+2"}).Retryable)
	})

	t.Run("deadline", func(t *testing.T) {
		fake := &fakeMessageCreator{block: make(chan struct{})}
		defer close(fake.block)
		a := &TwilioWhatsAppAdapter{From: "+1", api: fake}

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		out := a.Send(ctx, Message{Endpoint: "+2"})
		require.False(t, out.Delivered)
		require.True(t, out.Retryable)
	})
}

func TestBuildInAppNotification(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := BuildInAppNotification(Message{
		Subject:     "S",
		Content:     "C",
		Attachments: []Attachment{{Name: "f.pdf", MimeType: "application/pdf", SizeBytes: 10, URL: "http://f"}},
	}, at)

	require.Equal(t, "S", n.Subject)
	require.Equal(t, at, n.CreatedAt)
	require.Len(t, n.Attachments, 1)
	require.Equal(t, "http://f", n.Attachments[0].URL)
	require.Equal(t, "inapp:inbox:u1", InboxKey("u1"))
	require.Equal(t, "inapp:user:u1", NotifyKey("u1"))
}

func TestInAppAdapterRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 200 * time.Millisecond})
	defer rdb.Close()

	out := NewInAppAdapter(rdb, 10).Send(context.Background(), Message{Endpoint: "u1", Subject: "S", Content: "C"})
	require.False(t, out.Delivered)
	require.True(t, out.Retryable)
}
