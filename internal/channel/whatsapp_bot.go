package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"comm_dispatch/internal/models"
)

const whatsAppBotTextLimit = 4096

// WhatsAppBotAdapter talks to a QR-paired WhatsApp gateway. The gateway only
// reaches people who have sent the opt-in phrase to the bot number.
type WhatsAppBotAdapter struct {
	BaseURL     string
	Token       string
	Sender      string
	OptInPhrase string
	Client      *http.Client
}

func NewWhatsAppBotAdapter(baseURL, token, sender, optInPhrase string) *WhatsAppBotAdapter {
	return &WhatsAppBotAdapter{
		BaseURL:     baseURL,
		Token:       token,
		Sender:      sender,
		OptInPhrase: optInPhrase,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (b *WhatsAppBotAdapter) Name() string            { return "whatsapp_bot" }
func (b *WhatsAppBotAdapter) Channel() models.Channel { return models.ChannelWhatsApp }

func (b *WhatsAppBotAdapter) Capabilities() Capabilities {
	hint := "recipient must message the bot number before it can reach them"
	if b.OptInPhrase != "" {
		hint = fmt.Sprintf("recipient must send %q to %s before it can reach them", b.OptInPhrase, b.Sender)
	}
	return Capabilities{
		Attachments:     AttachmentLink,
		MaxPayloadBytes: whatsAppBotTextLimit,
		OptIn:           OptIn{Required: true, Hint: hint},
	}
}

type botSendRequest struct {
	MessageType string `json:"messageType"`
	RequestType string `json:"requestType"`
	Token       string `json:"token"`
	From        string `json:"from"`
	To          string `json:"to"`
	Text        string `json:"text"`
}

type botSendResponse struct {
	ID        string `json:"id"`
	MessageID string `json:"message_id"`
}

func (b *WhatsAppBotAdapter) Send(ctx context.Context, msg Message) Outcome {
	payload, err := json.Marshal(botSendRequest{
		MessageType: "text",
		RequestType: "POST",
		Token:       b.Token,
		From:        b.Sender,
		To:          msg.Endpoint,
		Text:        ComposeText(msg, whatsAppBotTextLimit),
	})
	if err != nil {
		return Failed(fmt.Sprintf("marshal whatsapp payload: %v", err), false)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.BaseURL+"/api/qr/rest/send_message", bytes.NewReader(payload))
	if err != nil {
		return Failed(err.Error(), false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.Client.Do(req)
	if err != nil {
		return ClassifyErr(fmt.Errorf("whatsapp bot send: %w", err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	out := ClassifyHTTP(resp.StatusCode, string(body))
	if out.Delivered {
		var r botSendResponse
		if json.Unmarshal(body, &r) == nil {
			out.ProviderID = r.ID
			if out.ProviderID == "" {
				out.ProviderID = r.MessageID
			}
		}
	}
	return out
}
