package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"comm_dispatch/internal/models"
)

const telegramTextLimit = 4096

// TelegramAdapter sends through the Bot API. A bot can only write to users who
// have started a chat with it.
type TelegramAdapter struct {
	BaseURL     string
	Token       string
	BotUsername string
	Client      *http.Client
}

func NewTelegramAdapter(baseURL, token, botUsername string) *TelegramAdapter {
	return &TelegramAdapter{
		BaseURL:     baseURL,
		Token:       token,
		BotUsername: botUsername,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramAdapter) Name() string            { return "telegram_bot" }
func (t *TelegramAdapter) Channel() models.Channel { return models.ChannelTelegram }

func (t *TelegramAdapter) Capabilities() Capabilities {
	hint := "recipient must open a chat with the bot and press Start"
	if t.BotUsername != "" {
		hint = fmt.Sprintf("recipient must open a chat with @%s and press Start", t.BotUsername)
	}
	return Capabilities{
		Attachments:     AttachmentLink,
		MaxPayloadBytes: telegramTextLimit,
		OptIn:           OptIn{Required: true, Hint: hint},
	}
}

type telegramSendMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      struct {
		MessageID int64 `json:"message_id"`
	} `json:"result"`
}

func (t *TelegramAdapter) Send(ctx context.Context, msg Message) Outcome {
	payload, err := json.Marshal(telegramSendMessage{
		ChatID: msg.Endpoint,
		Text:   ComposeText(msg, telegramTextLimit),
	})
	if err != nil {
		return Failed(fmt.Sprintf("marshal telegram payload: %v", err), false)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Failed("build telegram request", false)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// the request URL carries the bot token, keep it out of the reason
		return ClassifyErr(fmt.Errorf("telegram send: %w", unwrapURLError(err)))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var tr telegramResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return ClassifyHTTP(resp.StatusCode, string(body))
	}
	if !tr.OK {
		code := tr.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return ClassifyHTTP(code, tr.Description)
	}
	return Delivered(strconv.FormatInt(tr.Result.MessageID, 10))
}
