package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"comm_dispatch/internal/models"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendGridBaseURL       = "https://api.sendgrid.com"
	sendGridMaxAttachment = 30 << 20 // total message limit
)

type SendGridAdapter struct {
	APIKey   string
	BaseURL  string
	FromName string
	FromMail string
	Client   *http.Client
}

func NewSendGridAdapter(apiKey, fromName, fromMail string) *SendGridAdapter {
	return &SendGridAdapter{
		APIKey:   apiKey,
		BaseURL:  sendGridBaseURL,
		FromName: fromName,
		FromMail: fromMail,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (s *SendGridAdapter) Name() string            { return "sendgrid" }
func (s *SendGridAdapter) Channel() models.Channel { return models.ChannelEmail }

func (s *SendGridAdapter) Capabilities() Capabilities {
	return Capabilities{
		Attachments:        AttachmentNative,
		MaxPayloadBytes:    sendGridMaxAttachment,
		MaxAttachmentBytes: sendGridMaxAttachment * 3 / 4,
	}
}

func (s *SendGridAdapter) Send(ctx context.Context, msg Message) Outcome {
	if err := checkAttachmentSize(msg.Attachments, s.Capabilities().MaxAttachmentBytes); err != nil {
		return Failed(err.Error(), false)
	}

	message, err := s.buildMail(ctx, msg)
	if err != nil {
		return Failed(fmt.Sprintf("build sendgrid mail: %v", err), false)
	}
	body := mail.GetRequestBody(message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v3/mail/send", bytes.NewReader(body))
	if err != nil {
		return Failed(err.Error(), false)
	}
	req.Header.Set("Authorization", "Bearer "+s.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return ClassifyErr(fmt.Errorf("sendgrid send: %w", err))
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	out := ClassifyHTTP(resp.StatusCode, string(respBody))
	if out.Delivered {
		out.ProviderID = resp.Header.Get("X-Message-Id")
	}
	return out
}

func (s *SendGridAdapter) buildMail(ctx context.Context, msg Message) (*mail.SGMailV3, error) {
	m := mail.NewV3Mail()
	m.SetFrom(mail.NewEmail(s.FromName, s.FromMail))
	m.Subject = msg.Subject

	p := mail.NewPersonalization()
	p.AddTos(mail.NewEmail("", msg.Endpoint))
	m.AddPersonalizations(p)
	m.AddContent(mail.NewContent("text/plain", msg.Content))

	for _, att := range msg.Attachments {
		if att.Open == nil {
			return nil, fmt.Errorf("attachment %q has no content", att.Name)
		}
		rc, err := att.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open attachment %q: %w", att.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read attachment %q: %w", att.Name, err)
		}

		a := mail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(data))
		a.SetType(att.MimeType)
		a.SetFilename(att.Name)
		a.SetDisposition("attachment")
		m.AddAttachment(a)
	}
	return m, nil
}
