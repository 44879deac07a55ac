package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"comm_dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

const inAppMaxPayload = 256 << 10

func InboxKey(userID string) string  { return "inapp:inbox:" + userID }
func NotifyKey(userID string) string { return "inapp:user:" + userID }

// InAppAdapter drops the notification into the user's Redis inbox and announces it
// on the user's pub/sub channel for connected clients.
type InAppAdapter struct {
	rdb        redis.Cmdable
	inboxLimit int64
	now        func() time.Time
}

func NewInAppAdapter(rdb redis.Cmdable, inboxLimit int64) *InAppAdapter {
	if inboxLimit <= 0 {
		inboxLimit = 500
	}
	return &InAppAdapter{rdb: rdb, inboxLimit: inboxLimit, now: time.Now}
}

func (a *InAppAdapter) Name() string            { return "redis_inbox" }
func (a *InAppAdapter) Channel() models.Channel { return models.ChannelInApp }

func (a *InAppAdapter) Capabilities() Capabilities {
	return Capabilities{
		Attachments:     AttachmentNative,
		MaxPayloadBytes: inAppMaxPayload,
	}
}

type InAppNotification struct {
	Subject     string            `json:"subject"`
	Content     string            `json:"content"`
	Attachments []InAppAttachment `json:"attachments,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

type InAppAttachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	URL       string `json:"url"`
}

func BuildInAppNotification(msg Message, at time.Time) InAppNotification {
	n := InAppNotification{
		Subject:   msg.Subject,
		Content:   msg.Content,
		CreatedAt: at.UTC(),
	}
	for _, att := range msg.Attachments {
		n.Attachments = append(n.Attachments, InAppAttachment{
			Name:      att.Name,
			MimeType:  att.MimeType,
			SizeBytes: att.SizeBytes,
			URL:       att.URL,
		})
	}
	return n
}

func (a *InAppAdapter) Send(ctx context.Context, msg Message) Outcome {
	payload, err := json.Marshal(BuildInAppNotification(msg, a.now()))
	if err != nil {
		return Failed(fmt.Sprintf("marshal notification: %v", err), false)
	}
	if len(payload) > inAppMaxPayload {
		return Failed("notification exceeds in-app payload limit", false)
	}

	inbox := InboxKey(msg.Endpoint)
	_, err = a.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, inbox, payload)
		p.LTrim(ctx, inbox, 0, a.inboxLimit-1)
		p.Publish(ctx, NotifyKey(msg.Endpoint), payload)
		return nil
	})
	if err != nil {
		return ClassifyErr(fmt.Errorf("redis inbox write: %w", err))
	}
	return Delivered("")
}
