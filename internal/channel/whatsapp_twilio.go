package channel

import (
	"context"
	"errors"
	"fmt"

	"comm_dispatch/internal/models"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const whatsAppTextLimit = 1600

// Twilio error codes that mean the recipient has not opened a session with the sender
// (sandbox not joined, outside the 24h window, not a WhatsApp user).
var twilioOptInCodes = map[int]struct{}{
	63003: {},
	63015: {},
	63016: {},
}

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// TwilioWhatsAppAdapter sends through the Twilio WhatsApp API. In sandbox mode the
// recipient has to message "join <code>" to the sandbox number first.
type TwilioWhatsAppAdapter struct {
	From        string
	SandboxCode string
	api         messageCreator
}

func NewTwilioWhatsAppAdapter(accountSID, authToken, from, sandboxCode string) *TwilioWhatsAppAdapter {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioWhatsAppAdapter{
		From:        from,
		SandboxCode: sandboxCode,
		api:         client.Api,
	}
}

func (t *TwilioWhatsAppAdapter) Name() string            { return "twilio" }
func (t *TwilioWhatsAppAdapter) Channel() models.Channel { return models.ChannelWhatsApp }

func (t *TwilioWhatsAppAdapter) Capabilities() Capabilities {
	hint := "recipient must have messaged the WhatsApp sender within the last 24 hours"
	if t.SandboxCode != "" {
		hint = fmt.Sprintf("recipient must send \"join %s\" to %s before messages can reach them", t.SandboxCode, t.From)
	}
	return Capabilities{
		Attachments:     AttachmentLink,
		MaxPayloadBytes: whatsAppTextLimit,
		OptIn:           OptIn{Required: true, Hint: hint},
	}
}

func (t *TwilioWhatsAppAdapter) Send(ctx context.Context, msg Message) Outcome {
	params := &api.CreateMessageParams{}
	params.SetTo("whatsapp:" + msg.Endpoint)
	params.SetFrom("whatsapp:" + t.From)
	params.SetBody(ComposeText(msg, whatsAppTextLimit))

	type result struct {
		resp *api.ApiV2010Message
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := t.api.CreateMessage(params)
		done <- result{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return ClassifyErr(ctx.Err())
	case r := <-done:
		if r.err != nil {
			return classifyTwilio(r.err)
		}
		id := ""
		if r.resp != nil && r.resp.Sid != nil {
			id = *r.resp.Sid
		}
		return Delivered(id)
	}
}

func classifyTwilio(err error) Outcome {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		reason := fmt.Sprintf("twilio %d: %s", restErr.Code, restErr.Message)
		if _, ok := twilioOptInCodes[restErr.Code]; ok {
			return Failed(reason, false)
		}
		return ClassifyHTTP(restErr.Status, reason)
	}
	return ClassifyErr(err)
}
