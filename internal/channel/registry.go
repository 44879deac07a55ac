package channel

import (
	"errors"
	"fmt"

	"comm_dispatch/internal/config"
	"comm_dispatch/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNoAdapter = errors.New("no adapter configured for channel")

const deliveredMeaning = "delivered means accepted for transport by the provider, not read by the recipient"

type Registry struct {
	adapters map[models.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.Channel]Adapter)}
}

// Register replaces any adapter already bound to the same channel.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Channel()] = a
}

func (r *Registry) Get(c models.Channel) (Adapter, error) {
	a, ok := r.adapters[c]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, c)
	}
	return a, nil
}

func (r *Registry) Channels() []models.Channel {
	out := make([]models.Channel, 0, len(r.adapters))
	for _, c := range models.Channels() {
		if _, ok := r.adapters[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Caveats returns what callers should know about a delivered status on channel c.
// Unregistered channels have none.
func (r *Registry) Caveats(c models.Channel) []models.Caveat {
	a, ok := r.adapters[c]
	if !ok {
		return []models.Caveat{}
	}
	caps := a.Capabilities()
	out := []models.Caveat{{Channel: c, Provider: a.Name(), Message: deliveredMeaning}}
	if caps.OptIn.Required {
		out = append(out, models.Caveat{Channel: c, Provider: a.Name(), Message: "opt-in required: " + caps.OptIn.Hint})
	}
	if caps.Attachments == AttachmentLink {
		out = append(out, models.Caveat{Channel: c, Provider: a.Name(), Message: "attachments are sent as download links"})
	}
	return out
}

// BuildRegistry wires one adapter per channel from configuration. Channels without
// credentials stay unregistered and every dispatch to them fails.
func BuildRegistry(cfg *config.Config, rdb redis.Cmdable, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := NewRegistry()

	switch cfg.Email.Provider {
	case "", "smtp":
		reg.Register(NewSMTPAdapter(cfg.Email.SMTPHost, cfg.Email.SMTPPort, cfg.Email.SMTPUsername,
			cfg.Email.SMTPPassword, cfg.Email.From, cfg.Email.FromName))
	case "sendgrid":
		if cfg.Email.SendGridAPIKey == "" {
			return nil, errors.New("EMAIL_PROVIDER=sendgrid requires SENDGRID_API_KEY")
		}
		reg.Register(NewSendGridAdapter(cfg.Email.SendGridAPIKey, cfg.Email.FromName, cfg.Email.From))
	default:
		return nil, fmt.Errorf("unknown EMAIL_PROVIDER %q", cfg.Email.Provider)
	}

	switch cfg.WhatsApp.Provider {
	case "":
		logger.Warn("WHATSAPP_PROVIDER not set, whatsapp channel disabled")
	case "twilio":
		if cfg.WhatsApp.TwilioAccountSID == "" || cfg.WhatsApp.TwilioAuthToken == "" || cfg.WhatsApp.TwilioFrom == "" {
			return nil, errors.New("WHATSAPP_PROVIDER=twilio requires TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_WHATSAPP_FROM")
		}
		reg.Register(NewTwilioWhatsAppAdapter(cfg.WhatsApp.TwilioAccountSID, cfg.WhatsApp.TwilioAuthToken,
			cfg.WhatsApp.TwilioFrom, cfg.WhatsApp.TwilioSandboxCode))
	case "bot":
		if cfg.WhatsApp.BotBaseURL == "" || cfg.WhatsApp.BotToken == "" {
			return nil, errors.New("WHATSAPP_PROVIDER=bot requires WHATSAPP_BOT_BASE_URL and WHATSAPP_BOT_TOKEN")
		}
		reg.Register(NewWhatsAppBotAdapter(cfg.WhatsApp.BotBaseURL, cfg.WhatsApp.BotToken,
			cfg.WhatsApp.BotSender, cfg.WhatsApp.BotOptInPhrase))
	default:
		return nil, fmt.Errorf("unknown WHATSAPP_PROVIDER %q", cfg.WhatsApp.Provider)
	}

	if cfg.Telegram.BotToken != "" {
		reg.Register(NewTelegramAdapter(cfg.Telegram.APIBaseURL, cfg.Telegram.BotToken, cfg.Telegram.BotUsername))
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, telegram channel disabled")
	}

	if rdb != nil {
		reg.Register(NewInAppAdapter(rdb, cfg.InApp.InboxLimit))
	}

	for _, c := range reg.Channels() {
		a, _ := reg.Get(c)
		logger.Info("channel adapter registered", zap.String("channel", string(c)), zap.String("provider", a.Name()))
	}
	return reg, nil
}
