package models

import (
	"fmt"
	"strings"
)

type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelTelegram Channel = "telegram"
	ChannelInApp    Channel = "in_app_notification"
)

var allowedChannels = map[Channel]struct{}{
	ChannelEmail:    {},
	ChannelWhatsApp: {},
	ChannelTelegram: {},
	ChannelInApp:    {},
}

func (c Channel) Valid() bool {
	_, ok := allowedChannels[c]
	return ok
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel: %q", s)
	}
	return c, nil
}

func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelWhatsApp, ChannelTelegram, ChannelInApp}
}
