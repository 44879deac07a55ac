package models

import (
	"strings"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

// User is the read-only view of a directory user with its channel endpoints.
type User struct {
	ID             uuid.UUID `db:"id"`
	Email          string    `db:"email"`
	WhatsAppNumber string    `db:"whatsapp_number"`
	TelegramHandle string    `db:"telegram_handle"`
}

// Endpoint returns the address of u on channel c. ok is false when the user cannot be
// reached there; the recipient row is still created in that case.
func (u User) Endpoint(c Channel) (endpoint string, ok bool) {
	switch c {
	case ChannelEmail:
		e := strings.TrimSpace(u.Email)
		if e == "" || !strings.Contains(e, "@") {
			return "", false
		}
		return e, true
	case ChannelWhatsApp:
		n, err := NormalizePhone(u.WhatsAppNumber)
		if err != nil {
			return "", false
		}
		return n, true
	case ChannelTelegram:
		h := strings.TrimSpace(u.TelegramHandle)
		if h == "" {
			return "", false
		}
		return h, true
	case ChannelInApp:
		if u.ID == uuid.Nil {
			return "", false
		}
		return u.ID.String(), true
	}
	return "", false
}

// NormalizePhone formats an international number as E.164.
func NormalizePhone(num string) (string, error) {
	num = strings.TrimSpace(num)
	if num == "" {
		return "", errEmptyPhone
	}
	if num[0] != '+' {
		return "", errPhoneFormat
	}
	parsed, err := phonenumbers.Parse(num, "")
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", errPhoneInvalid
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
