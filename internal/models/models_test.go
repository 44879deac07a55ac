package models

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{DeliveryPending, DeliveryAttempting, true},
		{DeliveryPending, DeliveryFailed, true},
		{DeliveryAttempting, DeliveryDelivered, true},
		{DeliveryAttempting, DeliveryFailed, true},
		{DeliveryFailed, DeliveryAttempting, true},
		{DeliveryDelivered, DeliveryAttempting, false},
		{DeliveryDelivered, DeliveryFailed, false},
		{DeliveryFailed, DeliveryDelivered, false},
		{DeliveryAttempting, DeliveryPending, false},
		{"bogus", DeliveryPending, false},
	}
	for _, c := range cases {
		require.Equal(t, c.ok, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestDeriveOverallStatus(t *testing.T) {
	row := func(s string) *Recipient { return &Recipient{DeliveryStatus: s} }

	require.Equal(t, OverallPending, DeriveOverallStatus(nil))
	require.Equal(t, OverallPending, DeriveOverallStatus([]*Recipient{row(DeliveryPending), row(DeliveryPending)}))
	require.Equal(t, OverallDispatching, DeriveOverallStatus([]*Recipient{row(DeliveryPending), row(DeliveryFailed)}))
	require.Equal(t, OverallDispatching, DeriveOverallStatus([]*Recipient{row(DeliveryAttempting), row(DeliveryDelivered)}))
	require.Equal(t, OverallDelivered, DeriveOverallStatus([]*Recipient{row(DeliveryDelivered)}))
	require.Equal(t, OverallFailed, DeriveOverallStatus([]*Recipient{row(DeliveryFailed), row(DeliveryFailed)}))
	require.Equal(t, OverallPartiallyFailed, DeriveOverallStatus([]*Recipient{row(DeliveryDelivered), row(DeliveryFailed)}))
}

func TestRecipientTargetJSON(t *testing.T) {
	id := uuid.New()

	var tg RecipientTarget
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"entity","id":"`+id.String()+`"}`), &tg))
	require.Equal(t, TargetEntity, tg.Kind())
	require.Equal(t, id, tg.ID())

	b, err := json.Marshal(UserTarget(id))
	require.NoError(t, err)
	require.JSONEq(t, `{"kind":"user","id":"`+id.String()+`"}`, string(b))

	require.Error(t, json.Unmarshal([]byte(`{"kind":"group","id":"`+id.String()+`"}`), &tg))
	require.Error(t, json.Unmarshal([]byte(`{"kind":"user"}`), &tg))
}

func TestUserEndpoint(t *testing.T) {
	u := User{
		ID:             uuid.New(),
		Email:          "a@gov.example",
		WhatsAppNumber: "+14155552671",
	}

	ep, ok := u.Endpoint(ChannelEmail)
	require.True(t, ok)
	require.Equal(t, "a@gov.example", ep)

	ep, ok = u.Endpoint(ChannelWhatsApp)
	require.True(t, ok)
	require.Equal(t, "+14155552671", ep)

	_, ok = u.Endpoint(ChannelTelegram)
	require.False(t, ok)

	ep, ok = u.Endpoint(ChannelInApp)
	require.True(t, ok)
	require.Equal(t, u.ID.String(), ep)

	u.WhatsAppNumber = "0712345678"
	_, ok = u.Endpoint(ChannelWhatsApp)
	require.False(t, ok)
}

func TestParseChannel(t *testing.T) {
	c, err := ParseChannel(" Email ")
	require.NoError(t, err)
	require.Equal(t, ChannelEmail, c)

	_, err = ParseChannel("sms")
	require.Error(t, err)
}
