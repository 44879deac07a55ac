// Package channel holds the transport adapters. An adapter makes one delivery
// attempt to one endpoint and reports the outcome; it never touches recipient rows.
package channel

import (
	"context"
	"io"

	"comm_dispatch/internal/models"
)

type AttachmentMode string

const (
	// AttachmentNative means files travel inside the message itself.
	AttachmentNative AttachmentMode = "native"
	// AttachmentLink means files are replaced by download links in the text.
	AttachmentLink AttachmentMode = "link"
)

// OptIn describes a recipient-side handshake the provider requires and
// this service cannot observe.
type OptIn struct {
	Required bool
	Hint     string
}

type Capabilities struct {
	Attachments        AttachmentMode
	MaxPayloadBytes    int
	MaxAttachmentBytes int64
	OptIn              OptIn
}

type Attachment struct {
	Name      string
	MimeType  string
	SizeBytes int64
	URL       string
	Open      func(ctx context.Context) (io.ReadCloser, error)
}

type Message struct {
	Endpoint    string
	Subject     string
	Content     string
	Attachments []Attachment
}

// Outcome of one transport attempt. Delivered means accepted for transport by the
// provider, not confirmed as received by the person.
type Outcome struct {
	Delivered  bool
	ProviderID string
	Reason     string
	Retryable  bool
}

func Delivered(providerID string) Outcome {
	return Outcome{Delivered: true, ProviderID: providerID}
}

func Failed(reason string, retryable bool) Outcome {
	if reason == "" {
		reason = "unknown error"
	}
	return Outcome{Reason: reason, Retryable: retryable}
}

type Adapter interface {
	Name() string
	Channel() models.Channel
	Capabilities() Capabilities
	Send(ctx context.Context, msg Message) Outcome
}
