package channel

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"comm_dispatch/internal/models"
)

const smtpMaxMessageBytes = 20 << 20

type SMTPAdapter struct {
	Host      string
	Port      int
	Username  string
	Password  string
	From      string
	FromName  string
	TLSConfig *tls.Config
}

func NewSMTPAdapter(host string, port int, username, password, from, fromName string) *SMTPAdapter {
	return &SMTPAdapter{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		FromName: fromName,
	}
}

func (a *SMTPAdapter) Name() string            { return "smtp" }
func (a *SMTPAdapter) Channel() models.Channel { return models.ChannelEmail }

func (a *SMTPAdapter) Capabilities() Capabilities {
	return Capabilities{
		Attachments:        AttachmentNative,
		MaxPayloadBytes:    smtpMaxMessageBytes,
		MaxAttachmentBytes: smtpMaxMessageBytes * 3 / 4, // base64 overhead
	}
}

func (a *SMTPAdapter) Send(ctx context.Context, msg Message) Outcome {
	if err := checkAttachmentSize(msg.Attachments, a.Capabilities().MaxAttachmentBytes); err != nil {
		return Failed(err.Error(), false)
	}

	body, err := BuildMIME(ctx, mail.Address{Name: a.FromName, Address: a.From}, msg, time.Now())
	if err != nil {
		return Failed(fmt.Sprintf("build message: %v", err), false)
	}
	if len(body) > smtpMaxMessageBytes {
		return Failed("message exceeds smtp size limit", false)
	}

	if err := a.deliver(ctx, msg.Endpoint, body); err != nil {
		return classifySMTP(err)
	}
	return Delivered("")
}

func (a *SMTPAdapter) deliver(ctx context.Context, to string, body []byte) error {
	addr := net.JoinHostPort(a.Host, strconv.Itoa(a.Port))

	var conn net.Conn
	var err error
	dialer := &net.Dialer{}
	if a.Port == 465 {
		td := &tls.Dialer{NetDialer: dialer, Config: a.tlsConfig()}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, a.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if a.Port != 465 {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(a.tlsConfig()); err != nil {
				return err
			}
		}
	}
	if a.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", a.Username, a.Password, a.Host)); err != nil {
			return err
		}
	}
	if err := c.Mail(a.From); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func (a *SMTPAdapter) tlsConfig() *tls.Config {
	if a.TLSConfig != nil {
		return a.TLSConfig
	}
	return &tls.Config{ServerName: a.Host}
}

// classifySMTP treats 4xx replies and network failures as transient.
func classifySMTP(err error) Outcome {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return Failed(fmt.Sprintf("smtp %d: %s", tpErr.Code, tpErr.Msg), tpErr.Code >= 400 && tpErr.Code < 500)
	}
	return ClassifyErr(err)
}

// BuildMIME renders a multipart/mixed message with base64 attachments.
func BuildMIME(ctx context.Context, from mail.Address, msg Message, date time.Time) ([]byte, error) {
	var buf bytes.Buffer

	header := textproto.MIMEHeader{}
	header.Set("From", from.String())
	header.Set("To", (&mail.Address{Address: msg.Endpoint}).String())
	header.Set("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	header.Set("Date", date.Format(time.RFC1123Z))
	header.Set("MIME-Version", "1.0")

	mw := multipart.NewWriter(&buf)
	header.Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	for _, k := range []string{"From", "To", "Subject", "Date", "MIME-Version", "Content-Type"} {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, header.Get(k))
	}
	buf.WriteString("\r\n")

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=\"utf-8\""},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(text, bytes.NewReader([]byte(msg.Content))); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if att.Open == nil {
			return nil, fmt.Errorf("attachment %q has no content", att.Name)
		}
		ct := att.MimeType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": att.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": att.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		rc, err := att.Open(ctx)
		if err != nil {
			return nil, fmt.Errorf("open attachment %q: %w", att.Name, err)
		}
		err = writeBase64(part, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("encode attachment %q: %w", att.Name, err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 writes r as base64 wrapped at 76 columns.
func writeBase64(w io.Writer, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := io.WriteString(w, enc[:76]+"\r\n"); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err = io.WriteString(w, enc+"\r\n")
	return err
}

func checkAttachmentSize(atts []Attachment, limit int64) error {
	if limit <= 0 {
		return nil
	}
	var total int64
	for _, a := range atts {
		total += a.SizeBytes
	}
	if total > limit {
		return fmt.Errorf("attachments total %d bytes exceeds limit %d", total, limit)
	}
	return nil
}
