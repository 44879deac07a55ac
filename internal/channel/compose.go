package channel

import (
	"strings"
	"unicode/utf8"
)

const ellipsis = "…"

// ComposeText renders subject, content and attachment links as one text payload of at
// most maxBytes bytes. Links are kept whole; the content is cut first.
func ComposeText(msg Message, maxBytes int) string {
	var head strings.Builder
	if s := strings.TrimSpace(msg.Subject); s != "" {
		head.WriteString(s)
		head.WriteString("\n\n")
	}

	var links strings.Builder
	for _, a := range msg.Attachments {
		if a.URL == "" {
			continue
		}
		if links.Len() == 0 {
			links.WriteString("\n\nAttachments:")
		}
		links.WriteString("\n- ")
		links.WriteString(a.Name)
		links.WriteString(": ")
		links.WriteString(a.URL)
	}

	body := strings.TrimSpace(msg.Content)
	full := head.String() + body + links.String()
	if maxBytes <= 0 || len(full) <= maxBytes {
		return full
	}

	budget := maxBytes - head.Len() - links.Len() - len(ellipsis)
	if budget <= 0 {
		return cutUTF8(full, maxBytes)
	}
	return head.String() + cutUTF8(body, budget) + ellipsis + links.String()
}

func cutUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
