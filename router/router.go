// Package router pairs thread identifiers with outbound channels and
// prepares agent text for delivery.
package router

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/nadahlberg/codeclaw/channel"
	"github.com/nadahlberg/codeclaw/model"
)

var internalTagRe = regexp.MustCompile(`<internal>[\s\S]*?</internal>`)

// EscapeXML escapes the characters & < > " for embedding user-sourced text
// in prompt payloads.
func EscapeXML(s string) string {
	if s == "" {
		return ""
	}
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
	return r.Replace(s)
}

// FormatMessages renders a batch of messages as the agent prompt.
func FormatMessages(messages []model.Message) string {
	var b strings.Builder
	b.WriteString("<messages>\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "<message sender=\"%s\" time=\"%s\">%s</message>\n",
			EscapeXML(m.SenderName), m.Timestamp.UTC().Format(time.RFC3339), EscapeXML(m.Content))
	}
	b.WriteString("</messages>")
	return b.String()
}

// StripInternalTags removes paired <internal>...</internal> spans
// (non-greedy, across newlines) and trims the result.
func StripInternalTags(text string) string {
	return strings.TrimSpace(internalTagRe.ReplaceAllString(text, ""))
}

// FormatOutbound prepares raw agent text for sending. An empty result means
// the message should not be sent.
func FormatOutbound(raw string) string {
	return StripInternalTags(raw)
}

// FindChannel returns the first channel that owns tid, or nil.
func FindChannel(channels []channel.Channel, tid string) channel.Channel {
	for _, c := range channels {
		if c.Owns(tid) {
			return c
		}
	}
	return nil
}
