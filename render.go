package courier

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DeliveryMode decides how a request with several channels is sent.
type DeliveryMode int

const (
	// DeliverFallback tries channels in listed order and stops at the first
	// one that reaches the recipient.
	DeliverFallback DeliveryMode = iota
	// DeliverAll sends on every listed channel at once.
	DeliverAll
)

func (m DeliveryMode) String() string {
	if m == DeliverAll {
		return "all"
	}
	return "fallback"
}

// Message is the rendered, channel-neutral payload of a request.
type Message struct {
	Title   string
	Body    string
	Subject string
	HTML    string
	Text    string
	Data    map[string]string
}

// Renderer turns a request into the text each channel sends. Composing that
// text is the embedding application's job; the default renderer reads it
// straight from templateData.
type Renderer interface {
	Render(req NotificationRequest) (Message, error)
}

type RendererFunc func(req NotificationRequest) (Message, error)

func (f RendererFunc) Render(req NotificationRequest) (Message, error) {
	return f(req)
}

// TemplateDataRenderer reads title, body, subject, html, text and data from
// templateData. Missing fields fall back to each other, so a request with
// only a body still renders for every channel.
var TemplateDataRenderer Renderer = RendererFunc(func(req NotificationRequest) (Message, error) {
	str := func(key string) string {
		v, ok := req.TemplateData[key]
		if !ok || v == nil {
			return ""
		}
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}

	msg := Message{
		Title:   str("title"),
		Body:    str("body"),
		Subject: str("subject"),
		HTML:    str("html"),
		Text:    str("text"),
		Data:    map[string]string{"trigger": req.Trigger, "notification_id": req.ID},
	}
	if data, ok := req.TemplateData["data"].(map[string]any); ok {
		for k, v := range data {
			msg.Data[k] = fmt.Sprint(v)
		}
	}

	if msg.Body == "" {
		msg.Body = msg.Text
	}
	if msg.Body == "" {
		return Message{}, fmt.Errorf("template data for %s has no body or text", req.ID)
	}
	if msg.Title == "" {
		msg.Title = msg.Subject
	}
	if msg.Subject == "" {
		msg.Subject = msg.Title
	}
	if msg.Text == "" {
		msg.Text = msg.Body
	}

	return msg, nil
})

// finalize applies the product prefix and the channel's length limit.
func (m Message) finalize(channel Channel, productName string, smsMaxLength int) Message {
	out := m
	switch channel {
	case ChannelPush:
		out.Title = withPrefix(m.Title, productName)
	case ChannelEmail:
		out.Subject = withPrefix(m.Subject, productName)
	case ChannelSMS:
		out.Body = truncate(withPrefix(m.Body, productName), smsMaxLength)
	}

	return out
}

// preview is the text recorded in the delivery log for channel.
func (m Message) preview(channel Channel, length int) string {
	var text string
	switch channel {
	case ChannelEmail:
		text = m.Subject + ": " + m.Text
	case ChannelPush:
		text = m.Title + ": " + m.Body
	default:
		text = m.Body
	}

	return truncate(text, length)
}

func withPrefix(text, productName string) string {
	if productName == "" || hasWordPrefix(text, productName) {
		return text
	}
	if text == "" {
		return productName
	}
	return productName + ": " + text
}

// hasWordPrefix reports whether text starts with prefix as a whole word, so
// "Acme: hi" and "Acme says hi" count for Acme but "Acmeville" does not.
func hasWordPrefix(text, prefix string) bool {
	if !strings.HasPrefix(text, prefix) {
		return false
	}
	next, _ := utf8.DecodeRuneInString(text[len(prefix):])
	return next == utf8.RuneError || !(unicode.IsLetter(next) || unicode.IsDigit(next))
}

// truncate cuts text to at most max runes, ending with an ellipsis when cut.
func truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}

	r := []rune(text)
	if max == 1 {
		return "…"
	}
	return strings.TrimRightFunc(string(r[:max-1]), func(c rune) bool { return c == ' ' }) + "…"
}
