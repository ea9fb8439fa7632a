package mailer

import (
	"html"
	"strings"
)

// Envelope is one rendered email ready for a provider.
type Envelope struct {
	MessageID string `json:"message_id"`
	To        string `json:"to"`
	ToName    string `json:"to_name,omitempty"`
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	Subject   string `json:"subject"`
	HTML      string `json:"html"`
	Text      string `json:"text"`
}

// HTMLBody wraps plain content in the message layout with a sender footer.
// Content is escaped and line breaks become <br>.
func HTMLBody(content, senderName string) string {
	body := strings.ReplaceAll(html.EscapeString(content), "\n", "<br>")

	var b strings.Builder
	b.WriteString(`<html><body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333;">`)
	b.WriteString(`<div style="max-width: 600px; margin: 0 auto; padding: 20px;">`)
	b.WriteString(body)
	b.WriteString(`<hr style="margin: 30px 0; border: none; border-top: 1px solid #eee;">`)
	b.WriteString(`<p style="font-size: 12px; color: #666;">Sent by `)
	b.WriteString(html.EscapeString(senderName))
	b.WriteString(`</p></div></body></html>`)
	return b.String()
}
