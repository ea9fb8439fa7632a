package orchestrator

import (
	"github.com/nimasrn/mass-mailer/internal/mailer"
	"github.com/nimasrn/mass-mailer/internal/model"
)

// Render personalizes text for one recipient: {{name}} becomes the
// recipient's name (empty when unknown) and {{key}} a metadata value.
func Render(text string, r *model.Recipient) string {
	return model.ExpandPlaceholders(text, func(key string) (string, bool) {
		if key == "name" {
			return r.Name, true
		}
		v, ok := r.Metadata[key]
		return v, ok
	})
}

func envelope(c *model.Campaign, r *model.Recipient, fromEmail string) mailer.Envelope {
	content := Render(c.Content, r)
	sender := c.SenderName
	if sender == "" {
		sender = model.DefaultSenderName
	}
	return mailer.Envelope{
		To:        r.Email,
		ToName:    r.Name,
		FromName:  sender,
		FromEmail: fromEmail,
		Subject:   Render(c.Subject, r),
		HTML:      mailer.HTMLBody(content, sender),
		Text:      content,
	}
}
