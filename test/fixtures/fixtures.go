package fixtures

import (
	"fmt"
	"strings"

	"github.com/nimasrn/mass-mailer/internal/model"
)

var (
	WelcomeTemplate = model.TemplateCreateRequest{
		Name:    "welcome",
		Subject: "Hello {{name}}",
		Content: "Hi {{name}},\nwelcome to {{city}}.",
	}

	LaunchCampaign = model.CampaignCreateRequest{
		Name:       "launch",
		Subject:    "Hello {{name}}",
		Content:    "Hi {{name}},\nwelcome to {{city}}.",
		SenderName: "Acme",
	}
)

// Recipients builds n distinct recipients user1@example.com .. userN@example.com.
func Recipients(n int) []model.RecipientCreateRequest {
	rows := make([]model.RecipientCreateRequest, 0, n)
	for i := 1; i <= n; i++ {
		rows = append(rows, model.RecipientCreateRequest{
			Email:    fmt.Sprintf("user%d@example.com", i),
			Name:     fmt.Sprintf("User %d", i),
			Metadata: map[string]string{"city": "Berlin"},
		})
	}
	return rows
}

// RecipientsCSV renders rows as an upload with an email, name and city column.
func RecipientsCSV(rows ...[3]string) []byte {
	var b strings.Builder
	b.WriteString("email,name,city\n")
	for _, r := range rows {
		b.WriteString(strings.Join(r[:], ","))
		b.WriteString("\n")
	}
	return []byte(b.String())
}
