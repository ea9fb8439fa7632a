package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nimasrn/mass-mailer/internal/model"
	"github.com/nimasrn/mass-mailer/pkg/logger"
	"github.com/nimasrn/mass-mailer/pkg/prom"
)

// Generator drafts email content from a prompt.
type Generator interface {
	Generate(ctx context.Context, req model.ContentRequest) (*model.GeneratedContent, error)
}

type ContentClient struct {
	model   TextModel
	timeout time.Duration
}

func NewContentClient(m TextModel, timeout time.Duration) *ContentClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ContentClient{model: m, timeout: timeout}
}

// Generate makes one model call. It never retries and keeps no state.
func (c *ContentClient) Generate(ctx context.Context, req model.ContentRequest) (*model.GeneratedContent, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := time.Now()
	text, err := c.model.GenerateText(ctx, buildPrompt(req))
	if err != nil {
		prom.ObserveGeneration("error", time.Since(started).Seconds())
		logger.Warn("content generation failed", "model", c.model.Name(), "error", err)
		return nil, model.Upstream("AI content generation failed", err)
	}
	prom.ObserveGeneration("ok", time.Since(started).Seconds())

	return parseDraft(text), nil
}

func buildPrompt(req model.ContentRequest) string {
	var b strings.Builder
	b.WriteString("Create an engaging email for the following request:\n\n")
	fmt.Fprintf(&b, "Prompt: %s\n", req.Prompt)
	fmt.Fprintf(&b, "Tone: %s\n", req.Tone)
	fmt.Fprintf(&b, "Target Audience: %s\n", req.Audience)
	fmt.Fprintf(&b, "Maximum Length: %d words\n\n", req.MaxLength)
	b.WriteString("Please provide:\n")
	b.WriteString("1. A compelling subject line\n")
	b.WriteString("2. Email content that's engaging and action-oriented\n")
	b.WriteString("3. Include personalization placeholders like {{name}} where appropriate\n\n")
	b.WriteString("Format the response as JSON with 'subject' and 'content' fields.\n")
	b.WriteString("Make sure the content is professional, avoids spam words, and includes a clear call-to-action.\n")
	if req.SubjectLine != "" {
		fmt.Fprintf(&b, "\nSuggested subject line: %s\n", req.SubjectLine)
	}
	return b.String()
}

// parseDraft reads the model's JSON answer. Free text is kept whole as the
// content, with the subject taken from its first "subject: ..." line.
func parseDraft(text string) *model.GeneratedContent {
	out := &model.GeneratedContent{Subject: model.DefaultAISubject, Content: text, AIGenerated: true}

	var draft struct {
		Subject string `json:"subject"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &draft); err == nil {
		if draft.Subject != "" {
			out.Subject = draft.Subject
		}
		if draft.Content != "" {
			out.Content = draft.Content
		}
		return out
	}

	for _, line := range strings.Split(text, "\n") {
		if !strings.Contains(strings.ToLower(line), "subject") {
			continue
		}
		if _, after, ok := strings.Cut(line, ":"); ok {
			out.Subject = strings.Trim(strings.TrimSpace(after), `"`)
			break
		}
	}
	return out
}
