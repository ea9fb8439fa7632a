package model

import "strings"

const (
	DefaultTone      = "professional"
	DefaultAudience  = "general"
	DefaultMaxLength = 500
	DefaultAISubject = "Generated Email"
)

// ContentRequest asks the AI model for an email draft.
type ContentRequest struct {
	Prompt      string `json:"prompt"`
	SubjectLine string `json:"subject_line,omitempty"`
	Tone        string `json:"tone"`
	Audience    string `json:"audience"`
	MaxLength   int    `json:"max_length"`
}

func (r *ContentRequest) Normalize() {
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.SubjectLine = strings.TrimSpace(r.SubjectLine)
	if r.Tone = strings.TrimSpace(r.Tone); r.Tone == "" {
		r.Tone = DefaultTone
	}
	if r.Audience = strings.TrimSpace(r.Audience); r.Audience == "" {
		r.Audience = DefaultAudience
	}
	if r.MaxLength <= 0 {
		r.MaxLength = DefaultMaxLength
	}
}

func (r ContentRequest) Validate() error {
	if r.Prompt == "" {
		return Validationf("prompt is required")
	}
	return nil
}

type GeneratedContent struct {
	Subject     string `json:"subject"`
	Content     string `json:"content"`
	AIGenerated bool   `json:"ai_generated"`
}
