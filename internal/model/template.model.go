package model

import (
	"regexp"
	"strings"
	"time"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

type Template struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	Variables []string  `json:"variables"`
	CreatedAt time.Time `json:"created_at"`
}

type TemplateCreateRequest struct {
	Name      string   `json:"name"`
	Subject   string   `json:"subject"`
	Content   string   `json:"content"`
	Variables []string `json:"variables"`
}

func (r *TemplateCreateRequest) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.Subject = strings.TrimSpace(r.Subject)
	if len(r.Variables) == 0 {
		r.Variables = Placeholders(r.Subject + "\n" + r.Content)
	}
}

func (r TemplateCreateRequest) Validate() error {
	if r.Name == "" {
		return Validationf("name is required")
	}
	if r.Subject == "" {
		return Validationf("subject is required")
	}
	if strings.TrimSpace(r.Content) == "" {
		return Validationf("content is required")
	}
	return nil
}

// Placeholders lists the distinct {{name}} tokens of text in order of first use.
func Placeholders(text string) []string {
	seen := make(map[string]struct{})
	vars := []string{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		vars = append(vars, m[1])
	}
	return vars
}

// ExpandPlaceholders replaces every {{key}} of text that lookup knows.
// Unknown placeholders are kept verbatim.
func ExpandPlaceholders(text string, lookup func(key string) (string, bool)) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(token string) string {
		m := placeholderPattern.FindStringSubmatch(token)
		if v, ok := lookup(m[1]); ok {
			return v
		}
		return token
	})
}
