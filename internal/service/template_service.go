// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/smsblast/internal/model"
)

var templateToken = regexp.MustCompile(`\{\{(\w+)\}\}`)

// RenderTemplate replaces {{key}} tokens with data[key] in one pass, so
// substituted values are never expanded again. Unknown tokens are kept.
func RenderTemplate(template string, data map[string]string) string {
	return templateToken.ReplaceAllStringFunc(template, func(tok string) string {
		if v, ok := data[tok[2:len(tok)-2]]; ok {
			return v
		}
		return tok
	})
}

// ContactTemplateData is the token set available to campaign messages.
// Missing fields render as empty strings.
func ContactTemplateData(c *model.Contact) map[string]string {
	return map[string]string{
		"firstName": deref(c.FirstName),
		"lastName":  deref(c.LastName),
		"email":     deref(c.Email),
	}
}

const optOutNotice = "Reply STOP to unsubscribe."

var optOutNoticePattern = regexp.MustCompile(`(?i)stop to unsubscribe`)

// AppendOptOutNotice adds the opt-out line unless the body already has one.
func AppendOptOutNotice(body string) string {
	if optOutNoticePattern.MatchString(body) {
		return body
	}
	return strings.TrimSpace(body) + "\n\n" + optOutNotice
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
