package services

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
)

// Matches {{key}} and {{key|fallback}}.
var placeholderRegex = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*(?:\|\s*([^}]*?)\s*)?\}\}`)

// RenderTemplate performs moustache-style replacement of placeholders.
// Unknown keys keep the fallback if one is given and are left untouched
// otherwise.
func RenderTemplate(template string, variables map[string]interface{}) string {
	if template == "" {
		return template
	}

	return placeholderRegex.ReplaceAllStringFunc(template, func(match string) string {
		submatch := placeholderRegex.FindStringSubmatch(match)
		if len(submatch) != 3 {
			return match
		}
		if value, ok := variables[submatch[1]]; ok {
			return fmt.Sprint(value)
		}
		if strings.Contains(match, "|") {
			return submatch[2]
		}
		return match
	})
}

// RenderAlert renders the template subject as the alert title and its body as
// the alert text.
func RenderAlert(tpl *models.Template, variables map[string]interface{}) models.RenderedTemplate {
	return models.RenderedTemplate{
		Title: strings.TrimSpace(RenderTemplate(tpl.Subject, variables)),
		Body:  strings.TrimSpace(RenderTemplate(tpl.Body, variables)),
	}
}
