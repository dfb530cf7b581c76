package tools

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// fieldKind classifies what a preflight rule checks.
type fieldKind int

const (
	fieldNonEmpty fieldKind = iota
	fieldEmail
	fieldDateTime
)

type fieldRule struct {
	field string
	kind  fieldKind
}

// preflightRules lists the required fields per external-action tool.
// A tool with no entry has no preflight.
var preflightRules = map[string][]fieldRule{
	"send_email":       {{"to", fieldEmail}, {"subject", fieldNonEmpty}, {"body", fieldNonEmpty}},
	"notify_user":      {{"message", fieldNonEmpty}},
	"scheduler_create": {{"title", fieldNonEmpty}, {"datetime", fieldDateTime}},
	"scheduler_update": {{"id", fieldNonEmpty}},
	"scheduler_delete": {{"id", fieldNonEmpty}},
	"reminder_create":  {{"message", fieldNonEmpty}, {"datetime", fieldDateTime}},
	"taskforge_create": {{"title", fieldNonEmpty}},
	"taskforge_update": {{"id", fieldNonEmpty}},
	"taskforge_move":   {{"id", fieldNonEmpty}, {"column", fieldNonEmpty}},
	"taskforge_comment": {
		{"id", fieldNonEmpty}, {"comment", fieldNonEmpty},
	},
}

var emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// datetime layouts accepted by preflight, most specific first.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Preflight validates the required fields of an external-action tool call
// before any execution is attempted. A nil error means the call may proceed;
// a non-nil error becomes a failed evidence item without execution.
func Preflight(toolName string, args map[string]any) error {
	rules, ok := preflightRules[toolName]
	if !ok {
		return nil
	}

	var problems []string
	for _, rule := range rules {
		raw, present := args[rule.field]
		s, _ := raw.(string)
		s = strings.TrimSpace(s)

		if !present || s == "" {
			problems = append(problems, fmt.Sprintf("missing required field %q", rule.field))
			continue
		}
		switch rule.kind {
		case fieldEmail:
			if !emailRe.MatchString(s) {
				problems = append(problems, fmt.Sprintf("field %q is not a valid email address: %q", rule.field, s))
			}
		case fieldDateTime:
			if !parseableDate(s) {
				problems = append(problems, fmt.Sprintf("field %q is not a parseable date: %q", rule.field, s))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("preflight %s: %s", toolName, strings.Join(problems, "; "))
	}
	return nil
}

func parseableDate(s string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, s); err == nil {
			return true
		}
	}
	return false
}
