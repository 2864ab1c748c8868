package util

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

var (
	promptFuncs = template.FuncMap{
		"join": joinValues,
		"or_else": func(fallback, v any) any {
			if v == nil || v == "" {
				return fallback
			}
			return v
		},
		"truncate": func(n int, s string) string { return Truncate(s, n) },
	}

	// parsed prompts keyed by their source text
	parsed sync.Map
)

// RenderTemplate executes text as a text/template against data. Values are
// inserted verbatim. Parsed templates are cached, so callers should pass
// constant prompt text rather than text built per request.
func RenderTemplate(text string, data any) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	tmpl, err := lookupTemplate(text)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return sb.String(), nil
}

func lookupTemplate(text string) (*template.Template, error) {
	if t, ok := parsed.Load(text); ok {
		return t.(*template.Template), nil
	}
	t, err := template.New("prompt").Funcs(promptFuncs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt: %w", err)
	}
	actual, _ := parsed.LoadOrStore(text, t)
	return actual.(*template.Template), nil
}

func joinValues(sep string, items any) string {
	switch v := items.(type) {
	case []string:
		return strings.Join(v, sep)
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, sep)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(items)
	}
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	switch {
	case n <= 0:
		return ""
	case utf8.RuneCountInString(s) <= n:
		return s
	}
	return string([]rune(s)[:n])
}
