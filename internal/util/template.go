package util

import "strings"

// RenderTemplate replaces every token with value.
func RenderTemplate(body string, tokens []string, value string) string {
	out := body
	for _, t := range tokens {
		if t == "" {
			continue
		}
		out = strings.ReplaceAll(out, t, value)
	}
	return out
}
