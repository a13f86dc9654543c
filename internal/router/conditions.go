package router

import (
	"fmt"
	"strings"
)

// evaluateCondition evaluates a route condition expression against the
// event payload. Supported forms: "field == 'value'" and "field != 'value'"
// with dotted field paths. Unparseable conditions are permissive.
func evaluateCondition(condition string, payload map[string]any) bool {
	if parts := splitCondition(condition, "=="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return fmt.Sprint(navigatePath(payload, field)) == expected
	}
	if parts := splitCondition(condition, "!="); len(parts) == 2 {
		field := strings.TrimSpace(parts[0])
		expected := trimQuotes(strings.TrimSpace(parts[1]))
		return fmt.Sprint(navigatePath(payload, field)) != expected
	}
	return true
}

// splitCondition splits a condition string by an operator, but only if the
// operator isn't part of a longer operator (e.g., != vs ==).
func splitCondition(s, op string) []string {
	idx := -1
	for i := 0; i <= len(s)-len(op); i++ {
		if s[i:i+len(op)] == op {
			if op == "==" && i > 0 && s[i-1] == '!' {
				continue
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	return []string{s[:idx], s[idx+len(op):]}
}

func trimQuotes(s string) string {
	if len(s) >= 2 && ((s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"')) {
		return s[1 : len(s)-1]
	}
	return s
}

// navigatePath navigates a dot-separated path through nested maps.
func navigatePath(data map[string]any, path string) any {
	parts := strings.Split(path, ".")
	var current any = data
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}
