// Package variables substitutes {{name}} placeholders in overlay text
// against the per-render content context.
package variables

import (
	"regexp"
	"strings"
)

// ContentContext maps variable names to their values for one render
// request. It is supplied once and must not change during the render.
type ContentContext map[string]string

// FromAny flattens a decoded JSON object into a ContentContext. Array
// values are joined before substitution; everything else is stringified
// only if it is already a string.
func FromAny(raw map[string]any) ContentContext {
	ctx := make(ContentContext, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			ctx[k] = val
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				if s, ok := item.(string); ok && s != "" {
					parts = append(parts, s)
				}
			}
			ctx[k] = strings.Join(parts, ", ")
		}
	}
	return ctx
}

var placeholderRe = regexp.MustCompile(`\{\{(\w+)\}\}`)

// aliases maps a placeholder identifier to the content keys tried, in
// order, when the identifier itself has no value. Keeping the table static
// makes resolution deterministic.
var aliases = map[string][]string{
	"body":         {"body", "content", "script"},
	"content":      {"content", "body", "script"},
	"script":       {"script", "body", "content"},
	"cta":          {"callToAction", "cta", "caption"},
	"callToAction": {"callToAction", "cta", "caption"},
	"caption":      {"caption", "cta", "callToAction"},
	"hook":         {"hook", "title", "question"},
	"title":        {"title", "hook", "question"},
	"question":     {"question", "hook", "title"},
	"answer":       {"answer", "response", "body"},
	"items":        {"items", "list", "points"},
}

// Resolve replaces every {{identifier}} in text. Resolution order per
// identifier: exact key, alias table, case-insensitive key scan. A value
// that cannot be found renders as [identifier] so the miss is visible in
// the output instead of a raw placeholder or silent deletion.
func Resolve(text string, content ContentContext) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(match string) string {
		name := match[2 : len(match)-2]
		if v, ok := lookup(name, content); ok {
			return v
		}
		return "[" + name + "]"
	})
}

// Unresolved reports the identifiers in text that have no value, in order
// of first appearance. Callers may log these; Resolve itself stays pure.
func Unresolved(text string, content ContentContext) []string {
	var missing []string
	seen := map[string]bool{}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		name := m[1]
		if seen[name] {
			continue
		}
		seen[name] = true
		if _, ok := lookup(name, content); !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

func lookup(name string, content ContentContext) (string, bool) {
	if v := content[name]; v != "" {
		return v, true
	}
	for _, alias := range aliases[name] {
		if v := content[alias]; v != "" {
			return v, true
		}
	}
	lower := strings.ToLower(name)
	for k, v := range content {
		if v != "" && strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}
