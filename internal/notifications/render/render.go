// Package render substitutes {{name}} placeholders in notification subjects
// and bodies.
//
// Rules:
//   - {{name}} is replaced by the string form of vars[name]; a missing or nil
//     value renders as "".
//   - {{a.b.c}} walks nested maps. When the path cannot be resolved the
//     placeholder is left in the output unchanged.
//   - Names are compared literally; they are never compiled into patterns.
//   - An opening "{{" without a closing "}}" is an error.
package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"notifyhub/internal/types"
)

const (
	openDelim  = "{{"
	closeDelim = "}}"
)

// Result is a rendered subject/body pair.
type Result struct {
	Subject string
	Message string
}

// Render fills both templates from vars.
func Render(subject, body string, vars map[string]any) (Result, error) {
	s, err := Expand(subject, vars)
	if err != nil {
		return Result{}, types.NewAppError(types.ErrCodeTemplateRender, "failed to render subject", err)
	}
	m, err := Expand(body, vars)
	if err != nil {
		return Result{}, types.NewAppError(types.ErrCodeTemplateRender, "failed to render body", err)
	}
	return Result{Subject: s, Message: m}, nil
}

// Expand renders a single template string.
func Expand(tmpl string, vars map[string]any) (string, error) {
	if !strings.Contains(tmpl, openDelim) {
		return tmpl, nil
	}

	var b strings.Builder
	b.Grow(len(tmpl))
	rest := tmpl
	for {
		start := strings.Index(rest, openDelim)
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])

		inner := rest[start+len(openDelim):]
		end := strings.Index(inner, closeDelim)
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder at offset %d", len(tmpl)-len(rest)+start)
		}
		placeholder := rest[start : start+len(openDelim)+end+len(closeDelim)]
		name := strings.TrimSpace(inner[:end])
		rest = inner[end+len(closeDelim):]

		if name == "" {
			b.WriteString(placeholder)
			continue
		}
		value, ok := lookup(vars, name)
		if !ok && strings.Contains(name, ".") {
			b.WriteString(placeholder)
			continue
		}
		b.WriteString(Stringify(value))
	}
}

// lookup resolves name against vars. A literal key wins over a dotted path.
func lookup(vars map[string]any, name string) (any, bool) {
	if v, ok := vars[name]; ok {
		return v, true
	}
	if !strings.Contains(name, ".") {
		return nil, false
	}

	var cur any = vars
	for _, part := range strings.Split(name, ".") {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[string]string:
		out := make(map[string]any, len(m))
		for k, s := range m {
			out[k] = s
		}
		return out, true
	}
	return nil, false
}

// Stringify returns the display form of a template value.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case fmt.Stringer:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
