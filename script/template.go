package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var exprPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Template is text with embedded ${expression} placeholders.
type Template struct {
	raw      string
	segments []segment
}

type segment struct {
	text   string
	script Script
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(ctx context.Context, compiler Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > strings.Count(raw, "}") {
		return nil, fmt.Errorf("unclosed template expression in %q", raw)
	}
	t := &Template{raw: raw}
	last := 0
	for _, m := range exprPattern.FindAllStringSubmatchIndex(raw, -1) {
		if m[0] > last {
			t.segments = append(t.segments, segment{text: raw[last:m[0]]})
		}
		expr := raw[m[2]:m[3]]
		compiled, err := compiler.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: compiled})
		last = m[1]
	}
	if last < len(raw) {
		t.segments = append(t.segments, segment{text: raw[last:]})
	}
	return t, nil
}

// Render evaluates the expressions and joins the result.
func (t *Template) Render(ctx context.Context, globals map[string]any) (string, error) {
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			sb.WriteString(seg.text)
			continue
		}
		value, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to render template %q: %w", t.raw, err)
		}
		sb.WriteString(value.String())
	}
	return sb.String(), nil
}

// Raw returns the source text.
func (t *Template) Raw() string { return t.raw }
