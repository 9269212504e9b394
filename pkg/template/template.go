// Package template renders action payload and notification templates
// against record snapshots.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Context is the data visible to action templates. Field values are reached
// by dotted paths, e.g. {{.record.contact.email}}.
type Context struct {
	Record   map[string]any `json:"record"`
	Old      map[string]any `json:"old,omitempty"`
	Rule     map[string]any `json:"rule,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RenderWithContext renders input against the execution context.
func RenderWithContext(input string, tctx *Context) (any, error) {
	data := map[string]any{
		"record":   tctx.Record,
		"old":      tctx.Old,
		"rule":     tctx.Rule,
		"metadata": tctx.Metadata,
	}

	return Render(input, data)
}

// RenderString renders input and flattens the result to a string.
func RenderString(input string, tctx *Context) (string, error) {
	result, err := RenderWithContext(input, tctx)
	if err != nil {
		return "", err
	}

	if str, ok := result.(string); ok {
		return str, nil
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result), nil
	}

	return string(encoded), nil
}

// Parse validates a template without executing it.
func Parse(templateStr string) (*template.Template, error) {
	return newTemplate().Parse(templateStr)
}

// Render executes templateStr against data. JSON-looking output is decoded
// so webhook payload templates can produce structured bodies; numeric and
// boolean scalars are coerced the same way.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := newTemplate().Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())

	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return nil, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func newTemplate() *template.Template {
	return template.
		New("render").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}

				num := make([]byte, 1)

				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
		})
}
