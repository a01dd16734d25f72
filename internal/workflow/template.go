// Package workflow loads ComfyUI workflow templates and fills their
// placeholders with user inputs.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Placeholder tokens recognized inside a workflow template. A scalar string
// equal to a token is replaced with the typed value; a string containing a
// token has it interpolated textually.
const (
	PlaceholderPositivePrompt = "{{positive_prompt}}"
	PlaceholderNegativePrompt = "{{negative_prompt}}"
	PlaceholderSeed           = "{{seed}}"
	PlaceholderWidth          = "{{width}}"
	PlaceholderHeight         = "{{height}}"
)

// TemplateError is raised when a template contains no placeholders at all.
// Sending an unmodified template to ComfyUI would silently generate from
// stale inputs, so this is treated as a hard failure.
type TemplateError struct {
	Reason string
}

func (e *TemplateError) Error() string {
	return "workflow template error: " + e.Reason
}

// Params are the user inputs applied to a template.
type Params struct {
	PositivePrompt string
	NegativePrompt string
	Seed           int64
	Width          int
	Height         int
}

// Load reads a workflow JSON file from disk.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow file: %w", err)
	}
	var tpl map[string]any
	if err := json.Unmarshal(data, &tpl); err != nil {
		return nil, fmt.Errorf("parse workflow file %s: %w", path, err)
	}
	return tpl, nil
}

// Render substitutes every placeholder occurrence in the template and returns
// a new structure; the input is never mutated. It fails when no placeholder
// was found anywhere.
func Render(template map[string]any, p Params) (map[string]any, error) {
	replacements := map[string]any{
		PlaceholderPositivePrompt: p.PositivePrompt,
		PlaceholderNegativePrompt: p.NegativePrompt,
		PlaceholderSeed:           p.Seed,
		PlaceholderWidth:          p.Width,
		PlaceholderHeight:         p.Height,
	}

	rendered, replaced := substitute(template, replacements)
	if !replaced {
		return nil, &TemplateError{
			Reason: "template did not contain any placeholders to replace; " +
				"ensure it includes values like {{positive_prompt}} or {{seed}}",
		}
	}
	return rendered.(map[string]any), nil
}

// substitute walks the node and rebuilds it with placeholders applied.
// Rebuilding rather than patching is what guarantees the caller's template
// stays untouched.
func substitute(node any, replacements map[string]any) (any, bool) {
	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		replaced := false
		for key, value := range v {
			newValue, changed := substitute(value, replacements)
			out[key] = newValue
			replaced = replaced || changed
		}
		return out, replaced
	case []any:
		out := make([]any, len(v))
		replaced := false
		for i, value := range v {
			newValue, changed := substitute(value, replacements)
			out[i] = newValue
			replaced = replaced || changed
		}
		return out, replaced
	case string:
		if actual, ok := replacements[v]; ok {
			return actual, true
		}
		updated := v
		for placeholder, actual := range replacements {
			updated = strings.ReplaceAll(updated, placeholder, fmt.Sprint(actual))
		}
		return updated, updated != v
	default:
		return node, false
	}
}
