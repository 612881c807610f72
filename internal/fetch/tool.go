package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ToolHandler adapts f to the bridge's builtin handler signature. The
// result goes back as JSON so the model sees title, content, and
// truncation in one structured blob.
func ToolHandler(f *Fetcher) func(ctx context.Context, args map[string]any) (string, error) {
	return func(ctx context.Context, args map[string]any) (string, error) {
		url, limit, err := parseArgs(args)
		if err != nil {
			return "", err
		}

		result, err := f.Fetch(ctx, url, limit)
		if err != nil {
			return "", err
		}

		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Sprintf("Title: %s\n\n%s", result.Title, result.Content), nil
		}
		return string(out), nil
	}
}

// parseArgs pulls url and max_chars out of the loosely typed tool args.
// JSON numbers arrive as float64.
func parseArgs(args map[string]any) (url string, limit int, err error) {
	url, _ = args["url"].(string)
	if url == "" {
		return "", 0, errors.New("fetch: url is required")
	}
	if n, ok := args["max_chars"].(float64); ok && n > 0 {
		limit = int(n)
	}
	return url, limit, nil
}

// ToolSchema describes the fetch tool's parameters as JSON Schema.
func ToolSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"url"},
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Page to download. Scheme defaults to https when omitted.",
			},
			"max_chars": map[string]any{
				"type":        "integer",
				"description": "Cap on returned characters (default 50000).",
			},
		},
	}
}
