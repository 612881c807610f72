package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/fetch"
	"github.com/ZinkoSoft/tars-go/internal/mcp"
)

// builtinServer is the reserved server name for in-process tools.
const builtinServer = "builtin"

// builtinTools returns the in-process tool set. These register under
// the builtin server name and need no MCP server behind them.
func builtinTools(fetchMaxBytes int) []registration {
	fetcher := fetch.New(int64(fetchMaxBytes))
	return []registration{
		{
			spec: events.ToolSpec{
				Name:        mcp.ToolName(builtinServer, "fetch"),
				Description: "Fetch a web page and return its readable text content.",
				Parameters:  marshalSchema(fetch.ToolSchema()),
			},
			call: fetch.ToolHandler(fetcher),
		},
		{
			spec: events.ToolSpec{
				Name:        mcp.ToolName(builtinServer, "time"),
				Description: "Current date and time, optionally for a named timezone.",
				Parameters:  marshalSchema(timeSchema()),
			},
			call: timeTool,
		},
	}
}

func timeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"timezone": map[string]any{
				"type":        "string",
				"description": "IANA timezone name, e.g. America/Chicago. Default: the worker's local time.",
			},
		},
	}
}

// timeTool answers with the current wall-clock time, formatted so the
// reply reads well when spoken.
func timeTool(_ context.Context, args map[string]any) (string, error) {
	loc := time.Local
	if tz, _ := args["timezone"].(string); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return "", fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}
	return time.Now().In(loc).Format("Monday, January 2, 2006 at 3:04 PM MST"), nil
}
