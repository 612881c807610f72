package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// LevelTrace sits below [slog.LevelDebug] and carries full wire payloads
// (MQTT envelopes, LLM request and response JSON). The value -8 keeps the
// same spacing as the built-in levels, so handler filtering works
// unchanged. Reserve it for chasing protocol bugs; at trace the log
// volume dwarfs the traffic it describes.
const LevelTrace = slog.Level(-8)

// levelNames maps accepted logging.level strings to slog levels. The
// empty string means the operator left the field unset and gets info.
var levelNames = map[string]slog.Level{
	"":        slog.LevelInfo,
	"trace":   LevelTrace,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// ParseLogLevel resolves a logging.level string from config or the
// environment. Matching ignores case and surrounding whitespace. On an
// unrecognized value it returns info alongside the error so callers can
// log the problem and keep going.
func ParseLogLevel(s string) (slog.Level, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: trace, debug, info, warn, error)", s)
	}
	return lvl, nil
}

// ReplaceLogLevelNames is a [slog.HandlerOptions.ReplaceAttr] hook that
// prints [LevelTrace] as TRACE. slog only names its four built-in levels
// and would otherwise label trace records DEBUG-4.
func ReplaceLogLevelNames(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}
