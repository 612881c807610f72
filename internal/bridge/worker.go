// Package bridge implements the MCP tool bridge worker. It connects
// to the MCP servers listed in the manifest, publishes their tools
// plus a builtin set as the retained llm/tools/registry, and serves
// llm/tool.call.request dispatches with correlated
// llm/tool.call.result answers.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mcp"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
)

const (
	// initTimeout bounds one server's initialize handshake and tool
	// discovery.
	initTimeout = 30 * time.Second

	// pingInterval is how often connected servers are probed and dead
	// ones retried.
	pingInterval = 60 * time.Second

	// pingTimeout bounds one liveness probe.
	pingTimeout = 10 * time.Second
)

// Publisher is the slice of the MQTT client the worker publishes
// through.
type Publisher interface {
	PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...mqtt.PublishOption) (string, error)
}

// toolHandler executes one tool call.
type toolHandler func(ctx context.Context, args map[string]any) (string, error)

// registration pairs a published tool spec with its handler.
type registration struct {
	spec events.ToolSpec
	call toolHandler
}

// server tracks one manifest entry's connection state. client is nil
// while the server is down. Only Run and the watch loop touch these
// fields; dispatch goroutines go through the rebuilt handler table.
type server struct {
	cfg    ServerConfig
	client *mcp.Client
	regs   []registration
}

// Worker is the bridge fleet service.
type Worker struct {
	cfg     config.Bridge
	client  *mqtt.Client
	pub     Publisher
	source  string
	logger  *slog.Logger
	servers []*server
	builtin []registration

	mu       sync.RWMutex
	handlers map[string]toolHandler
	tools    []events.ToolSpec

	runCtx context.Context
}

// NewWorker wires the bridge service.
func NewWorker(cfg config.Bridge, client *mqtt.Client, logger *slog.Logger) *Worker {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	return &Worker{
		cfg:      cfg,
		client:   client,
		pub:      client,
		source:   client.Source(),
		logger:   logger,
		handlers: make(map[string]toolHandler),
	}
}

// Run connects the manifest servers, publishes the retained tool
// registry, subscribes the call topic, and serves until ctx is
// cancelled. Servers that fail to connect are logged and retried by
// the watch loop; the worker starts regardless.
func (w *Worker) Run(ctx context.Context) error {
	w.runCtx = ctx

	if w.cfg.BuiltinTools {
		w.builtin = builtinTools(w.cfg.FetchMaxBytes)
	}
	if w.cfg.ServersFile != "" {
		manifest, err := LoadManifest(w.cfg.ServersFile)
		if err != nil {
			return fmt.Errorf("load MCP manifest: %w", err)
		}
		for i := range manifest.Servers {
			w.servers = append(w.servers, &server{cfg: manifest.Servers[i]})
		}
	}

	for _, s := range w.servers {
		if err := w.connect(ctx, s); err != nil {
			w.logger.Error("MCP server connection failed", "server", s.cfg.Name, "error", err)
		}
	}
	defer w.closeAll()

	w.rebuild()
	w.publishRegistry(ctx)

	if err := w.client.Subscribe(ctx, events.TopicToolCallRequest, 1, w.onCallRequest); err != nil {
		return fmt.Errorf("subscribe %s: %w", events.TopicToolCallRequest, err)
	}

	if len(w.servers) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	return w.watch(ctx)
}

// connect dials one server, runs the MCP handshake, and builds its
// registrations under the fleet naming scheme.
func (w *Worker) connect(ctx context.Context, s *server) error {
	var transport mcp.Transport
	switch s.cfg.Transport {
	case "stdio":
		transport = mcp.NewStdioTransport(mcp.StdioConfig{
			Command: s.cfg.Command,
			Args:    s.cfg.Args,
			Env:     s.cfg.Env,
			Logger:  w.logger,
		})
	case "http":
		transport = mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     s.cfg.URL,
			Headers: s.cfg.Headers,
			Logger:  w.logger,
		})
	default:
		return fmt.Errorf("unknown transport %q", s.cfg.Transport)
	}

	client := mcp.NewClient(s.cfg.Name, transport, w.logger)

	initCtx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	if err := client.Initialize(initCtx); err != nil {
		client.Close()
		return err
	}
	defs, err := client.ListTools(initCtx)
	if err != nil {
		client.Close()
		return err
	}

	include := toSet(s.cfg.Include)
	exclude := toSet(s.cfg.Exclude)

	var regs []registration
	for _, td := range defs {
		if len(include) > 0 {
			if !include[td.Name] {
				continue
			}
		} else if exclude[td.Name] {
			continue
		}
		mcpName := td.Name
		regs = append(regs, registration{
			spec: events.ToolSpec{
				Name:        mcp.ToolName(s.cfg.Name, td.Name),
				Description: td.Description,
				Parameters:  marshalSchema(td.InputSchema),
			},
			call: func(ctx context.Context, args map[string]any) (string, error) {
				return client.CallTool(ctx, mcpName, args)
			},
		})
	}

	s.client = client
	s.regs = regs
	w.logger.Info("MCP server connected", "server", s.cfg.Name, "tools", len(regs))
	return nil
}

// rebuild recomputes the dispatch table and the registry snapshot from
// the builtin set and every connected server, in that order. A
// duplicate name keeps its first registration.
func (w *Worker) rebuild() {
	handlers := make(map[string]toolHandler)
	var tools []events.ToolSpec

	add := func(regs []registration) {
		for _, r := range regs {
			if _, dup := handlers[r.spec.Name]; dup {
				w.logger.Warn("duplicate tool name skipped", "tool", r.spec.Name)
				continue
			}
			handlers[r.spec.Name] = r.call
			tools = append(tools, r.spec)
		}
	}
	add(w.builtin)
	for _, s := range w.servers {
		add(s.regs)
	}

	w.mu.Lock()
	w.handlers = handlers
	w.tools = tools
	w.mu.Unlock()
}

// publishRegistry retains the current catalog on llm/tools/registry so
// LLM workers receive it on subscribe, however late they join.
func (w *Worker) publishRegistry(ctx context.Context) {
	w.mu.RLock()
	reg := events.ToolsRegistry{Tools: w.tools, Source: w.source}
	w.mu.RUnlock()

	if _, err := w.pub.PublishEvent(ctx, events.TopicToolsRegistry, events.TypeToolsRegistry,
		reg, mqtt.WithQoS(1), mqtt.WithRetain()); err != nil {
		w.logger.Warn("publish tools registry failed", "error", err)
		return
	}
	w.logger.Info("tools registry published", "tools", len(reg.Tools))
}

// watch probes connected servers and retries dead ones. A server that
// stops answering pings loses its tools until it comes back; every
// transition re-publishes the retained registry.
func (w *Worker) watch(ctx context.Context) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.checkServers(ctx)
		}
	}
}

func (w *Worker) checkServers(ctx context.Context) {
	changed := false
	for _, s := range w.servers {
		if s.client != nil {
			pctx, cancel := context.WithTimeout(ctx, pingTimeout)
			err := s.client.Ping(pctx)
			cancel()
			if err == nil {
				continue
			}
			w.logger.Warn("MCP server unresponsive, dropping its tools",
				"server", s.cfg.Name, "error", err)
			s.client.Close()
			s.client = nil
			s.regs = nil
			changed = true
			continue
		}
		if err := w.connect(ctx, s); err != nil {
			w.logger.Debug("MCP server still unavailable", "server", s.cfg.Name, "error", err)
			continue
		}
		changed = true
	}
	if changed {
		w.rebuild()
		w.publishRegistry(ctx)
	}
}

func (w *Worker) onCallRequest(topic string, payload []byte) {
	env, _ := envelope.DecodeLenient(payload, events.TypeToolCallRequest, "unknown")
	if env == nil {
		w.logger.Warn("unparseable tool call dropped", "topic", topic)
		return
	}
	var req events.ToolCallRequest
	if err := env.DecodeData(&req); err != nil {
		w.logger.Warn("malformed tool call dropped", "error", err)
		return
	}
	if req.CallID == "" {
		w.logger.Warn("tool call without call_id dropped", "tool", req.ToolName)
		return
	}

	// Dispatch off the subscription goroutine; a slow tool must not
	// stall the next call.
	go w.dispatch(w.runCtx, env, req)
}

// dispatch runs one tool call under the configured timeout and
// publishes the correlated result.
func (w *Worker) dispatch(ctx context.Context, env *envelope.Envelope, req events.ToolCallRequest) {
	w.mu.RLock()
	call, ok := w.handlers[req.ToolName]
	w.mu.RUnlock()

	res := events.ToolCallResult{CallID: req.CallID}
	if !ok {
		res.Error = fmt.Sprintf("unknown tool: %s", req.ToolName)
		w.logger.Warn("unknown tool requested", "tool", req.ToolName, "call", req.CallID)
	} else if args, err := decodeArgs(req.Arguments); err != nil {
		res.Error = fmt.Sprintf("invalid arguments: %v", err)
		w.logger.Warn("tool call with invalid arguments", "tool", req.ToolName, "call", req.CallID, "error", err)
	} else {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
		start := time.Now()
		content, err := call(callCtx, args)
		cancel()
		if err != nil {
			res.Error = err.Error()
			w.logger.Warn("tool call failed", "tool", req.ToolName, "call", req.CallID, "error", err)
		} else {
			res.Content = content
			w.logger.Debug("tool call served", "tool", req.ToolName, "call", req.CallID, "took", time.Since(start))
		}
	}

	opts := []mqtt.PublishOption{mqtt.WithQoS(1)}
	if env.ID != "" {
		opts = append(opts, mqtt.WithCorrelate(env.ID))
	}
	if _, err := w.pub.PublishEvent(ctx, events.TopicToolCallResult, events.TypeToolCallResult, res, opts...); err != nil {
		w.logger.Warn("publish tool result failed", "call", req.CallID, "error", err)
	}
}

func (w *Worker) closeAll() {
	for _, s := range w.servers {
		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
	}
}

// decodeArgs unmarshals the request's JSON arguments object. Empty or
// null arguments become a nil map.
func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// marshalSchema renders a JSON Schema map for the registry. Nothing to
// describe, or a schema that will not marshal, becomes null, which
// consumers read as "no parameters".
func marshalSchema(schema map[string]any) json.RawMessage {
	if len(schema) == 0 {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return data
}

// toSet converts a list to a set for O(1) membership checks.
func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}
