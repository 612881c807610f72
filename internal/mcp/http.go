package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ZinkoSoft/tars-go/internal/httpkit"
)

// sessionHeader carries the server-assigned session id on streamable
// HTTP connections.
const sessionHeader = "Mcp-Session-Id"

// maxResultBytes caps how much response body Send will decode.
const maxResultBytes = 10 << 20

// HTTPConfig configures a transport for a remote MCP server reached
// over HTTP POST.
type HTTPConfig struct {
	// URL is the JSON-RPC endpoint.
	URL string

	// Headers are added to every request, typically Authorization.
	Headers map[string]string

	// Logger receives transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport maps each JSON-RPC message to one POST. When the server
// assigns a session id it rides along on every later request so the
// server can keep per-session state.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session string
}

// NewHTTPTransport builds the transport on the shared httpkit client
// defaults.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpkit.NewClient(httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

// post sends msg as one JSON body and returns the raw HTTP response,
// recording any session id the server handed back. The caller owns the
// response body.
func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.session != "" {
		req.Header.Set(sessionHeader, t.session)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}

	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send posts the request and decodes the JSON-RPC response from the
// body.
func (t *HTTPTransport) Send(ctx context.Context, req *request) (*response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server status %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResultBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Notify posts the notification; 200 and 202 both count as delivered.
func (t *HTTPTransport) Notify(ctx context.Context, n *notification) error {
	httpResp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("notification status %d: %s",
			httpResp.StatusCode, httpkit.ReadErrorBody(httpResp.Body, 1<<20))
	}
	return nil
}

// Close has nothing to release; the HTTP client pool is shared.
func (t *HTTPTransport) Close() error { return nil }
