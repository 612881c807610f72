// Package httpkit builds the HTTP clients used for every outbound call in
// the fleet: Ollama completions and embeddings, OpenAI, and the bridge's
// fetch tool. It applies consistent dial and header timeouts, a pooled
// transport, a fleet User-Agent, and optional retry for the connection
// errors that show up when a peer service on the LAN is restarting.
package httpkit

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/buildinfo"
)

const (
	clientTimeout = 30 * time.Second // whole-request deadline unless WithTimeout overrides it
	dialTimeout   = 10 * time.Second
	keepAlive     = 30 * time.Second
	tlsTimeout    = 10 * time.Second
	headerTimeout = 15 * time.Second // response headers after the request is fully written
	idleTimeout   = 90 * time.Second
	poolSize      = 20 // idle connections across all hosts
	poolPerHost   = 5
)

// Option adjusts how NewClient assembles a client.
type Option func(*options)

type options struct {
	timeout   time.Duration
	agent     string
	base      *http.Transport
	retries   int
	retryWait time.Duration
	log       *slog.Logger
}

// WithTimeout sets the whole-request deadline. Zero removes it, which
// streaming completion reads rely on.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithUserAgent replaces the fleet User-Agent on outbound requests.
func WithUserAgent(ua string) Option {
	return func(o *options) { o.agent = ua }
}

// WithTransport swaps in a caller-owned transport. The shared one handles
// pooling, so this is mostly for tests.
func WithTransport(t *http.Transport) Option {
	return func(o *options) { o.base = t }
}

// WithRetry replays requests that die before any byte reaches the server:
// no route to host, network unreachable, connection refused. That is what
// a peer service mid-restart looks like from here, so a short delay and a
// second attempt usually land. Requests carrying a body are replayed only
// when GetBody can rewind them.
func WithRetry(count int, delay time.Duration) Option {
	return func(o *options) {
		o.retries = count
		o.retryWait = delay
	}
}

// WithLogger routes retry diagnostics to l.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// NewTransport builds the pooled transport behind every client. Explicit
// dial and header deadlines keep a dead LAN peer from pinning a goroutine
// for minutes.
func NewTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: keepAlive,
	}
	return &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		TLSHandshakeTimeout:   tlsTimeout,
		ResponseHeaderTimeout: headerTimeout,
		IdleConnTimeout:       idleTimeout,
		MaxIdleConns:          poolSize,
		MaxIdleConnsPerHost:   poolPerHost,
	}
}

// NewClient assembles an *http.Client on the shared transport. Every
// request leaves stamped with the fleet User-Agent.
func NewClient(opts ...Option) *http.Client {
	o := options{
		timeout: clientTimeout,
		agent:   buildinfo.UserAgent(),
	}
	for _, apply := range opts {
		apply(&o)
	}

	base := o.base
	if base == nil {
		base = NewTransport()
	}

	var rt http.RoundTripper = &identityTransport{next: base, agent: o.agent}
	if o.retries > 0 {
		rt = &retrier{next: rt, max: o.retries, wait: o.retryWait, log: o.log}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   o.timeout,
	}
}

// identityTransport stamps the fleet User-Agent on requests that do not
// already carry one.
type identityTransport struct {
	next  http.RoundTripper
	agent string
}

func (t *identityTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	stamped := req.Clone(req.Context())
	stamped.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(stamped)
}

// DrainAndClose consumes up to limit bytes of rc and closes it. A response
// body left unread strands its connection outside the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody captures up to limit bytes of rc for an error message and
// releases the rest of the body. A nil body yields "".
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	defer DrainAndClose(rc, 1024)

	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return fmt.Sprintf("(unreadable body: %v)", err)
	}
	return strings.TrimSpace(string(body))
}
