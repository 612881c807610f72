package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
)

const (
	// connectTimeout bounds the wait for the first broker connection in
	// Connect; autopaho keeps retrying in the background up to this point.
	connectTimeout = 30 * time.Second
	// onConnectTimeout bounds the re-subscribe and health publish sequence
	// that runs on every (re-)connect.
	onConnectTimeout = 10 * time.Second
	// shutdownGrace bounds the final health publish during Shutdown.
	shutdownGrace = 100 * time.Millisecond
)

// Client is the envelope-aware broker connection every worker shares. It
// hides reconnection, subscription recovery, deduplication, and the
// operational heartbeat behind a small API: Connect, Subscribe, the
// Publish* family, and Shutdown.
type Client struct {
	cfg    config.MQTT
	logger *slog.Logger

	broker *url.URL
	dedup  *dedup

	mu         sync.RWMutex
	cm         *autopaho.ConnectionManager
	cancelConn context.CancelFunc
	connected  bool
	closed     bool
	subs       []*subscription

	// runCtx owns every background goroutine (dispatch workers and the
	// heartbeat loop); Shutdown cancels it.
	runCtx    context.Context
	runCancel context.CancelFunc
	tasks     sync.WaitGroup
}

// NewClient creates a client from validated config. Call Connect to open
// the session; subscriptions may be registered before or after connecting.
func NewClient(cfg config.MQTT, logger *slog.Logger) *Client {
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Client{
		cfg:       cfg,
		logger:    logger,
		dedup:     newDedup(cfg.DedupMax, cfg.DedupTTL),
		runCtx:    runCtx,
		runCancel: runCancel,
	}
}

// Source returns the component name stamped on published envelopes.
func (c *Client) Source() string { return c.cfg.Source }

// IsConnected reports whether the broker session is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect opens the broker session and blocks until the first connection is
// established or the timeout expires. Startup failures surface to the
// caller; later disconnects are handled by automatic reconnection with
// exponential backoff between ReconnectMin and ReconnectMax.
func (c *Client) Connect(ctx context.Context) error {
	u, err := normalizeBrokerURL(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("mqtt broker url: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mqtt client is shut down")
	}
	if c.cm != nil {
		c.mu.Unlock()
		return errors.New("mqtt client already connected")
	}
	c.broker = u
	c.mu.Unlock()

	if err := c.startSession(); err != nil {
		return err
	}

	if c.cfg.EnableHeartbeat {
		c.tasks.Add(1)
		go c.heartbeatLoop(c.runCtx)
	}

	connCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	c.mu.RLock()
	cm := c.cm
	c.mu.RUnlock()
	if err := cm.AwaitConnection(connCtx); err != nil {
		sdCtx, sdCancel := context.WithTimeout(context.Background(), time.Second)
		defer sdCancel()
		_ = c.Shutdown(sdCtx)
		return fmt.Errorf("mqtt connect %s: %w", c.broker.Redacted(), err)
	}
	return nil
}

// startSession builds a new autopaho connection manager. Called once from
// Connect and again from the heartbeat watchdog when a session is rebuilt.
func (c *Client) startSession() error {
	pcfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{c.broker},
		KeepAlive:                     c.cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ConnectTimeout:                10 * time.Second,
		ReconnectBackoff: autopaho.NewExponentialBackoff(
			c.cfg.ReconnectMin,
			c.cfg.ReconnectMax,
			c.cfg.ReconnectMin,
			2.0,
		),
		OnConnectionUp: c.onConnectionUp,
		OnConnectionDown: func() bool {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.logger.Warn("mqtt connection lost, reconnecting")
			return true
		},
		OnConnectError: func(err error) {
			var connackErr *autopaho.ConnackError
			if errors.As(err, &connackErr) {
				c.logger.Warn("mqtt connect rejected", "reason_code", connackErr.ReasonCode)
				return
			}
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
			OnClientError: func(err error) {
				c.logger.Warn("mqtt client error", "error", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				c.logger.Warn("mqtt server disconnect", "reason_code", d.ReasonCode)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					c.route(pr.Packet)
					return true, nil
				},
			},
		},
	}

	if c.broker.Scheme == "mqtts" || c.broker.Scheme == "wss" {
		pcfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if user := c.broker.User; user != nil {
		pcfg.ConnectUsername = user.Username()
		if pw, ok := user.Password(); ok {
			pcfg.ConnectPassword = []byte(pw)
		}
	}
	if c.cfg.EnableHealth {
		pcfg.WillMessage = &paho.WillMessage{
			Topic:   events.HealthTopic(c.cfg.ClientID),
			Payload: c.healthPayload(false, "connection_lost", ""),
			QoS:     1,
			Retain:  true,
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	cm, err := autopaho.NewConnection(connCtx, pcfg)
	if err != nil {
		cancel()
		return fmt.Errorf("mqtt session: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return errors.New("mqtt client is shut down")
	}
	c.cm = cm
	c.cancelConn = cancel
	c.mu.Unlock()
	return nil
}

// onConnectionUp restores session state after every (re-)connect. Sessions
// are clean-start, so every registered filter is re-subscribed, in
// registration order, before the connected flag is raised; the broker sends
// nothing on a clean session until the subscriptions land, so dispatch
// resumes only after recovery completes.
func (c *Client) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	ctx, cancel := context.WithTimeout(context.Background(), onConnectTimeout)
	defer cancel()

	c.mu.RLock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	for _, s := range subs {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: s.filter, QoS: s.qos}},
		}); err != nil {
			c.logger.Warn("mqtt re-subscribe failed", "filter", s.filter, "error", err)
		}
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	c.logger.Info("mqtt connected", "broker", c.broker.Redacted(), "subscriptions", len(subs))

	if c.cfg.EnableHealth {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   events.HealthTopic(c.cfg.ClientID),
			Payload: c.healthPayload(true, "ready", ""),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Warn("mqtt health publish failed", "error", err)
		}
	}
}

// Subscribe registers a handler for a topic filter (MQTT wildcards allowed)
// and, when already connected, subscribes immediately. One handler per
// exact filter; a second registration for the same filter is an error.
// Handler invocations for one filter are serialized; filters dispatch
// concurrently with each other.
func (c *Client) Subscribe(ctx context.Context, filter string, qos byte, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("mqtt subscribe %s: nil handler", filter)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("mqtt client is shut down")
	}
	for _, s := range c.subs {
		if s.filter == filter {
			c.mu.Unlock()
			return fmt.Errorf("mqtt subscribe: handler already registered for %s", filter)
		}
	}
	s := newSubscription(filter, qos, handler)
	c.subs = append(c.subs, s)
	cm, connected := c.cm, c.connected
	c.mu.Unlock()

	c.tasks.Add(1)
	go c.runSubscription(c.runCtx, s)

	if connected && cm != nil {
		if _, err := cm.Subscribe(ctx, &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: qos}},
		}); err != nil {
			return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
		}
	}
	return nil
}

// PublishEvent wraps data in a fresh envelope and publishes it, returning
// the envelope id. Defaults to QoS 1, not retained.
func (c *Client) PublishEvent(ctx context.Context, topic, eventType string, data any, opts ...PublishOption) (string, error) {
	env, err := envelope.New(eventType, c.cfg.Source, data, "")
	if err != nil {
		return "", err
	}
	if err := c.PublishEnvelope(ctx, topic, env, opts...); err != nil {
		return "", err
	}
	return env.ID, nil
}

// PublishEnvelope publishes a caller-built envelope. Callers that wait on a
// correlated response build the envelope first, register its id, then
// publish, so the response cannot race the registration.
func (c *Client) PublishEnvelope(ctx context.Context, topic string, env *envelope.Envelope, opts ...PublishOption) error {
	o := applyPublishOptions(opts)
	if o.correlate != "" {
		env.Correlate = o.correlate
	}
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return c.publish(ctx, topic, payload, o)
}

// PublishRaw publishes payload bytes without an envelope, for device-facing
// wire contracts like movement frames.
func (c *Client) PublishRaw(ctx context.Context, topic string, payload []byte, opts ...PublishOption) error {
	return c.publish(ctx, topic, payload, applyPublishOptions(opts))
}

// PublishHealth publishes the retained per-client health message. Unlike
// the automatic ready/shutdown messages this works regardless of the
// EnableHealth flag.
func (c *Client) PublishHealth(ctx context.Context, ok bool, event, errMsg string) error {
	o := publishOptions{qos: 1, retain: true}
	return c.publish(ctx, events.HealthTopic(c.cfg.ClientID), c.healthPayload(ok, event, errMsg), o)
}

// publish fails fast during a reconnect gap; retrying or dropping is the
// caller's decision.
func (c *Client) publish(ctx context.Context, topic string, payload []byte, o publishOptions) error {
	c.mu.RLock()
	cm, connected, closed := c.cm, c.connected, c.closed
	c.mu.RUnlock()
	if closed {
		return errors.New("mqtt client is shut down")
	}
	if cm == nil || !connected {
		return fmt.Errorf("mqtt publish %s: not connected", topic)
	}
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     o.qos,
		Retain:  o.retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Shutdown publishes the final health message, stops background tasks, and
// closes the session. Idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cm := c.cm
	cancelConn := c.cancelConn
	connected := c.connected
	c.mu.Unlock()

	if connected && cm != nil && c.cfg.EnableHealth {
		pubCtx, cancel := context.WithTimeout(ctx, shutdownGrace)
		if _, err := cm.Publish(pubCtx, &paho.Publish{
			Topic:   events.HealthTopic(c.cfg.ClientID),
			Payload: c.healthPayload(false, "shutdown", ""),
			QoS:     1,
			Retain:  true,
		}); err != nil {
			c.logger.Debug("mqtt shutdown health publish failed", "error", err)
		}
		cancel()
	}

	c.runCancel()

	if cm != nil {
		discCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = cm.Disconnect(discCtx)
		cancel()
		if cancelConn != nil {
			cancelConn()
		}
		select {
		case <-cm.Done():
		case <-ctx.Done():
		}
	} else if cancelConn != nil {
		cancelConn()
	}

	done := make(chan struct{})
	go func() {
		c.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.logger.Warn("mqtt shutdown timed out waiting for handlers")
	}

	c.logger.Info("mqtt client shut down")
	return nil
}

// restartSession tears down the current session and builds a fresh one.
// Only the heartbeat watchdog calls this, so rebuilds are serialized.
func (c *Client) restartSession(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	cm := c.cm
	cancelConn := c.cancelConn
	c.cm = nil
	c.cancelConn = nil
	c.connected = false
	c.mu.Unlock()

	c.logger.Warn("mqtt forcing session rebuild", "reason", reason)

	if cancelConn != nil {
		cancelConn()
	}
	if cm != nil {
		select {
		case <-cm.Done():
		case <-time.After(5 * time.Second):
			c.logger.Warn("mqtt old session did not close cleanly")
		}
	}

	if err := c.startSession(); err != nil {
		c.logger.Error("mqtt session rebuild failed", "error", err)
	}
}

func (c *Client) healthPayload(ok bool, event, errMsg string) []byte {
	env, err := envelope.New(events.TypeHealthStatus, c.cfg.Source, events.HealthStatus{
		OK:    ok,
		Event: event,
		Error: errMsg,
	}, "")
	if err != nil {
		c.logger.Error("mqtt health payload", "error", err)
		return nil
	}
	payload, err := env.Marshal()
	if err != nil {
		c.logger.Error("mqtt health payload", "error", err)
		return nil
	}
	return payload
}

// normalizeBrokerURL converts a broker address to the URL form autopaho
// accepts: tcp:// becomes mqtt://, ssl:// and tls:// become mqtts://, and a
// bare host gets the mqtt:// scheme.
func normalizeBrokerURL(broker string) (*url.URL, error) {
	if !strings.Contains(broker, "://") {
		broker = "mqtt://" + broker
	}
	u, err := url.Parse(broker)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "tcp":
		u.Scheme = "mqtt"
	case "ssl", "tls":
		u.Scheme = "mqtts"
	case "mqtt", "mqtts", "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Port() == "" {
		switch u.Scheme {
		case "mqtt":
			u.Host += ":1883"
		case "mqtts":
			u.Host += ":8883"
		}
	}
	return u, nil
}
