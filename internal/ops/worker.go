// Package ops implements the fleet observability console: an HTTP
// server with an aggregated health view of every fleet client, a
// Prometheus endpoint, and a websocket tail of live broker traffic.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZinkoSoft/tars-go/internal/config"
	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
	"github.com/ZinkoSoft/tars-go/internal/mqtt"
)

const (
	// shutdownGrace bounds the HTTP server drain when the worker stops.
	shutdownGrace = 5 * time.Second

	// wsWriteTimeout bounds one tail event write to a viewer.
	wsWriteTimeout = 10 * time.Second
)

// Subscriber is the slice of the MQTT client the worker consumes
// through.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
}

// Worker is the ops console service.
type Worker struct {
	cfg      config.Ops
	client   Subscriber
	logger   *slog.Logger
	bus      *events.Bus
	metrics  *Metrics
	registry *prometheus.Registry
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	health map[string]events.HealthStatus

	server *http.Server
}

// NewWorker wires the ops console. Each worker owns its own metrics
// registry so /metrics reflects exactly this process.
func NewWorker(cfg config.Ops, client Subscriber, logger *slog.Logger) *Worker {
	registry := prometheus.NewRegistry()
	return &Worker{
		cfg:      cfg,
		client:   client,
		logger:   logger,
		bus:      events.NewBus(),
		metrics:  newMetrics(registry),
		registry: registry,
		health:   make(map[string]events.HealthStatus),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     sameOrigin,
		},
	}
}

// sameOrigin admits browser connections only from the console's own
// host. Non-browser clients omit Origin and are admitted.
func sameOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Run subscribes the tail filter and health topics, then serves HTTP
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.client.Subscribe(ctx, w.cfg.TailFilter, 0, w.onMessage); err != nil {
		return fmt.Errorf("subscribe %s: %w", w.cfg.TailFilter, err)
	}
	healthFilter := events.TopicHealthPrefix + "#"
	if err := w.client.Subscribe(ctx, healthFilter, 1, w.onHealth); err != nil {
		return fmt.Errorf("subscribe %s: %w", healthFilter, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", w.handleHealthz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(w.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /ws/events", w.handleTail)

	w.server = &http.Server{
		Addr:        w.cfg.Addr,
		Handler:     mux,
		ReadTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.ListenAndServe()
	}()
	w.logger.Info("ops console listening", "addr", w.cfg.Addr)

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := w.server.Shutdown(shutCtx); err != nil {
			w.logger.Warn("ops server shutdown", "error", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("ops server: %w", err)
	}
}

// onMessage mirrors one broker message to the tail bus.
func (w *Worker) onMessage(topic string, payload []byte) {
	w.metrics.MessagesTotal.WithLabelValues(topicClass(topic)).Inc()

	evt := events.TailEvent{
		TS:      time.Now().UTC(),
		Topic:   topic,
		Payload: payload,
	}
	if env, err := envelope.Decode(payload); err == nil {
		evt.Type = env.Type
		evt.Source = env.Source
		evt.Payload = env.Data
	}
	if dropped := w.bus.Publish(evt); dropped > 0 {
		w.metrics.TailDropped.Add(float64(dropped))
	}
}

// onHealth tracks the retained per-client health snapshots.
func (w *Worker) onHealth(topic string, payload []byte) {
	client := strings.TrimPrefix(topic, events.TopicHealthPrefix)
	if client == "" || client == topic {
		return
	}
	if len(payload) == 0 {
		// Retained clear: the client's status was deleted.
		w.mu.Lock()
		delete(w.health, client)
		w.mu.Unlock()
		w.metrics.ClientHealthy.DeleteLabelValues(client)
		return
	}

	env, _ := envelope.DecodeLenient(payload, events.TypeHealthStatus, client)
	if env == nil {
		w.logger.Warn("unparseable health status dropped", "topic", topic)
		return
	}
	var status events.HealthStatus
	if err := env.DecodeData(&status); err != nil {
		w.logger.Warn("malformed health status dropped", "error", err)
		return
	}

	w.mu.Lock()
	w.health[client] = status
	w.mu.Unlock()

	v := 0.0
	if status.OK {
		v = 1.0
	}
	w.metrics.ClientHealthy.WithLabelValues(client).Set(v)
}

// healthzResponse is the aggregated fleet health document.
type healthzResponse struct {
	Status  string                         `json:"status"`
	Clients map[string]events.HealthStatus `json:"clients"`
}

// handleHealthz reports fleet health: 200 while every known client is
// healthy, 503 as soon as one is not.
func (w *Worker) handleHealthz(rw http.ResponseWriter, r *http.Request) {
	w.mu.RLock()
	clients := make(map[string]events.HealthStatus, len(w.health))
	for k, v := range w.health {
		clients[k] = v
	}
	w.mu.RUnlock()

	resp := healthzResponse{Status: "ok", Clients: clients}
	code := http.StatusOK
	for _, status := range clients {
		if !status.OK {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	writeJSON(rw, resp, w.logger)
}

// handleTail streams tail events to one websocket viewer until it
// disconnects or falls behind far enough that the server write fails.
func (w *Worker) handleTail(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := w.bus.Subscribe(w.cfg.TailBuffer)
	defer func() {
		w.bus.Unsubscribe(ch)
		w.metrics.TailViewers.Set(float64(w.bus.SubscriberCount()))
	}()
	w.metrics.TailViewers.Set(float64(w.bus.SubscriberCount()))
	w.logger.Info("tail viewer connected", "remote", r.RemoteAddr)

	// Viewers only send control frames; the read loop exists to notice
	// the disconnect.
	conn.SetReadLimit(512)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(evt); err != nil {
				w.logger.Debug("tail viewer write failed", "error", err)
				return
			}
		}
	}
}

// topicClass is the first topic segment; it keeps the metric label set
// small regardless of per-client topic suffixes.
func topicClass(topic string) string {
	if i := strings.IndexByte(topic, '/'); i > 0 {
		return topic[:i]
	}
	return topic
}

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}
