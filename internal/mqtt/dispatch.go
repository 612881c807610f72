package mqtt

import (
	"context"

	"github.com/eclipse/paho.golang/paho"

	"github.com/ZinkoSoft/tars-go/internal/envelope"
)

// MessageHandler is called for each MQTT message received on a subscribed
// topic. Calls for one subscription are serialized (at most one active
// invocation); handlers for different subscriptions run concurrently.
type MessageHandler func(topic string, payload []byte)

// subscriptionQueueSize bounds the per-subscription backlog. A handler that
// falls this far behind starts losing messages (logged); the bound keeps a
// stuck handler from stalling every other topic.
const subscriptionQueueSize = 256

type inbound struct {
	topic   string
	payload []byte
}

type subscription struct {
	filter  string
	qos     byte
	handler MessageHandler
	queue   chan inbound
}

func newSubscription(filter string, qos byte, handler MessageHandler) *subscription {
	return &subscription{
		filter:  filter,
		qos:     qos,
		handler: handler,
		queue:   make(chan inbound, subscriptionQueueSize),
	}
}

// route is the dispatch entry point for every inbound packet. paho invokes
// it from a single receive goroutine, so the dedup cache is mutated from
// one place only. Matching filters get the message queued for their
// serialized worker; unmatched topics log a warning.
func (c *Client) route(pub *paho.Publish) {
	if id := envelope.PeekID(pub.Payload); id != "" && c.dedup.seen(id) {
		c.logger.Debug("mqtt duplicate dropped", "topic", pub.Topic, "id", id)
		return
	}

	c.mu.RLock()
	subs := make([]*subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.RUnlock()

	matched := false
	for _, s := range subs {
		if !TopicMatches(s.filter, pub.Topic) {
			continue
		}
		matched = true
		select {
		case s.queue <- inbound{topic: pub.Topic, payload: pub.Payload}:
		default:
			c.logger.Warn("mqtt handler backlog full, message dropped",
				"filter", s.filter, "topic", pub.Topic)
		}
	}
	if !matched {
		c.logger.Warn("mqtt message on unmatched topic", "topic", pub.Topic)
	}
}

// runSubscription drains one subscription's queue until shutdown.
func (c *Client) runSubscription(ctx context.Context, s *subscription) {
	defer c.tasks.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			c.invoke(s, m)
		}
	}
}

// invoke runs the handler, containing panics so one bad message cannot
// kill the dispatch worker.
func (c *Client) invoke(s *subscription, m inbound) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("mqtt handler panic",
				"topic", m.topic, "id", envelope.PeekID(m.payload), "panic", r)
		}
	}()
	s.handler(m.topic, m.payload)
}
