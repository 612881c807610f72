package mqtt

import (
	"context"
	"time"

	"github.com/ZinkoSoft/tars-go/internal/envelope"
	"github.com/ZinkoSoft/tars-go/internal/events"
)

// beatPublishTimeout is the hard bound on a single keepalive publish. A
// publish that takes longer means the session is wedged even though the
// TCP connection may look alive, so the watchdog rebuilds it immediately.
const beatPublishTimeout = 2 * time.Second

// heartbeatLoop publishes an application-level keepalive every interval and
// watches for silent session failure: if no keepalive has succeeded for
// three intervals, or a single publish stalls past the 2 s bound, the
// session is torn down and rebuilt.
func (c *Client) heartbeatLoop(ctx context.Context) {
	defer c.tasks.Done()

	interval := c.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	topic := events.KeepaliveTopic(c.cfg.ClientID)
	lastBeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			err := c.beat(ctx, topic)
			switch {
			case err == nil:
				lastBeat = time.Now()
			case time.Since(start) >= beatPublishTimeout:
				c.restartSession("keepalive publish stalled")
				lastBeat = time.Now()
			case time.Since(lastBeat) > 3*interval:
				c.logger.Warn("mqtt keepalive stale",
					"since", time.Since(lastBeat).Truncate(time.Millisecond))
				c.restartSession("keepalive watchdog")
				lastBeat = time.Now()
			default:
				c.logger.Debug("mqtt keepalive publish failed", "error", err)
			}
		}
	}
}

func (c *Client) beat(ctx context.Context, topic string) error {
	env, err := envelope.New(events.TypeHeartbeat, c.cfg.Source, events.Heartbeat{
		OK:        true,
		Event:     "heartbeat",
		Timestamp: time.Now().UTC(),
	}, "")
	if err != nil {
		return err
	}
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	pubCtx, cancel := context.WithTimeout(ctx, beatPublishTimeout)
	defer cancel()
	return c.publish(pubCtx, topic, payload, publishOptions{qos: 0})
}
