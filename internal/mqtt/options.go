package mqtt

type publishOptions struct {
	qos       byte
	retain    bool
	correlate string
}

// PublishOption adjusts a single publish. The default is QoS 1, not
// retained, no correlation.
type PublishOption func(*publishOptions)

// WithQoS overrides the publish QoS level.
func WithQoS(qos byte) PublishOption {
	return func(o *publishOptions) { o.qos = qos }
}

// WithRetain sets the broker retain flag, making the message the topic's
// last-known value for late subscribers.
func WithRetain() PublishOption {
	return func(o *publishOptions) { o.retain = true }
}

// WithCorrelate stamps the envelope's correlate field with the id of the
// request this publish answers.
func WithCorrelate(id string) PublishOption {
	return func(o *publishOptions) { o.correlate = id }
}

func applyPublishOptions(opts []PublishOption) publishOptions {
	o := publishOptions{qos: 1}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ResolveOptions returns the effective settings opts produce. Fake
// publishers in worker tests use it to observe QoS, retain, and
// correlation without a broker.
func ResolveOptions(opts []PublishOption) (qos byte, retain bool, correlate string) {
	o := applyPublishOptions(opts)
	return o.qos, o.retain, o.correlate
}
