// Package mqtt is the shared broker client for the TARS fleet. Every
// worker does all of its MQTT I/O through [Client]: publishes are wrapped
// in envelopes stamped with the worker's source name, and subscriptions
// dispatch to per-filter serialized handlers.
//
// The client uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. Sessions are clean-start: on
// every (re-)connect all registered filters are re-subscribed in
// registration order before dispatch resumes, and the retained health
// message is re-published. A will message flips the health topic to
// not-ok when the connection dies without a clean shutdown.
//
// Optional extras, all off by default: envelope-id deduplication over a
// TTL-bounded LRU, and an application-level heartbeat whose watchdog
// rebuilds the session when keepalive publishes stall or stop landing.
package mqtt
