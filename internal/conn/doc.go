package conn

// Package conn owns the transport lifecycle: dialing, heartbeat, ordered
// tier escalation, reconnect backoff, and the offline outbox. Upper layers
// talk to the Controller and never see which tier is live.
