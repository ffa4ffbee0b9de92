package storage

// Package storage provides the agent's local persistence layer.
//
// It currently supports:
//   - Key-value snapshots (inbox state, auth token)
//   - Named durable FIFO queues (offline mutations, queued sends)
