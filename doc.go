// Package tickstream provides a real-time market-data distribution layer.
//
// Clients open a persistent WebSocket connection, declare interest in a set of
// (instrument, data-kind) streams, and receive a continuous, ordered stream of
// updates for exactly what they subscribed to until they unsubscribe or
// disconnect.
//
// # Architecture
//
// Data flow: upstream event → publisher → subindex (fan-out lookup) →
// registry (per-connection queue) → codec (frame) → network.
//
// Control flow: client frame → supervisor → codec (parse/validate) →
// subindex (mutate) → ack frame back to the client.
//
//	┌─────────────────────────────────────┐
//	│        Session Supervisor           │  Accepts connections,
//	│  (handshake, routing, sweeps)       │  routes client commands
//	└─────────────────────────────────────┘
//	           ↓ orchestrates
//	┌──────────────┐  ┌──────────────────┐
//	│  Publisher   │  │  Message Codec   │  Batches upstream events,
//	│ (event buffer│  │ (parse/validate/ │  frames outbound messages
//	│  + flush)    │  │  frame)          │
//	└──────┬───────┘  └──────────────────┘
//	       ↓ resolves via
//	┌──────────────────┐
//	│ Subscription     │  Sharded (instrument, kind) → connections
//	│ Index            │
//	└──────┬───────────┘
//	       ↓ delivers through
//	┌──────────────────┐
//	│ Connection       │  Bounded per-connection queues,
//	│ Registry         │  back-pressure policy
//	└──────────────────┘
//
// # Packages
//
// Core:
//   - registry: connection lifecycle, bounded outbound queues, back-pressure
//   - subindex: sharded subscription index with per-connection and global caps
//   - codec: client command parsing/validation, outbound frame encoding
//   - publisher: event buffering, coalescing, batched fan-out
//   - supervisor: WebSocket server, command routing, idle sweep, stats
//
// Collaborator adapters:
//   - market: data kinds, events, typed payloads, instrument catalog
//   - feed: upstream feed adapter consuming events from NATS subjects
//   - natsclient: NATS connection management with circuit breaker
//
// Infrastructure:
//   - metric: Prometheus metrics registry and HTTP server
//   - errors: structured error handling and the delivery error taxonomy
//   - config: configuration loading and validation
//   - pkg/buffer: bounded ring buffers with overflow policies
//   - pkg/worker: generic worker pools
//   - pkg/retry: exponential backoff retry
package tickstream
