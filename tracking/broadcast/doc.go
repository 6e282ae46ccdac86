// Package broadcast provides the in-memory room registry and fan-out engine
// that push tracker updates to live observers.
//
// The broadcast package implements:
//   - Rooms keyed by session code, each guarded by its own lock
//   - Idempotent join, leave and leave-all for a channel
//   - Non-blocking publish to every member of a room
//   - A bounded queue channel for transports that need one
//
// Channels:
//
// A Channel is anything with a stable ID and a Send method that never blocks.
// Transports (WebSocket connections, tests) supply their own Channel or wrap a
// QueueChannel. Send returns false when the event could not be queued; the
// engine logs and moves on.
//
// Usage:
//
//	registry := broadcast.NewRegistry()
//	engine := broadcast.NewEngine(registry, logger)
//
//	ch := broadcast.NewQueueChannel("observer-1", 64)
//	registry.Join("4821", ch)
//
//	engine.Publish("4821", broadcast.KindLocation, record)
//	ev := <-ch.Events()
//
// State:
//
// Nothing here is persisted. A process restart starts with no rooms; clients
// re-join when they reconnect.
package broadcast
