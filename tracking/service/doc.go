// Package service provides the business logic layer for the live tracker.
//
// The service package implements:
//   - Session creation with collision-free 4 digit codes
//   - Status and location writes followed by live fan-out
//   - Latest snapshot reads for late-joining observers
//   - Room membership for observer channels
//
// Core Interfaces:
//
// TrackerService is the facade every transport calls. SessionStore is the
// durable per-session log, CodeAllocator mints codes, Publisher pushes
// accepted writes and Subscriptions tracks who is listening.
//
// Architecture:
//
// The service layer sits between the transports (HTTP, WebSocket, MCP) and
// the store and broadcast packages. It is the only component that knows all
// of them. A write is persisted first and published second; a failed write is
// never published. Writes and publishes for one code are serialized, so every
// observer sees events in the order the store accepted them.
//
// Usage:
//
//	store := session.NewMemoryStore()
//	registry := broadcast.NewRegistry()
//	tracker := service.NewTrackerService(
//		store,
//		session.NewAllocator(store),
//		broadcast.NewEngine(registry, logger),
//		registry,
//		service.Options{Logger: logger},
//	)
//
//	sess, err := tracker.CreateSession(ctx, "Van 1", "")
//	_, err = tracker.ReportLocation(ctx, sess.Code, 12.97, 77.59)
//	snap, err := tracker.GetLatest(ctx, sess.Code)
//
// Errors:
//
// Every operation returns one of the sentinel errors in errors.go (or nil),
// possibly wrapped; use errors.Is to test for them. ErrStoreUnavailable is the
// only retryable one.
package service
