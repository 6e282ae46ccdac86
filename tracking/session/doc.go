// Package session provides code allocation and the durable session stores for
// the live tracker.
//
// The session package implements:
//   - Random 4 digit session codes checked against a store
//   - An in-process store with one partition per code
//   - A SQLite store with one positions table per code
//   - A Postgres store with the same layout
//
// Core Types:
//
// Allocator mints codes in [1000, 9999] and retries on collision. It only
// checks; creation is an atomic insert-if-absent in the store, and the service
// layer retries allocation when that insert loses a race.
//
// MemoryStore, SQLiteStore and PostgresStore implement service.SessionStore.
//
// Partitions:
//
// Every session owns its own position log (a struct with its own lock in
// memory, a dedicated table in SQL). Growth of one session's history never
// slows reads on another. Latest reads go straight to the newest record
// instead of scanning the log.
//
// Usage:
//
//	store, err := session.OpenSQLite("live_tracker.db")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	alloc := session.NewAllocator(store)
//	code, err := alloc.Allocate(ctx)
//
// Retention:
//
// Nothing here deletes sessions or records. Cleanup is an external policy.
package session
