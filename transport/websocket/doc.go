// Package websocket provides the observer transport for the live tracker.
//
// Each WebSocket connection is a broadcast.Channel. The connection joins and
// leaves session rooms by sending control messages and receives every event
// published to the rooms it belongs to.
//
// Message Protocol:
//
// Client to server:
//   - {"type":"join_code","code":"4821","role":"user"}
//   - {"type":"leave_code","code":"4821"}
//
// Server to client, one JSON event per text frame:
//   - {"code":"4821","kind":"status","payload":{"status":"en route","status_updated_at":"..."}}
//   - {"code":"4821","kind":"location","payload":{"lat":12.97,"lng":77.59,"ts":"..."}}
//
// A connection may also join a room at upgrade time with ?code=4821.
//
// Usage:
//
//	hub := websocket.NewHub(tracker, cfg.ChannelBuffer, logger)
//	router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
//		hub.ServeWS(w, r, r.URL.Query().Get("code"))
//	})
//	defer hub.Close()
//
// Connection Lifecycle:
//
// 1. Client connects, optionally with a code
// 2. Connection registered with the hub
// 3. join_code / leave_code messages update its rooms
// 4. Events are queued on a bounded send buffer and written in order
// 5. A full buffer, a read error or a missed pong closes the connection
// 6. On close the connection leaves every room
package websocket
