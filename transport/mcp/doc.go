// Package mcp exposes the live tracker to AI agents over the Model Context
// Protocol.
//
// The Client is a thin proxy: every tool call becomes a request to the REST
// API, so writes made by an agent reach the WebSocket observers of the server
// that owns the session.
//
// MCP Tools:
//   - create_session: create a session, optional name and status
//   - update_status: overwrite the status of a session
//   - report_location: append a position
//   - get_latest: latest position and session metadata
//   - distance_from: km from a point to the latest position
//
// Transport Modes:
//   - Stdio: server.ServeStdio(client.GetMCPServer())
//   - HTTP: POST /mcp handled with client.GetMCPServer().HandleMessage
//
// Usage:
//
//	client := mcp.NewClient("http://localhost:8080", version)
//	if err := server.ServeStdio(client.GetMCPServer()); err != nil {
//		log.Fatal(err)
//	}
package mcp
