// Package api provides the REST interface of the live tracker.
//
// Routes:
//
//	POST /generate          create a session, form or JSON {name, status} -> {ok, code}
//	POST /status            {code, status} -> {ok}
//	POST /location          {code, lat, lng} -> {ok}
//	GET  /latest/{code}     -> {ok, latest, owner}; nulls when absent
//	GET  /distance/{code}   ?lat=&lng= -> {ok, code, km}
//	GET  /ws                WebSocket observers, optional ?code=
//	GET  /health            -> {ok, status}
//
// Error Handling:
//
// Every failure is written as {"ok": false, "error": "..."}. Tracker errors map
// to statuses as follows:
//   - invalid coordinate or missing field: 400
//   - unknown session or no position yet: 404
//   - store unavailable or no free code: 503, with Retry-After when retryable
//   - anything else: 500
//
// Usage:
//
//	server := api.NewServer(tracker, hub, logger)
//	http.ListenAndServe(":8080", server)
package api
