// Package gateway assembles and runs the conversation gateway.
//
// A Gateway owns the SQLite-backed message store, the model provider, the
// per-session lock registry, and the HTTP server that exposes them. One
// process serves every transport over a single listener:
//
//	POST /api/chat                      one turn, reply in the response
//	POST /api/chat/stream               one turn, reply streamed as SSE
//	GET  /ws/chat/{session_id}          WebSocket, many turns per socket
//	GET  /api/sessions                  sessions with activity summaries
//	GET  /api/sessions/{id}/history     ordered messages, optional ?since=
//	GET  /health, /health/ready         liveness and store readiness
//	GET  /metrics                       Prometheus, when enabled
//
// The listener is either a plain TCP socket or a tsnet node joined to a
// tailnet, optionally terminating TLS with Tailscale-provisioned certs so
// clients can speak wss:// without any reverse proxy.
//
// Run blocks until the context is canceled or the server fails, then shuts
// down gracefully: the HTTP server drains, the tailnet node parts, the lock
// registry stops its sweeper, and the store closes last so in-flight turns
// can still persist their messages.
package gateway
