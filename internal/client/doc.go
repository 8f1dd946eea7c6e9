// Package client is a Go client for the gateway's HTTP API.
//
// It mirrors the server's endpoints one for one: SendMessage for single-shot
// turns, StreamMessage for SSE streaming with a per-fragment callback,
// GetHistory and ListSessions for reads, and Health for probes. The client
// carries no retry policy and no timeouts of its own; callers bound each
// call with a context.
package client
