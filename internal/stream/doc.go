// Package stream carries conversations over WebSocket.
//
// A client connects to /ws/chat/{session_id} and sends one JSON object per
// turn, {"message": "..."}. The gateway replies with a series of protocol
// units: zero or more {"type": "token", "content": "..."} fragments followed
// by exactly one terminal unit, {"type": "complete"} on success or
// {"type": "error", "detail": "..."} on failure. The connection then waits
// for the next message; any number of turns can run over one socket.
//
// Empty messages are ignored without a reply. Payloads that are not valid
// JSON produce an error unit and leave the connection open.
//
// A disconnect is not a failure. Once a turn has started it finishes and
// persists server-side whether or not the socket survives; a client that
// reconnects sees the completed turn in the session history.
//
// Each connection runs a read pump and a single writer goroutine. The writer
// serializes protocol units and keepalive pings onto the socket; the read
// pump refreshes the read deadline from pongs, so a client that stops
// answering is dropped even while a long turn is streaming.
package stream
