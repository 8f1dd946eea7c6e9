// Package metrics instruments the gateway with Prometheus collectors.
//
// All instruments hang off one Metrics value created by MustNew and shared
// by the turn engine and the streaming transports. Every method tolerates a
// nil receiver, so callers never branch on whether metrics are enabled; a
// gateway running without metrics simply passes nil down.
//
// Collector names live under the parley_gateway prefix:
//
//	parley_gateway_turn_duration_seconds{mode,status}
//	parley_gateway_turn_failures_total{stage}
//	parley_gateway_stream_fragments_total
//	parley_gateway_streams_active
package metrics
