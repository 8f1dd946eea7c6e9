// Package provider adapts chat-completions APIs to the gateway's generation
// interface.
//
// A Provider receives the persisted conversation history and returns the
// assistant's reply, either whole (Generate) or as ordered fragments
// (GenerateStream). In the streaming mode the returned string is the exact
// concatenation of the fragments delivered to the callback, so callers can
// persist what the consumer saw without re-assembling it themselves.
//
// # Failure Classification
//
// Every upstream failure is wrapped in *Error. Retryable marks transport
// trouble such as timeouts, connection resets, throttling (429), and
// server-side errors (5xx). Rejected requests, bad API keys and other 4xx
// responses are terminal. Classification is advisory; this package never
// retries on its own.
//
// # Upstreams
//
// The only implementation speaks the OpenAI chat-completions protocol via
// langchaingo and defaults to OpenRouter, which fronts many models behind
// that protocol. Any compatible endpoint works by changing the base URL.
package provider
