// Package turn executes conversation turns.
//
// A turn is the unit of conversation progress: take the session lock, append
// the user's message, generate a reply over the full history, append the
// reply, release the lock. Because the lock is held across all four stages,
// a session's log only ever grows in strict user/assistant alternation, and
// concurrent requests against one session queue instead of interleaving.
//
// # Failure Semantics
//
// A turn that fails reports the stage that stopped it (lock, append_user,
// generate, append_assistant) via *Error. The user's message is retained
// whenever it was already persisted; a generation failure therefore leaves a
// trailing user message in the log, which the next turn's history includes.
// The one asymmetric case is append_assistant: the reply exists and has been
// delivered, so the caller sees success while the gap is logged and counted.
//
// # Admission versus Execution
//
// The caller's context controls only admission, that is, waiting for the
// session lock. Once admitted a turn runs to completion no matter what
// happens to the caller; the provider's configured timeout is the only thing
// that forces an admitted turn to stop. Streaming consumers must keep
// draining their event channel until it closes for the same reason. A
// consumer that stops draining anyway costs events, not liveness: sends that
// stall past a bound are dropped so the turn can finish and release the
// lock.
package turn
