// Package session tracks per-session turn locks.
//
// A session admits one turn at a time. The Registry hands out that lock:
// Acquire blocks behind the current holder (turns queue rather than fail)
// and returns a release function scoped to the acquisition. Locks come into
// existence the first time a session is used and are swept away after the
// session has been idle past the configured TTL.
//
// Eviction is safe by construction. Every acquirer, holding or waiting,
// keeps a reference on the entry, and the sweeper only removes entries with
// zero references. A waiter therefore always contends on the same lock its
// predecessor releases; a session that comes back after eviction simply gets
// a fresh lock.
package session
