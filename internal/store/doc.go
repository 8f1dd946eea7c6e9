// Package store provides persistent storage for the gateway using SQLite.
//
// # Data Model
//
// The store is a per-session, append-only message log:
//
//   - Message: one conversation record with a role (user, assistant, system),
//     content, and a per-session sequence number assigned on append
//   - SessionInfo: listing summary (message count, last activity)
//
// Sessions are implicit. There is no session table and no creation step: the
// first append under a session id creates the log, and reads on an unused id
// return an empty log.
//
// # Ordering
//
// Sequence numbers are assigned by the store in append order, starting at 0,
// with no gaps and no duplicates. The seq is computed inside the INSERT
// statement itself, so assignment and write are one atomic operation under
// SQLite's single-writer model; a UNIQUE(session_id, seq) constraint backs
// the invariant. Reads order by seq, never by timestamp, so two messages
// written within the same second cannot trade places.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests that want a real store without a
// file on disk.
//
// All methods accept context.Context for cancellation support.
package store
