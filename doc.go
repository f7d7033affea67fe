/*
Package opalkv provides an embedded, ordered key/value store with
optimistic transactions, snapshots, savepoints and column families.

Transactions buffer writes privately and see their own pending state.
Nothing is locked: at commit the tracked reads and writes are validated
against the commits that happened in between, and a lost race returns
ErrConflict. Retrying is the caller's decision, with a fresh
transaction.

Snapshots are consistent point-in-time views pinned to a commit
sequence; column families partition the key space inside one database,
with a "default" family that always exists.

# Usage

For runnable examples, see the repository's examples directory. The
examples are written against the public API and are kept up-to-date as
the API evolves.

# Concurrency

A database instance is safe for concurrent use by multiple goroutines.
Individual Transaction and Iterator instances are not; each goroutine
should use its own.

# Durability

Commits are appended to a write-ahead log before they apply, replayed
on Open. WriteOptions.Sync selects fsync-per-commit durability;
Options.DisableWAL trades all durability for speed.
*/
package opalkv
