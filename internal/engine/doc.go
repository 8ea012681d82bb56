// Package engine implements the software transactional memory core.
//
// Application code creates variables with NewVar and reads or writes them
// only inside a transaction body passed to Engine.Atomically. The body may
// run several times: on a conflict it is restarted with a fresh read/write
// set, and when it returns the result of Tx.Retry it is suspended until one
// of the variables it read is changed by another commit.
//
// ARCHITECTURE:
//
// Versioned variables:
// Each variable publishes an immutable {version, stamp, value} record through
// an atomic pointer. version counts the commits that wrote the variable;
// stamp is the engine commit clock value of the last such commit.
//
// Opacity:
// Every attempt starts with a read stamp. A read of a variable with a newer
// stamp re-validates the read set and advances the read stamp, so a body never
// observes a mix of pre- and post-commit states. A read that cannot be made
// consistent unwinds the attempt internally and it is restarted; the unwind
// never escapes the engine.
//
// Commit:
//  1. Shared engine gate (an exclusive holder means a locked run is active)
//  2. Lock the write set in ascending variable id order
//  3. Validate every read entry
//  4. One clock tick, publish new states, release, wake subscribers
//
// Retry:
// A retrying attempt subscribes to every variable in its read set, then
// re-validates. A commit between the check and the subscription is therefore
// always seen, either by the validation or by the subscription.
//
// Conflict resolution:
// A Policy decides after each conflict whether to restart, to re-run the
// body under a lock that guarantees completion, or to give up with a
// conflict error.
//
// Bodies must not start top-level transactions of their own; nest with
// Tx.Atomically instead.
package engine
