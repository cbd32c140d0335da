// Package engine records entity history at commit time.
//
// The host runs its business writes in a *sql.Tx and, before committing,
// calls Finalize with the unit of work that tracked its entities. Finalize
// runs entirely inside that transaction:
//
//  1. collect pending changes from the unit of work
//  2. draw a transaction id (locking the counter row until commit)
//  3. for each change, read the latest stored version under that lock,
//     validate the lifecycle step and diff against the stored snapshot
//  4. append the transaction, its versions and change index rows
//
// Any error aborts the host's commit. History and business data commit or
// roll back together; there is no background writer and no retry.
//
// CONSISTENCY MODES:
//
// Strict (default) refuses backends that cannot commit history in the
// caller's transaction. Degraded is an explicit opt-in for hosts whose
// business data lives elsewhere: FinalizeAfterCommit writes history in its
// own transaction after the host committed, and a failure there loses the
// history of an already-committed change. It is logged and counted.
package engine
