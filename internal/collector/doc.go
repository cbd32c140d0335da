// Package collector observes entity state during a unit of work and
// produces the pending changes to version at commit.
//
// A UnitOfWork is an explicit context object owned by the caller. There is
// no process-wide registry: entities are registered with Track, Create and
// Delete (or Stage), and CollectPending is called exactly once at pre-commit.
//
// The collector never touches the database. Dirtiness is decided against the
// baseline captured at Track time; the delta that is finally persisted is
// computed later against the latest stored version.
package collector
