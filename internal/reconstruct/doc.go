// Package reconstruct answers history queries: the state of an entity as of
// a transaction or instant, the net change between two points, and
// consistency checks over stored versions.
//
// Every version record carries a full snapshot, so a point-in-time state is
// one index lookup for the latest version at or below the requested
// transaction id. Deltas are only composed when a caller asks for a diff.
//
// All reads are side-effect free. Abandoning one mid-way leaves nothing to
// clean up.
package reconstruct
