// Package harness runs versioning scenarios described in YAML against a
// fresh in-memory store and checks the resulting history.
//
// # Scenario Format
//
//	name: account_lifecycle
//	description: "create, update and delete one account"
//	units:
//	  - actor: alice
//	    metadata: { reason: signup }
//	    steps:
//	      - op: create
//	        entity: account
//	        key: { id: 1 }
//	        fields: { name: A, balance: 100 }
//	  - steps:
//	      - op: update
//	        entity: account
//	        key: { id: 1 }
//	        fields: { balance: 150 }
//	        unset: [nickname]
//	  - steps:
//	      - op: delete
//	        entity: account
//	        key: { id: 1 }
//	    expect_error: INVALID_LIFECYCLE_TRANSITION   # optional
//	assertions:
//	  - type: versions
//	    entity: account
//	    key: { id: 1 }
//	    operations: [create, update, delete]
//	  - type: state_at
//	    entity: account
//	    key: { id: 1 }
//	    as_of: 2
//	    expect: { id: 1, name: A, balance: 150 }
//	  - type: not_found_at
//	    entity: account
//	    key: { id: 1 }
//	    as_of: 3
//	  - type: diff
//	    entity: account
//	    key: { id: 1 }
//	    from: 1
//	    to: 2
//	    expect: { balance: { old: 100, new: 150 } }
//	  - type: transaction
//	    id: 2
//	    actor: alice
//	    entity_types: [account]
//	    count: 1
//
// Each unit is committed through the engine in its own transaction. A unit
// that fails rolls back and leaves the scenario's live entities untouched.
// In a diff expectation a missing old or new side means absent and an
// explicit null means null.
//
// # Deterministic Testing
//
// Scenarios run with testutil.DeterministicClock and unit of work ids derived
// from the scenario name, so traces are identical across runs and can be
// compared against golden files.
package harness
