// Package harness runs several in-memory replicas side by side and checks
// that they converge.
//
// A Cluster holds replicas with manual wall clocks. Replicas mutate
// locally, sync pairwise through real sessions over in-memory pipes, or
// receive raw operations in any order, duplicated or shuffled, to exercise
// the store's merge and buffering paths.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: concurrent_title
//	description: "Concurrent register writes resolve the same everywhere"
//	replicas: [A, B]
//	steps:
//	  - mutate: {replica: A, type: task, entity: t1, field: title, op: set, value: "from A"}
//	  - mutate: {replica: B, type: task, entity: t1, field: title, op: set, value: "from B"}
//	  - sync: [A, B]
//	assertions:
//	  - type: converged
//	    replicas: [A, B]
//	  - type: field
//	    replica: A
//	    entity: t1
//	    field: title
//	    expect: "from B"
//
// # Steps
//
//   - mutate: local change on one replica; reject: true expects refusal
//   - sync: full session between two replicas
//   - deliver: raw operations from some replicas to one, with order
//     forward, reverse or shuffle (seeded) and optional duplication
//   - advance: move one replica's wall clock forward
//
// # Assertion Types
//
//   - converged: equal vectors and state digests
//   - field: a field's user-visible value, or its absence
//   - deleted: the entity is tombstoned
//   - vector: a replica's version vector
//   - entity_count: number of entities a replica holds
//
// Final replica state can be compared against golden files with
// AssertGolden; regenerate them with:
//
//	go test ./internal/harness -update
package harness
