// Package harness runs concurrent workload scenarios against the STM engine
// and checks invariants over the final state.
//
// # Scenario Format
//
// Scenarios are YAML (.yaml, .yml) or CUE (.cue) files with the following
// structure:
//
//	name: transfer
//	description: "two opposing transfer loops"
//	policy: {kind: locked, after: 8, scope: engine}
//	retry_timeout: 10s
//	vars: {a: 1000, b: 0}
//	channels: {jobs: {capacity: 4}}
//	results: [done]
//	workers:
//	  - {name: ab, op: transfer, from: a, to: b, amount: 10, iterations: 5000}
//	  - {name: ba, op: transfer, from: b, to: a, amount: 10, iterations: 5000}
//	assertions:
//	  - {type: sum, vars: [a, b], value: 1000}
//	  - {type: min_observed, var: a, value: 0}
//
// Every worker runs on its own goroutine and executes its op `iterations`
// times, one transaction per iteration.
//
// # Operations
//
//   - increment: add amount to var
//   - transfer: move amount from one var to another, retrying while the
//     source holds less than amount
//   - push: push the values 1..iterations to channel
//   - pop: pop one value from channel and add it to var
//   - drain: wait until channel is non-empty, then move all of it into var
//   - take: subtract amount from the first of vars that holds enough,
//     retrying until one does; the taken amount is added to var if set
//   - close: close channel
//   - wait: block until var reaches value
//   - resolve: wait until var reaches value, then resolve result with it
//   - await: wait for result and store it in var
//
// # Assertion Types
//
//   - equals: var equals value at the end
//   - sum: the vars sum to value at the end
//   - min_observed: no committed write ever took var below value
//   - channel_len: channel holds value elements at the end
//
// # Deterministic Output
//
// Worker interleaving is not deterministic, but a correct engine makes the
// final state of a well-formed scenario deterministic. The Snapshot of a
// Result (name, pass, final vars, channel lengths, assertions) is serialized
// as canonical JSON and compared against golden files; timing and conflict
// counts are kept out of it.
package harness
