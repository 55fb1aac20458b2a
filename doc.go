// Package execution is the work-item execution backend for process-gpt.
// It coordinates many stateless replicas pulling pending work items of
// running process instances from one shared relational store, processing
// each item exactly once, and advancing it through a bounded-retry state
// machine with dead-lettering.
//
// Execution is designed as a library, not a service. Import it, configure
// a store, plug in a Processor (the external task/agent executor) and a
// Planner (the process-definition collaborator that decides follow-on
// activities), and start a Replica.
//
// # Quick Start
//
//	r, err := execution.New(
//	    execution.WithStore(pgStore),
//	    execution.WithProcessor(agentProcessor),
//	    execution.WithPlanner(definitionPlanner),
//	)
//
// # Architecture
//
// All cross-replica mutual exclusion is expressed as single-row atomic
// conditional writes against the shared store — there is no external
// coordinator. Each subsystem (workitem, lease, deadletter, migration)
// defines its own store interface; a single backend implements the
// composite store.Store. Backends: Postgres (pgx), Bun ORM, and an
// in-memory store for tests.
//
// The claim loop: the poller scans for claimable items, acquires a TTL
// lease per item, and hands winners to the dispatcher, which processes
// under a deadline while renewing the lease. The transitioner persists
// the outcome with a conditional update and releases the lease. A crashed
// replica's claims expire naturally and are swept back to claimable.
//
// A separate cursor-paginated batch protocol (package migration) hands
// disjoint row batches to long-running migration workers using durable,
// TTL-less leases as a holder allow-list.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package execution
