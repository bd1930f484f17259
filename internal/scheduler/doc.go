// Package scheduler admits jobs into a bounded pool, interleaves single
// steps of admitted jobs in FIFO order, and persists the pending set on stop.
//
// Admission (Schedule) pre-admits dependencies and spills to an unbounded
// overflow queue when the pool is full. The dispatch loop (Run) applies three
// gates before stepping a job: dependencies completed, deadline not exceeded,
// start time reached. Stop drains overflow into the pool, writes a snapshot
// of every pending job with its dependency subgraph and clears memory;
// Restart rebuilds the jobs through a registry and resumes the loop.
package scheduler
