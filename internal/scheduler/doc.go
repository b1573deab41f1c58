// Package scheduler defers poll and sweep invocations.
//
// A Scheduler accepts a Job and a delay. Two backends exist: Queued pushes
// jobs onto a time-ordered Queue (a Redis sorted set in production) that a
// Runner drains with a ticker and a worker pool, and the QStash publisher in
// platform/qstash, which hands the job to an external HTTP scheduler that
// calls back into the poll endpoints. Noop drops jobs; the fleet sweep
// endpoint remains the only way tasks resolve in that mode.
package scheduler
