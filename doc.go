// Package imgpool runs CPU-bound image-encoding work on a supervised
// pool of isolated execution units, keeping the caller's goroutine
// free and a single misbehaving codec from taking everything down.
//
// Design goals
//
// The package is designed around the following principles:
//
//   - Never block the submitting goroutine
//   - Keep every piece of mutable pool state on one control goroutine
//   - Contain unit-side faults; recover locally before surfacing
//   - Degrade deliberately under failure and memory pressure
//
// Architecture overview
//
// The pool is composed of loosely coupled layers:
//
//  1. Submission (Submit / ProcessBatch)
//     Tasks pass a circuit-breaker gate, get registered with a
//     timeout, and are either dispatched to an idle unit or parked
//     in a three-tier priority queue (high, normal, low; FIFO within
//     a tier, strict order across tiers).
//
//  2. Control loop (Pool.run)
//     A single goroutine owns the queue, the unit table, the task
//     tracker and all counters. Unit messages, submissions, timer
//     callbacks and monitor ticks are serialized through it, so the
//     core needs no locks.
//
//  3. Execution units
//     Each unit is an isolated goroutine that shares no state with
//     the loop. The protocol is a small tagged union: Init ⇒ Ready,
//     Convert ⇒ zero or more Progress then exactly one Success or
//     Error, plus unsolicited MemoryUsage reports. Panicking codecs
//     are recovered into Error messages.
//
//  4. Supervision
//     A health sweep fails and restarts units stuck past 1.2× their
//     task's timeout and probabilistically recycles long-idle units.
//     A memory sweep purges the completed-task history and recycles
//     the oldest idle unit under heap pressure. Unit restarts and
//     task retries both use capped exponential backoff.
//
// Scheduling
//
// An idle unit is picked by composite score: health (weight 0.4),
// idle time (0.2), error rate (0.3) and resident memory (0.1). The
// weights are tunable heuristics, not a contract.
//
// Failure handling
//
// The pool distinguishes between:
//
//   - Retryable task errors: retried with backoff until MaxRetries
//   - Non-retryable errors: bad-input patterns and fatal details are
//     rejected immediately
//   - Unit faults: the unit is failed and restarted; its task goes
//     through the same retry decision
//   - Systemic failure: a circuit breaker rejects new submissions
//     after repeated failures, with a timed half-open probe
//
// Only exhausted retries, non-retryable errors, an open breaker or a
// forced shutdown ever reach the caller.
//
// Shutdown
//
// Shutdown drains: new submissions are refused, live tasks run out,
// and teardown fires from a completion signal the moment the last
// task resolves. If the caller's context expires first, everything
// still pending is force-cancelled.
//
// The encoding algorithm itself is not part of this package; it is
// supplied as an EncodeFunc and treated as opaque.
package imgpool
