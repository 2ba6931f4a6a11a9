// Package themedraft is the generation-job core for the ThemeDraft platform:
// admission, deduplication, rate limiting, durable execution, and progress
// streaming for asynchronous template-generation jobs submitted by tenants.
//
// A submission passes through the admission controller (rate limit, dedup,
// quota, daily spend cap), becomes a persisted job record, and is claimed by
// exactly one worker at a time. The worker drives the job through its state
// machine, calls the generation backend, and commits the result, usage log,
// and credit charge in a single transaction. Every state transition is
// published to a per-job progress channel that any number of observers can
// stream until a terminal status.
//
// # Architecture
//
// Each subsystem defines its own contract: [job.Store] for job persistence,
// [quota.Ledger] for credit and spend accounting, [stream.Publisher] for
// progress fan-out, [backend.Generator] for the remote generation call. A
// single store backend (Postgres via bun, or memory for tests) implements
// the persistence contracts; Redis carries the rate-limit counters and the
// cross-process progress channel.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package themedraft
