// Package pollsync implements the client-side state manager for polls
// embedded in chat messages.
//
// The module owns the poll lifecycle: entity storage with reference-counted
// message registration, the optimistic vote-submission state machine with
// generation-based reconciliation, the paginated voter-list cache with
// invalidation, and the timeout-driven background scheduler (refresh,
// auto-close, memory eviction) backed by a crash-recovery log. It keeps a
// local replica consistent with an authoritative remote server over an
// asynchronous, lossy, at-least-once channel by sequencing every operation
// on a single mailbox and disambiguating in-flight mutations with monotonic
// generation counters. Business rules live in application/domain layers;
// infrastructure concerns sit behind ports and adapters.
package pollsync
