// Package dispatch delivers due notifications to the chat sink.
//
// Deliver is the synchronous contract: a bounded number of attempts with a
// fixed pause between them. Dispatch queues a notification for a small
// worker pool so the poller never waits on the network. A token bucket
// keeps the send rate under the chat API limits.
//
// Outcomes are logged, kept in a short in-memory history, published on the
// event bus and, when a store is configured, appended to the audit trail.
package dispatch
