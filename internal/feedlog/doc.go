// Package feedlog is the append coordinator and read facade of a feed log.
//
// A Log owns the in-memory feed-state table and one process-wide FIFO of
// validated envelopes. Append and Add assign, check and enqueue envelopes
// under the Log mutex, so back-to-back appends for one feed always see the
// advanced sequence. A single write cycle goroutine drains the queue in
// batches, persists each batch in one store transaction, publishes every
// written envelope to subscribers and completes the waiting callers.
//
// Flush registers a durability checkpoint: its callback runs once the queue
// is empty and no write cycle is running, immediately if that is already
// the case.
//
// Store failures are never swallowed. The failing batch, and every queued
// entry of an author in that batch, complete with the store error; the
// affected feed states are dropped so they reload from the store; the error
// is published on Errors and handed to the WithErrorHandler callback.
package feedlog
