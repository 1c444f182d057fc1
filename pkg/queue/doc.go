// Package queue delivers pull request events to the pipeline workers.
//
// Delivery is at-least-once. A worker takes a Message with Dequeue and
// acknowledges it with Ack once the event has been processed or handed back
// with EnqueueAfter for a delayed retry. The orchestrator is idempotent per
// unit of work, so redelivery is always safe.
//
// Two implementations are provided:
//
//   - MemoryQueue: in-process, for tests, the CLI and single-node use
//   - RedisQueue: a ready list, a processing list and a delayed sorted set
//
// KafkaSource is not a Queue. It consumes a topic of JSON events and enqueues
// each one, committing the offset only after the enqueue succeeded.
package queue
