// Package broker implements an in-memory fanout pub/sub broker core.
//
//	publisher Session --Publish--> Broker --> Router --BoundQueues--> BindingTable
//	                                            |
//	                         +------------------+------------------+
//	                         v                  v                  v
//	                       Queue              Queue              Queue
//	                         |                  |                  |
//	                  delivery loop      delivery loop      delivery loop
//	                         v                  v                  v
//	                     Handler            Handler            Handler
//
// Locking:
//   - BindingTable: one lock per exchange name (plus a map lock for lookup).
//   - Queue: one lock per queue; enqueue/dequeue on different queues never contend.
//   - Broker queue registry: serializes queue create/delete against bind.
//
// Publish never holds a lock while enqueueing, so a slow consumer never blocks
// a publisher. Bounded queues drop the newest message and report ErrQueueFull.
package broker
