// Package storage persists scheduled entities and durable work items.
//
// Every driver implements Store. Observed wraps any Store and publishes the
// entity change stream on the event bus.
package storage
