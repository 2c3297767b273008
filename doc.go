// Package convoy is the background-job core of a travel-tracking product.
// It coordinates any number of out-of-process workers over a shared store
// with no external lock manager: the store's conditional status update is
// the only synchronization primitive.
//
// Convoy is a library, not a service. Import it, configure a store, register
// processors for the task kinds you handle, and start a Coordinator.
//
// # Quick Start
//
//	c, err := engine.New(
//	    engine.WithStore(pgStore),
//	    engine.WithConcurrency(8),
//	)
//
// # Architecture
//
// Each subsystem (job, registry) defines its own store interface and a
// single backend implements all of them. Workers claim queued jobs through
// a compare-and-swap transition, report progress in place, and poll for
// cooperative cancellation at checkpoints. A periodic reaper reclaims jobs
// abandoned by crashed workers through the identical retry path. Row-level
// mutations fan out to subscribers through the stream package.
//
// All entity IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package convoy
