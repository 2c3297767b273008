// Package store defines the aggregate persistence interface. The job
// subsystem and the worker registry each define their own store
// interface; the composite Store composes them with the change feed.
// Backends: Postgres, Redis, and Memory.
package store

import (
	"context"

	"github.com/wayfound/convoy/job"
	"github.com/wayfound/convoy/registry"
)

// Store is the aggregate persistence interface. A single backend
// implements all of it. Every status transition a backend performs goes
// through job.Store.ApplyIfStatus; backends add no transition logic of
// their own.
type Store interface {
	job.Store
	job.Watcher
	registry.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
