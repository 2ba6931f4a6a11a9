// Package store defines the aggregate persistence interface.
//
// Each subsystem defines its own contract — [job.Store] for job records,
// [quota.Ledger] for credit and spend accounting — and the composite [Store]
// composes them. A single backend implements both, which is what lets
// CompleteJob commit the job result, the usage log, and the credit charge in
// one transaction.
//
// Backends:
//
//   - store/memory — in-memory store for development and testing
//   - store/bun — PostgreSQL backend via the Bun ORM
package store

import (
	"context"

	"github.com/ayip001/themedraft/job"
	"github.com/ayip001/themedraft/quota"
)

// Store is the aggregate persistence interface consumed by the admission
// controller, the worker, and the API surface.
type Store interface {
	job.Store
	quota.Ledger

	// Migrate creates or upgrades the schema.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases store resources.
	Close() error
}
