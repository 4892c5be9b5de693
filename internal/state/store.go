// Package state provides persistence for step records.
package state

import (
	"context"

	"github.com/mpz/devops/tools/aurora-restore-pipeline/internal/types"
)

// Store is the interface for persisting step records. Records are keyed by
// (operation_id, step); saving the same pair again overwrites the row, which
// is what polling re-runs do. "Latest" means greatest chain position, not
// most recent write.
type Store interface {
	// SaveStep persists the outcome of a step execution.
	SaveStep(ctx context.Context, rec *types.StepRecord) error

	// GetStep retrieves one step's record, or ErrNotFound.
	GetStep(ctx context.Context, operationID string, step types.Step) (*types.StepRecord, error)

	// LatestStep retrieves the chain-latest record for an operation, or
	// ErrNotFound when the operation has no rows.
	LatestStep(ctx context.Context, operationID string) (*types.StepRecord, error)

	// ListSteps returns all records for an operation in chain order.
	ListSteps(ctx context.Context, operationID string) ([]*types.StepRecord, error)

	// DeleteOperation removes every record for an operation, returning how
	// many rows were deleted. Deleting an unknown operation is not an error.
	DeleteOperation(ctx context.Context, operationID string) (int, error)
}
