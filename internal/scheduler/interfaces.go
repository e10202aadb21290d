package scheduler

import (
	"context"

	"github.com/aristath/allocator/internal/modules/universe"
)

// PriceSyncerInterface defines the contract for the price sync service
// Used by scheduler to enable testing with mocks
type PriceSyncerInterface interface {
	Sync(ctx context.Context, symbols []string) (*universe.SyncReport, error)
}

// CheckpointerInterface is implemented by *database.DB
type CheckpointerInterface interface {
	Name() string
	WALStatus() (busy, frames, checkpointed int, err error)
	WALCheckpoint(mode string) error
}
