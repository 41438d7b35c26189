package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/harvest/internal/models"
)

// ErrNotFound is returned when a stored record does not exist
var ErrNotFound = errors.New("not found")

// EntityListOptions filters entity listings
type EntityListOptions struct {
	UnprocessedOnly bool
	Limit           int
	Offset          int
}

// EntityStorage - registry of entities per backend
type EntityStorage interface {
	// SaveEntities upserts entities, preserving CreatedAt and the processed
	// flag of existing records. Returns the number of new entities.
	SaveEntities(ctx context.Context, entities []*models.Entity) (int, error)
	GetEntity(ctx context.Context, backend, id string) (*models.Entity, error)
	// ListEntities returns a backend's entities in creation order
	ListEntities(ctx context.Context, backend string, opts EntityListOptions) ([]*models.Entity, error)
	CountEntities(ctx context.Context, backend string) (total int, unprocessed int, err error)
	MarkProcessed(ctx context.Context, backend, id string, resultCount int, at time.Time) error
	// ResetProcessed clears the processed flag on every entity of a backend
	ResetProcessed(ctx context.Context, backend string) (int, error)
	DeleteEntity(ctx context.Context, backend, id string) error
}

// RunStorage - history of finished runs and their job outcomes
type RunStorage interface {
	SaveRun(ctx context.Context, run *models.RunRecord) error
	GetRun(ctx context.Context, id string) (*models.RunRecord, error)
	// ListRuns returns the newest runs first. An empty backend lists all.
	ListRuns(ctx context.Context, backend string, limit int) ([]*models.RunRecord, error)
	SaveJobRecord(ctx context.Context, rec *models.JobRecord) error
	ListJobRecords(ctx context.Context, runID string) ([]*models.JobRecord, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	EntityStorage() EntityStorage
	RunStorage() RunStorage
	Close() error
}
