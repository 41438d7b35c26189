package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/harvest/internal/interfaces"
	"github.com/ternarybob/harvest/internal/models"
)

// EntityStorage implements the EntityStorage interface for Badger
type EntityStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
	now    func() time.Time
}

// NewEntityStorage creates a new EntityStorage instance
func NewEntityStorage(db *BadgerDB, logger arbor.ILogger) interfaces.EntityStorage {
	return &EntityStorage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

func (s *EntityStorage) SaveEntities(ctx context.Context, entities []*models.Entity) (int, error) {
	now := s.now()
	created := 0

	for i, e := range entities {
		if e.ID == "" || e.Backend == "" {
			return created, fmt.Errorf("entity %d: id and backend are required", i)
		}
		if e.Label == "" {
			e.Label = e.ID
		}
		e.Key = models.EntityKey(e.Backend, e.ID)

		var existing models.Entity
		err := s.db.Store().Get(e.Key, &existing)
		switch {
		case err == nil:
			e.CreatedAt = existing.CreatedAt
			e.Processed = existing.Processed
			e.LastResultCount = existing.LastResultCount
			e.LastRunAt = existing.LastRunAt
		case errors.Is(err, badgerhold.ErrNotFound):
			// Offset by position so entities registered together keep their order
			e.CreatedAt = now.Add(time.Duration(i))
			created++
		default:
			return created, fmt.Errorf("failed to read entity %s: %w", e.Key, err)
		}

		if err := s.db.Store().Upsert(e.Key, e); err != nil {
			return created, fmt.Errorf("failed to save entity %s: %w", e.Key, err)
		}
	}

	s.logger.Debug().
		Int("entities", len(entities)).
		Int("created", created).
		Msg("Entities saved")
	return created, nil
}

func (s *EntityStorage) GetEntity(ctx context.Context, backend, id string) (*models.Entity, error) {
	var e models.Entity
	if err := s.db.Store().Get(models.EntityKey(backend, id), &e); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("entity %s/%s: %w", backend, id, interfaces.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return &e, nil
}

func (s *EntityStorage) ListEntities(ctx context.Context, backend string, opts interfaces.EntityListOptions) ([]*models.Entity, error) {
	query := badgerhold.Where("Backend").Eq(backend)
	if opts.UnprocessedOnly {
		query = query.And("Processed").Eq(false)
	}
	query = query.SortBy("CreatedAt")
	if opts.Offset > 0 {
		query = query.Skip(opts.Offset)
	}
	if opts.Limit > 0 {
		query = query.Limit(opts.Limit)
	}

	var list []models.Entity
	if err := s.db.Store().Find(&list, query); err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}

	result := make([]*models.Entity, len(list))
	for i := range list {
		result[i] = &list[i]
	}
	return result, nil
}

func (s *EntityStorage) CountEntities(ctx context.Context, backend string) (int, int, error) {
	total, err := s.db.Store().Count(&models.Entity{}, badgerhold.Where("Backend").Eq(backend))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count entities: %w", err)
	}
	unprocessed, err := s.db.Store().Count(&models.Entity{}, badgerhold.Where("Backend").Eq(backend).And("Processed").Eq(false))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count unprocessed entities: %w", err)
	}
	return int(total), int(unprocessed), nil
}

func (s *EntityStorage) MarkProcessed(ctx context.Context, backend, id string, resultCount int, at time.Time) error {
	e, err := s.GetEntity(ctx, backend, id)
	if err != nil {
		return err
	}
	e.Processed = true
	e.LastResultCount = resultCount
	e.LastRunAt = &at

	if err := s.db.Store().Update(e.Key, e); err != nil {
		return fmt.Errorf("failed to mark entity %s processed: %w", e.Key, err)
	}
	return nil
}

func (s *EntityStorage) ResetProcessed(ctx context.Context, backend string) (int, error) {
	reset := 0
	query := badgerhold.Where("Backend").Eq(backend).And("Processed").Eq(true)
	err := s.db.Store().UpdateMatching(&models.Entity{}, query, func(record interface{}) error {
		e, ok := record.(*models.Entity)
		if !ok {
			return fmt.Errorf("unexpected record type %T", record)
		}
		e.Processed = false
		reset++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset entities: %w", err)
	}

	s.logger.Info().Str("backend", backend).Int("entities", reset).Msg("Processed flags reset")
	return reset, nil
}

func (s *EntityStorage) DeleteEntity(ctx context.Context, backend, id string) error {
	if err := s.db.Store().Delete(models.EntityKey(backend, id), &models.Entity{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("entity %s/%s: %w", backend, id, interfaces.ErrNotFound)
		}
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}
