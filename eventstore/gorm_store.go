package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/models"
)

// maxAppendAttempts bounds how often an append is replayed after a unique
// index collision with a concurrent writer
const maxAppendAttempts = 3

// GormEventStore implements EventStore using GORM
type GormEventStore struct {
	db *gorm.DB
}

// NewGormEventStore creates a new GORM event store
func NewGormEventStore(db *gorm.DB) *GormEventStore {
	return &GormEventStore{db: db}
}

// Append appends a single event
func (s *GormEventStore) Append(ctx context.Context, event *domain.Event) (domain.Event, error) {
	stored, err := s.AppendMany(ctx, []*domain.Event{event})
	if err != nil {
		return domain.Event{}, err
	}
	return stored[0], nil
}

// AppendMany appends events atomically. Versions are resolved inside the
// transaction; the composite unique index on (aggregate_type, aggregate_id,
// event_version) rejects concurrent writers that resolved the same version.
func (s *GormEventStore) AppendMany(ctx context.Context, events []*domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	for _, event := range events {
		if err := validateEvent(event); err != nil {
			return nil, err
		}
	}

	var (
		stored []domain.Event
		err    error
	)
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		stored, err = s.appendTx(ctx, events)
		if err == nil || !isUniqueViolation(err) {
			break
		}
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Msg("Unique index collision on append, replaying")
	}
	if err != nil {
		if isUniqueViolation(err) {
			first := events[0]
			return nil, &ConflictError{
				AggregateID:     first.AggregateID,
				AggregateType:   first.AggregateType,
				ExpectedVersion: first.Version,
				ActualVersion:   -1,
			}
		}
		return nil, storageError("append", err)
	}

	return stored, nil
}

func (s *GormEventStore) appendTx(ctx context.Context, events []*domain.Event) ([]domain.Event, error) {
	stored := make([]domain.Event, 0, len(events))

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		latest := make(map[string]int)
		seen := make(map[string]domain.Event)

		for _, event := range events {
			if prior, ok := seen[event.ID]; ok {
				stored = append(stored, prior)
				continue
			}

			// Idempotent append: an event id that already exists is returned as stored
			var existing models.Event
			res := tx.Where("event_id = ?", event.ID).Limit(1).Find(&existing)
			if res.Error != nil {
				return fmt.Errorf("failed to look up event %s: %w", event.ID, res.Error)
			}
			if res.RowsAffected > 0 {
				prior, err := toDomainEvent(existing)
				if err != nil {
					return err
				}
				seen[event.ID] = prior
				stored = append(stored, prior)
				continue
			}

			key := streamKey(event.AggregateType, event.AggregateID)
			current, ok := latest[key]
			if !ok {
				row := tx.Model(&models.Event{}).
					Select("COALESCE(MAX(event_version), 0)").
					Where("aggregate_type = ? AND aggregate_id = ?", event.AggregateType, event.AggregateID).
					Row()
				if err := row.Scan(&current); err != nil {
					return fmt.Errorf("failed to read stream version: %w", err)
				}
			}

			version := current + 1
			if event.Version != 0 && event.Version != version {
				return &ConflictError{
					AggregateID:     event.AggregateID,
					AggregateType:   event.AggregateType,
					ExpectedVersion: event.Version,
					ActualVersion:   current,
				}
			}

			dbEvent, err := toModelEvent(event, version)
			if err != nil {
				return err
			}
			if err := tx.Create(&dbEvent).Error; err != nil {
				return fmt.Errorf("failed to save event: %w", err)
			}

			latest[key] = version
			appended, err := toDomainEvent(dbEvent)
			if err != nil {
				return err
			}
			seen[event.ID] = appended
			stored = append(stored, appended)

			log.Debug().
				Str("aggregateID", event.AggregateID).
				Str("eventType", event.Type).
				Int("version", version).
				Msg("Event saved")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// GetEvents returns an aggregate's events from a version onwards
func (s *GormEventStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]domain.Event, error) {
	var dbEvents []models.Event
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ? AND event_version >= ?", aggregateID, aggregateType, fromVersion).
		Order("event_version ASC").
		Find(&dbEvents).Error
	if err != nil {
		return nil, storageError("get events", err)
	}
	return toDomainEvents(dbEvents)
}

// GetEventsByType returns events of a type in append order
func (s *GormEventStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	query := s.db.WithContext(ctx).Where("event_type = ?", eventType).Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var dbEvents []models.Event
	if err := query.Find(&dbEvents).Error; err != nil {
		return nil, storageError("get events by type", err)
	}
	return toDomainEvents(dbEvents)
}

// GetEventsByCorrelationID returns all events sharing a correlation id
func (s *GormEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]domain.Event, error) {
	var dbEvents []models.Event
	err := s.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("id ASC").
		Find(&dbEvents).Error
	if err != nil {
		return nil, storageError("get events by correlation id", err)
	}
	return toDomainEvents(dbEvents)
}

// SaveSnapshot saves a snapshot no newer than the aggregate's latest event
func (s *GormEventStore) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}

	var latest int
	row := s.db.WithContext(ctx).Model(&models.Event{}).
		Select("COALESCE(MAX(event_version), 0)").
		Where("aggregate_type = ? AND aggregate_id = ?", snapshot.AggregateType, snapshot.AggregateID).
		Row()
	if err := row.Scan(&latest); err != nil {
		return storageError("save snapshot", err)
	}
	if snapshot.Version > latest {
		return fmt.Errorf("snapshot version %d is ahead of stream version %d", snapshot.Version, latest)
	}

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	dbSnapshot := models.Snapshot{
		AggregateID:   snapshot.AggregateID,
		AggregateType: snapshot.AggregateType,
		Data:          snapshot.Data,
		Version:       snapshot.Version,
		SourceEventID: snapshot.SourceEventID,
		CreatedAt:     snapshot.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&dbSnapshot).Error; err != nil {
		return storageError("save snapshot", err)
	}

	log.Info().
		Str("aggregateID", snapshot.AggregateID).
		Str("aggregateType", snapshot.AggregateType).
		Int("version", snapshot.Version).
		Msg("Snapshot saved")

	return nil
}

// GetLatestSnapshot returns the most recent snapshot or nil
func (s *GormEventStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error) {
	var dbSnapshot models.Snapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_id = ? AND aggregate_type = ?", aggregateID, aggregateType).
		Order("version DESC").
		First(&dbSnapshot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storageError("get latest snapshot", err)
	}

	return &domain.Snapshot{
		AggregateID:   dbSnapshot.AggregateID,
		AggregateType: dbSnapshot.AggregateType,
		Data:          dbSnapshot.Data,
		Version:       dbSnapshot.Version,
		SourceEventID: dbSnapshot.SourceEventID,
		CreatedAt:     dbSnapshot.CreatedAt,
	}, nil
}

// GetEventsAfterSnapshot returns the latest snapshot and the events after it
func (s *GormEventStore) GetEventsAfterSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, []domain.Event, error) {
	snapshot, err := s.GetLatestSnapshot(ctx, aggregateID, aggregateType)
	if err != nil {
		return nil, nil, err
	}

	from := 1
	if snapshot != nil {
		from = snapshot.Version + 1
	}
	events, err := s.GetEvents(ctx, aggregateID, aggregateType, from)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, events, nil
}

// GetUnprocessedEvents gets events that haven't been processed yet
func (s *GormEventStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	var dbEvents []models.Event
	err := s.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(limit).
		Find(&dbEvents).Error
	if err != nil {
		return nil, storageError("get unprocessed events", err)
	}
	return toDomainEvents(dbEvents)
}

// MarkEventProcessed marks an event as processed. A non-nil processErr is
// recorded instead and the event stays in the queue.
func (s *GormEventStore) MarkEventProcessed(ctx context.Context, eventID string, processErr error) error {
	updates := map[string]interface{}{"processed": true, "error": nil}
	if processErr != nil {
		msg := processErr.Error()
		updates = map[string]interface{}{"error": &msg}
	}

	err := s.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("event_id = ?", eventID).
		Updates(updates).Error
	if err != nil {
		return storageError("mark event processed", err)
	}
	return nil
}

func toModelEvent(event *domain.Event, version int) (models.Event, error) {
	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to marshal event metadata: %w", err)
	}

	timestamp := event.Metadata.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now().UTC()
	}

	return models.Event{
		EventID:       event.ID,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.Type,
		EventVersion:  version,
		Data:          event.Data,
		Metadata:      metadata,
		TenantID:      event.Metadata.TenantID,
		CorrelationID: event.Metadata.CorrelationID,
		Timestamp:     timestamp,
		Processed:     false,
	}, nil
}

func toDomainEvent(dbEvent models.Event) (domain.Event, error) {
	var md domain.Metadata
	if len(dbEvent.Metadata) > 0 {
		if err := json.Unmarshal(dbEvent.Metadata, &md); err != nil {
			return domain.Event{}, fmt.Errorf("failed to unmarshal metadata of event %s: %w", dbEvent.EventID, err)
		}
	}
	if md.Timestamp.IsZero() {
		md.Timestamp = dbEvent.Timestamp
	}

	return domain.Event{
		ID:            dbEvent.EventID,
		AggregateID:   dbEvent.AggregateID,
		AggregateType: dbEvent.AggregateType,
		Type:          dbEvent.EventType,
		Version:       dbEvent.EventVersion,
		Data:          json.RawMessage(dbEvent.Data),
		Metadata:      md,
		CreatedAt:     dbEvent.CreatedAt,
	}, nil
}

func toDomainEvents(dbEvents []models.Event) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(dbEvents))
	for _, dbEvent := range dbEvents {
		event, err := toDomainEvent(dbEvent)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}
