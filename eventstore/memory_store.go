package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shardie-github/Settler-API-sub003/domain"
)

type memoryRecord struct {
	event     domain.Event
	processed bool
	err       string
}

// MemoryEventStore is an in-process EventStore used by tests and the
// single-node development mode
type MemoryEventStore struct {
	mu        sync.RWMutex
	log       []*memoryRecord
	byID      map[string]*memoryRecord
	streams   map[string][]*memoryRecord
	snapshots map[string][]domain.Snapshot
	now       func() time.Time
}

// NewMemoryEventStore creates an empty in-memory store
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		byID:      make(map[string]*memoryRecord),
		streams:   make(map[string][]*memoryRecord),
		snapshots: make(map[string][]domain.Snapshot),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Append appends a single event
func (s *MemoryEventStore) Append(ctx context.Context, event *domain.Event) (domain.Event, error) {
	stored, err := s.AppendMany(ctx, []*domain.Event{event})
	if err != nil {
		return domain.Event{}, err
	}
	return stored[0], nil
}

// AppendMany validates the whole batch before writing anything
func (s *MemoryEventStore) AppendMany(ctx context.Context, events []*domain.Event) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	for _, event := range events {
		if err := validateEvent(event); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	latest := make(map[string]int)
	pending := make(map[string]*memoryRecord)
	stored := make([]domain.Event, 0, len(events))
	var staged []*memoryRecord

	for _, event := range events {
		if prior, ok := s.byID[event.ID]; ok {
			stored = append(stored, prior.event)
			continue
		}
		if prior, ok := pending[event.ID]; ok {
			stored = append(stored, prior.event)
			continue
		}

		key := streamKey(event.AggregateType, event.AggregateID)
		current, ok := latest[key]
		if !ok {
			current = len(s.streams[key])
		}
		version := current + 1
		if event.Version != 0 && event.Version != version {
			return nil, &ConflictError{
				AggregateID:     event.AggregateID,
				AggregateType:   event.AggregateType,
				ExpectedVersion: event.Version,
				ActualVersion:   current,
			}
		}

		appended := *event
		appended.Version = version
		appended.Data = append([]byte(nil), event.Data...)
		appended.CreatedAt = s.now()
		if appended.Metadata.Timestamp.IsZero() {
			appended.Metadata.Timestamp = appended.CreatedAt
		}

		record := &memoryRecord{event: appended}
		pending[event.ID] = record
		staged = append(staged, record)
		latest[key] = version
		stored = append(stored, appended)
	}

	for _, record := range staged {
		key := streamKey(record.event.AggregateType, record.event.AggregateID)
		s.streams[key] = append(s.streams[key], record)
		s.byID[record.event.ID] = record
		s.log = append(s.log, record)
	}

	return stored, nil
}

// GetEvents returns an aggregate's events from a version onwards
func (s *MemoryEventStore) GetEvents(ctx context.Context, aggregateID, aggregateType string, fromVersion int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []domain.Event
	for _, record := range s.streams[streamKey(aggregateType, aggregateID)] {
		if record.event.Version >= fromVersion {
			events = append(events, record.event)
		}
	}
	return events, nil
}

// GetEventsByType returns events of a type in append order
func (s *MemoryEventStore) GetEventsByType(ctx context.Context, eventType string, limit int) ([]domain.Event, error) {
	return s.filter(limit, func(e domain.Event) bool { return e.Type == eventType }), nil
}

// GetEventsByCorrelationID returns all events sharing a correlation id
func (s *MemoryEventStore) GetEventsByCorrelationID(ctx context.Context, correlationID string) ([]domain.Event, error) {
	return s.filter(0, func(e domain.Event) bool { return e.Metadata.CorrelationID == correlationID }), nil
}

func (s *MemoryEventStore) filter(limit int, keep func(domain.Event) bool) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []domain.Event
	for _, record := range s.log {
		if !keep(record.event) {
			continue
		}
		events = append(events, record.event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events
}

// SaveSnapshot stores a snapshot no newer than the stream
func (s *MemoryEventStore) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error {
	if err := validateSnapshot(snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := streamKey(snapshot.AggregateType, snapshot.AggregateID)
	if latest := len(s.streams[key]); snapshot.Version > latest {
		return fmt.Errorf("snapshot version %d is ahead of stream version %d", snapshot.Version, latest)
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = s.now()
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)

	snaps := append(s.snapshots[key], snapshot)
	sort.SliceStable(snaps, func(i, j int) bool { return snaps[i].Version < snaps[j].Version })
	s.snapshots[key] = snaps
	return nil
}

// GetLatestSnapshot returns the most recent snapshot or nil
func (s *MemoryEventStore) GetLatestSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snaps := s.snapshots[streamKey(aggregateType, aggregateID)]
	if len(snaps) == 0 {
		return nil, nil
	}
	latest := snaps[len(snaps)-1]
	return &latest, nil
}

// GetEventsAfterSnapshot returns the latest snapshot and the events after it
func (s *MemoryEventStore) GetEventsAfterSnapshot(ctx context.Context, aggregateID, aggregateType string) (*domain.Snapshot, []domain.Event, error) {
	snapshot, _ := s.GetLatestSnapshot(ctx, aggregateID, aggregateType)
	from := 1
	if snapshot != nil {
		from = snapshot.Version + 1
	}
	events, _ := s.GetEvents(ctx, aggregateID, aggregateType, from)
	return snapshot, events, nil
}

// GetUnprocessedEvents gets events that haven't been processed yet
func (s *MemoryEventStore) GetUnprocessedEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []domain.Event
	for _, record := range s.log {
		if record.processed {
			continue
		}
		events = append(events, record.event)
		if limit > 0 && len(events) == limit {
			break
		}
	}
	return events, nil
}

// MarkEventProcessed marks an event as processed or records its error
func (s *MemoryEventStore) MarkEventProcessed(ctx context.Context, eventID string, processErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.byID[eventID]
	if !ok {
		return fmt.Errorf("event %s not found", eventID)
	}
	if processErr != nil {
		record.err = processErr.Error()
		return nil
	}
	record.processed = true
	record.err = ""
	return nil
}
