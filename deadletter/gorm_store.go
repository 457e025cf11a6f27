package deadletter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/shardie-github/Settler-API-sub003/models"
)

// GormStore persists entries in the dead_letter_entries table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM dead letter store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Insert(ctx context.Context, entry *Entry) error {
	row := toModel(entry)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrEntryExists
		}
		return fmt.Errorf("failed to insert dead letter entry: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*Entry, error) {
	var row models.DeadLetterEntry
	if err := s.db.WithContext(ctx).Where("entry_id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, fmt.Errorf("failed to load dead letter entry %s: %w", id, err)
	}
	entry := fromModel(row)
	return &entry, nil
}

func (s *GormStore) ListUnresolved(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	query := s.db.WithContext(ctx).Where("resolved_at IS NULL")
	if tenantID != "" {
		query = query.Where("tenant_id = ?", tenantID)
	}
	return s.list(query, limit)
}

func (s *GormStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]Entry, error) {
	return s.list(s.db.WithContext(ctx).Where("tenant_id = ?", tenantID), limit)
}

func (s *GormStore) list(query *gorm.DB, limit int) ([]Entry, error) {
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.DeadLetterEntry
	if err := query.Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letter entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, fromModel(row))
	}
	return entries, nil
}

func (s *GormStore) Resolve(ctx context.Context, id, notes string, at time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&models.DeadLetterEntry{}).
		Where("entry_id = ? AND resolved_at IS NULL", id).
		Updates(map[string]interface{}{
			"resolved_at":      at,
			"resolution_notes": notes,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to resolve dead letter entry %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func value(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toModel(entry *Entry) models.DeadLetterEntry {
	return models.DeadLetterEntry{
		EntryID:         entry.ID,
		SagaID:          optional(entry.SagaID),
		EventID:         optional(entry.EventID),
		ErrorType:       entry.ErrorType,
		ErrorMessage:    entry.ErrorMessage,
		ErrorStack:      optional(entry.ErrorStack),
		Payload:         entry.Payload,
		RetryCount:      entry.RetryCount,
		MaxRetries:      entry.MaxRetries,
		TenantID:        entry.TenantID,
		CorrelationID:   optional(entry.CorrelationID),
		CreatedAt:       entry.CreatedAt,
		ResolvedAt:      entry.ResolvedAt,
		ResolutionNotes: optional(entry.ResolutionNotes),
	}
}

func fromModel(row models.DeadLetterEntry) Entry {
	return Entry{
		ID:              row.EntryID,
		SagaID:          value(row.SagaID),
		EventID:         value(row.EventID),
		ErrorType:       row.ErrorType,
		ErrorMessage:    row.ErrorMessage,
		ErrorStack:      value(row.ErrorStack),
		Payload:         row.Payload,
		RetryCount:      row.RetryCount,
		MaxRetries:      row.MaxRetries,
		TenantID:        row.TenantID,
		CorrelationID:   value(row.CorrelationID),
		CreatedAt:       row.CreatedAt,
		ResolvedAt:      row.ResolvedAt,
		ResolutionNotes: value(row.ResolutionNotes),
	}
}
