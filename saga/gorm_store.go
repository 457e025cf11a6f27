package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shardie-github/Settler-API-sub003/models"
)

// GormStore persists saga state in the saga_states table
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM saga store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, state *State) error {
	row, err := toModel(state)
	if err != nil {
		return err
	}
	row.Revision = 1

	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrSagaExists
		}
		return fmt.Errorf("failed to create saga %s: %w", state.SagaID, err)
	}
	state.Revision = 1
	return nil
}

func (s *GormStore) Save(ctx context.Context, state *State) error {
	history, err := json.Marshal(state.StepHistory)
	if err != nil {
		return fmt.Errorf("failed to marshal step history: %w", err)
	}
	data, err := json.Marshal(state.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal saga data: %w", err)
	}

	var lastError *string
	if state.LastError != "" {
		lastError = &state.LastError
	}

	res := s.db.WithContext(ctx).
		Model(&models.SagaState{}).
		Where("saga_id = ? AND revision = ?", state.SagaID, state.Revision).
		Updates(map[string]interface{}{
			"current_step": state.CurrentStep,
			"step_history": history,
			"data":         data,
			"status":       string(state.Status),
			"attempt":      state.Attempt,
			"revision":     state.Revision + 1,
			"last_error":   lastError,
			"driver_id":    state.DriverID,
			"lease_until":  state.LeaseUntil,
			"updated_at":   state.UpdatedAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to save saga %s: %w", state.SagaID, res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, state.SagaID); err != nil {
			return err
		}
		return ErrStaleState
	}

	state.Revision++
	return nil
}

func (s *GormStore) Get(ctx context.Context, sagaID string) (*State, error) {
	var row models.SagaState
	err := s.db.WithContext(ctx).Where("saga_id = ?", sagaID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, fmt.Errorf("failed to load saga %s: %w", sagaID, err)
	}
	return fromModel(row)
}

func (s *GormStore) RequestCancel(ctx context.Context, sagaID string) error {
	return s.setCancel(ctx, sagaID, true)
}

func (s *GormStore) ClearCancel(ctx context.Context, sagaID string) error {
	return s.setCancel(ctx, sagaID, false)
}

func (s *GormStore) setCancel(ctx context.Context, sagaID string, value bool) error {
	res := s.db.WithContext(ctx).
		Model(&models.SagaState{}).
		Where("saga_id = ?", sagaID).
		UpdateColumn("cancel_requested", value)
	if res.Error != nil {
		return fmt.Errorf("failed to update cancel flag of saga %s: %w", sagaID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSagaNotFound
	}
	return nil
}

func (s *GormStore) List(ctx context.Context, filter ListFilter) ([]State, error) {
	query := s.db.WithContext(ctx).Model(&models.SagaState{})
	if filter.TenantID != "" {
		query = query.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.SagaType != "" {
		query = query.Where("saga_type = ?", filter.SagaType)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []models.SagaState
	if err := query.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list sagas: %w", err)
	}
	return fromModels(rows)
}

func (s *GormStore) ListStale(ctx context.Context, before time.Time, limit int) ([]State, error) {
	query := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", []string{string(StatusRunning), string(StatusCompensating)}, before).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []models.SagaState
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list stale sagas: %w", err)
	}
	return fromModels(rows)
}

func toModel(state *State) (models.SagaState, error) {
	history, err := json.Marshal(state.StepHistory)
	if err != nil {
		return models.SagaState{}, fmt.Errorf("failed to marshal step history: %w", err)
	}
	data, err := json.Marshal(state.Data)
	if err != nil {
		return models.SagaState{}, fmt.Errorf("failed to marshal saga data: %w", err)
	}

	row := models.SagaState{
		SagaID:          state.SagaID,
		SagaType:        state.SagaType,
		AggregateID:     state.AggregateID,
		CurrentStep:     state.CurrentStep,
		StepHistory:     history,
		Data:            data,
		CorrelationID:   state.CorrelationID,
		TenantID:        state.TenantID,
		Status:          string(state.Status),
		Attempt:         state.Attempt,
		Revision:        state.Revision,
		CancelRequested: state.CancelRequested,
		DriverID:        state.DriverID,
		LeaseUntil:      state.LeaseUntil,
		CreatedAt:       state.CreatedAt,
		UpdatedAt:       state.UpdatedAt,
	}
	if state.LastError != "" {
		row.LastError = &state.LastError
	}
	return row, nil
}

func fromModel(row models.SagaState) (*State, error) {
	state := &State{
		SagaID:          row.SagaID,
		SagaType:        row.SagaType,
		AggregateID:     row.AggregateID,
		CurrentStep:     row.CurrentStep,
		CorrelationID:   row.CorrelationID,
		TenantID:        row.TenantID,
		Status:          Status(row.Status),
		Attempt:         row.Attempt,
		Revision:        row.Revision,
		CancelRequested: row.CancelRequested,
		DriverID:        row.DriverID,
		LeaseUntil:      row.LeaseUntil,
		CreatedAt:       row.CreatedAt,
		UpdatedAt:       row.UpdatedAt,
	}
	if row.LastError != nil {
		state.LastError = *row.LastError
	}
	if len(row.StepHistory) > 0 {
		if err := json.Unmarshal(row.StepHistory, &state.StepHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal step history of saga %s: %w", row.SagaID, err)
		}
	}
	if len(row.Data) > 0 {
		if err := json.Unmarshal(row.Data, &state.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data of saga %s: %w", row.SagaID, err)
		}
	}
	return state, nil
}

func fromModels(rows []models.SagaState) ([]State, error) {
	states := make([]State, 0, len(rows))
	for _, row := range rows {
		state, err := fromModel(row)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, nil
}
