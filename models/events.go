package models

import (
	"time"
)

// Event represents a domain event in the database
type Event struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex;size:64" json:"event_id"`
	AggregateID   string    `gorm:"uniqueIndex:idx_events_stream_version,priority:2;index:idx_events_stream;size:128" json:"aggregate_id"`
	AggregateType string    `gorm:"uniqueIndex:idx_events_stream_version,priority:1;index:idx_events_stream;size:64" json:"aggregate_type"`
	EventType     string    `gorm:"index;size:128" json:"event_type"`
	EventVersion  int       `gorm:"uniqueIndex:idx_events_stream_version,priority:3" json:"event_version"`
	Data          []byte    `json:"data"`
	Metadata      []byte    `json:"metadata"`
	TenantID      string    `gorm:"index;size:128" json:"tenant_id"`
	CorrelationID string    `gorm:"index;size:128" json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Error         *string   `json:"error"`
	Processed     bool      `gorm:"index" json:"processed"`
}

// Snapshot represents an aggregate snapshot in the database
type Snapshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	AggregateID   string    `gorm:"index:idx_snapshots_stream;size:128" json:"aggregate_id"`
	AggregateType string    `gorm:"index:idx_snapshots_stream;size:64" json:"aggregate_type"`
	Data          []byte    `json:"data"`
	Version       int       `json:"version"`
	SourceEventID string    `gorm:"size:64" json:"source_event_id"`
	CreatedAt     time.Time `json:"created_at"`
}
