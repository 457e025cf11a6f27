package models

import (
	"fmt"

	"gorm.io/gorm"
)

// SetupModels runs the schema migrations for every table the service owns
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&Event{},
		&Snapshot{},
		&SagaState{},
		&DeadLetterEntry{},
		&ReconciliationResult{},
	)
	if err != nil {
		return fmt.Errorf("failed to run auto migrations: %w", err)
	}

	return nil
}
