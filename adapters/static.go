package adapters

import (
	"context"

	"github.com/shardie-github/Settler-API-sub003/matching"
)

// StaticAdapter serves a fixed record set, filtered by the requested range.
// It backs the memory driver and tests.
type StaticAdapter struct {
	name    string
	records []matching.Record
}

// NewStaticAdapter creates an adapter over records
func NewStaticAdapter(name string, records []matching.Record) *StaticAdapter {
	return &StaticAdapter{name: name, records: records}
}

func (a *StaticAdapter) Name() string {
	return a.name
}

func (a *StaticAdapter) Fetch(ctx context.Context, req FetchRequest) ([]matching.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	records := make([]matching.Record, 0, len(a.records))
	for _, record := range a.records {
		if req.Range.From.IsZero() && req.Range.To.IsZero() || req.Range.Contains(record.Date) {
			records = append(records, record)
		}
	}
	return records, nil
}
