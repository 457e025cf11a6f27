package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/adapters"
	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/matching"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

// fetchStep loads one side's records through the provider's guard. It is
// read-only and has nothing to compensate.
type fetchStep struct {
	w    *Workflow
	name string
	side string
}

func (s *fetchStep) Name() string { return s.name }

func (s *fetchStep) Policy() saga.StepPolicy {
	return saga.StepPolicy{Timeout: s.w.stepTimeout, Retryable: true, MaxRetries: s.w.fetchRetries}
}

func (s *fetchStep) Execute(ctx context.Context, exec *saga.Execution) error {
	data, err := decodeRun(exec)
	if err != nil {
		return err
	}

	provider := data.SourceProvider
	eventType := domain.SourceRecordsFetched
	if s.side == matching.SideTarget {
		provider = data.TargetProvider
		eventType = domain.TargetRecordsFetched
	}

	adapter, err := s.w.adapters.Get(provider)
	if err != nil {
		return saga.Permanent(err)
	}

	start := time.Now()
	var records []matching.Record
	err = s.w.guards.For(provider).Execute(ctx, func(ctx context.Context) error {
		fetched, err := adapter.Fetch(ctx, adapters.FetchRequest{
			Range:    data.Range,
			TenantID: exec.TenantID,
			Config:   data.ProviderConfig[provider],
		})
		if err != nil {
			return err
		}
		records = fetched
		return nil
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	s.w.metrics.IncrementCounter(metrics.ProviderFetches)

	event, err := exec.NewEventWithID(eventID(exec.SagaID, exec.Attempt, "fetched", s.side),
		domain.ReconciliationAggregate, eventType, domain.RecordsFetchedEvent{
			Provider:   provider,
			Side:       s.side,
			Count:      len(records),
			DurationMs: elapsed.Milliseconds(),
			From:       data.Range.From,
			To:         data.Range.To,
		})
	if err != nil {
		return saga.Permanent(err)
	}
	if _, err := exec.Append(ctx, event); err != nil {
		return err
	}

	log.Info().
		Str("saga_id", exec.SagaID).
		Str("aggregate_id", exec.AggregateID).
		Str("provider", provider).
		Str("side", s.side).
		Int("records", len(records)).
		Dur("duration", elapsed).
		Msg("Fetched provider records")

	if s.side == matching.SideSource {
		data.SourceRecords = records
	} else {
		data.TargetRecords = records
	}
	return encodeRun(exec, data)
}

// matchStep runs the matching engine and appends one event per decision in a
// single batch. Event ids are derived from the saga attempt and record id so
// re-running the step within an attempt appends nothing new.
type matchStep struct {
	w *Workflow
}

func (s *matchStep) Name() string { return StepPerformMatching }

func (s *matchStep) Policy() saga.StepPolicy {
	return saga.StepPolicy{Timeout: s.w.stepTimeout, Retryable: false}
}

func (s *matchStep) Execute(ctx context.Context, exec *saga.Execution) error {
	data, err := decodeRun(exec)
	if err != nil {
		return err
	}

	engine, err := matching.NewEngine(data.Matching)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := engine.Match(data.SourceRecords, data.TargetRecords)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	events := make([]*domain.Event, 0, len(result.Matches)+len(result.UnmatchedSource)+len(result.UnmatchedTarget)+1)
	add := func(id, eventType string, payload interface{}) error {
		event, err := exec.NewEventWithID(id, domain.ReconciliationAggregate, eventType, payload)
		if err != nil {
			return err
		}
		events = append(events, event)
		return nil
	}

	for _, m := range result.Matches {
		if err := add(eventID(exec.SagaID, exec.Attempt, "matched", m.SourceID), domain.RecordMatched, domain.RecordMatchedEvent{
			SourceID:   m.SourceID,
			TargetID:   m.TargetID,
			Confidence: m.Confidence,
			MatchedOn:  m.MatchedOn,
			Amount:     m.Amount,
			Currency:   m.Currency,
			Attempt:    exec.Attempt,
		}); err != nil {
			return saga.Permanent(err)
		}
	}
	for _, u := range append(append([]matching.Unmatched(nil), result.UnmatchedSource...), result.UnmatchedTarget...) {
		if err := add(eventID(exec.SagaID, exec.Attempt, "unmatched", u.Side, u.Record.ID), domain.RecordUnmatched, domain.RecordUnmatchedEvent{
			RecordID: u.Record.ID,
			Side:     u.Side,
			Reason:   u.Reason,
			Amount:   u.Record.Amount,
			Currency: u.Record.Currency,
			Attempt:  exec.Attempt,
		}); err != nil {
			return saga.Permanent(err)
		}
	}

	summary := Summary{
		AggregateID:     exec.AggregateID,
		SagaID:          exec.SagaID,
		TenantID:        exec.TenantID,
		CorrelationID:   exec.CorrelationID,
		SourceProvider:  data.SourceProvider,
		TargetProvider:  data.TargetProvider,
		Matched:         len(result.Matches),
		UnmatchedSource: len(result.UnmatchedSource),
		UnmatchedTarget: len(result.UnmatchedTarget),
		MatchRate:       result.MatchRate(),
		From:            data.Range.From,
		To:              data.Range.To,
	}
	if err := add(eventID(exec.SagaID, exec.Attempt, "matching_completed"), domain.MatchingCompleted, domain.MatchingCompletedEvent{
		Matched:         summary.Matched,
		UnmatchedSource: summary.UnmatchedSource,
		UnmatchedTarget: summary.UnmatchedTarget,
		MatchRate:       summary.MatchRate,
		DurationMs:      elapsed.Milliseconds(),
		Attempt:         exec.Attempt,
	}); err != nil {
		return saga.Permanent(err)
	}

	if _, err := exec.Append(ctx, events...); err != nil {
		return err
	}

	s.w.metrics.IncrementCounterBy(metrics.RecordsMatched, int64(summary.Matched))
	s.w.metrics.IncrementCounterBy(metrics.RecordsUnmatched, int64(summary.UnmatchedSource+summary.UnmatchedTarget))

	log.Info().
		Str("saga_id", exec.SagaID).
		Str("aggregate_id", exec.AggregateID).
		Int("matched", summary.Matched).
		Int("unmatched_source", summary.UnmatchedSource).
		Int("unmatched_target", summary.UnmatchedTarget).
		Float64("match_rate", summary.MatchRate).
		Msg("Matching completed")

	data.Summary = &summary
	return encodeRun(exec, data)
}

// Compensate voids the attempt's matching decisions in the run's history
func (s *matchStep) Compensate(ctx context.Context, exec *saga.Execution) error {
	event, err := exec.NewEventWithID(eventID(exec.SagaID, exec.Attempt, "voided"),
		domain.ReconciliationAggregate, domain.MatchingResultsVoided, domain.MatchingResultsVoidedEvent{
			Attempt: exec.Attempt,
			Reason:  "saga compensation",
		})
	if err != nil {
		return err
	}
	_, err = exec.Append(ctx, event)
	return err
}

// persistStep projects the summary into every configured read model
type persistStep struct {
	w *Workflow
}

func (s *persistStep) Name() string { return StepPersistResults }

func (s *persistStep) Policy() saga.StepPolicy {
	return saga.StepPolicy{Timeout: s.w.stepTimeout, Retryable: true, MaxRetries: defaultPersistRetry}
}

func (s *persistStep) Execute(ctx context.Context, exec *saga.Execution) error {
	data, err := decodeRun(exec)
	if err != nil {
		return err
	}
	if data.Summary == nil {
		return saga.Permanent(errors.New("no matching summary to persist"))
	}

	names := make([]string, 0, len(s.w.projectors))
	for _, p := range s.w.projectors {
		if err := p.Project(ctx, *data.Summary); err != nil {
			return fmt.Errorf("projection %s failed: %w", p.Name(), err)
		}
		names = append(names, p.Name())
	}

	event, err := exec.NewEventWithID(eventID(exec.SagaID, exec.Attempt, "persisted"),
		domain.ReconciliationAggregate, domain.ResultsPersisted, domain.ResultsPersistedEvent{Projections: names})
	if err != nil {
		return saga.Permanent(err)
	}
	if _, err := exec.Append(ctx, event); err != nil {
		return err
	}

	data.Projections = names
	return encodeRun(exec, data)
}

// Compensate removes the projected rows and documents
func (s *persistStep) Compensate(ctx context.Context, exec *saga.Execution) error {
	var errs []error
	names := make([]string, 0, len(s.w.projectors))
	for _, p := range s.w.projectors {
		if err := p.Retract(ctx, exec.AggregateID); err != nil {
			errs = append(errs, fmt.Errorf("retract %s: %w", p.Name(), err))
			continue
		}
		names = append(names, p.Name())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	event, err := exec.NewEventWithID(eventID(exec.SagaID, exec.Attempt, "retracted"),
		domain.ReconciliationAggregate, domain.ResultsRetracted, domain.ResultsRetractedEvent{Projections: names})
	if err != nil {
		return err
	}
	_, err = exec.Append(ctx, event)
	return err
}

// notifyStep fans the summary out to the requested targets. It is optional:
// after its retries the saga completes regardless.
type notifyStep struct {
	w *Workflow
}

func (s *notifyStep) Name() string { return StepNotify }

func (s *notifyStep) Policy() saga.StepPolicy {
	return saga.StepPolicy{Timeout: s.w.stepTimeout, Retryable: true, MaxRetries: defaultNotifyRetries, Optional: true}
}

func (s *notifyStep) Execute(ctx context.Context, exec *saga.Execution) error {
	data, err := decodeRun(exec)
	if err != nil {
		return err
	}
	if data.Summary == nil {
		return saga.Permanent(errors.New("no matching summary to notify"))
	}

	targets := data.NotifyTargets
	if len(targets) == 0 {
		for name := range s.w.notifiers {
			targets = append(targets, name)
		}
		sort.Strings(targets)
	}
	if len(targets) == 0 {
		return nil
	}

	sent, err := s.delivered(ctx, exec)
	if err != nil {
		return err
	}

	dispatched := domain.NotificationsDispatchedEvent{}
	for _, target := range targets {
		if sent[target] {
			continue
		}
		notifier, ok := s.w.notifiers[target]
		if !ok {
			if dispatched.Failed == nil {
				dispatched.Failed = map[string]string{}
			}
			dispatched.Failed[target] = "unknown notification target"
			continue
		}
		if err := notifier.Notify(ctx, *data.Summary); err != nil {
			if dispatched.Failed == nil {
				dispatched.Failed = map[string]string{}
			}
			dispatched.Failed[target] = err.Error()
			log.Warn().Err(err).
				Str("saga_id", exec.SagaID).
				Str("target", target).
				Int("step_attempt", exec.StepAttempt).
				Msg("Notification failed")
			continue
		}
		dispatched.Delivered = append(dispatched.Delivered, target)
		s.w.metrics.IncrementCounter(metrics.NotificationsSent)
	}

	event, err := exec.NewEventWithID(eventID(exec.SagaID, exec.Attempt, "notified", fmt.Sprint(exec.StepAttempt)),
		domain.ReconciliationAggregate, domain.NotificationsDispatched, dispatched)
	if err != nil {
		return saga.Permanent(err)
	}
	if _, err := exec.Append(ctx, event); err != nil {
		return err
	}

	if len(dispatched.Failed) > 0 {
		return fmt.Errorf("%d of %d notifications failed", len(dispatched.Failed), len(targets))
	}
	var notified []string
	for _, target := range targets {
		if sent[target] || contains(dispatched.Delivered, target) {
			notified = append(notified, target)
		}
	}
	data.Notified = notified
	return encodeRun(exec, data)
}

// delivered collects the targets earlier attempts of this step reached
// within the current saga attempt
func (s *notifyStep) delivered(ctx context.Context, exec *saga.Execution) (map[string]bool, error) {
	sent := map[string]bool{}
	if exec.StepAttempt <= 1 {
		return sent, nil
	}

	earlier := make(map[string]bool, exec.StepAttempt-1)
	for attempt := 1; attempt < exec.StepAttempt; attempt++ {
		earlier[eventID(exec.SagaID, exec.Attempt, "notified", fmt.Sprint(attempt))] = true
	}

	events, err := exec.Events().GetEvents(ctx, exec.AggregateID, domain.ReconciliationAggregate, 1)
	if err != nil {
		return nil, err
	}
	for _, event := range events {
		if event.Type != domain.NotificationsDispatched || !earlier[event.ID] {
			continue
		}
		var dispatched domain.NotificationsDispatchedEvent
		if err := event.Decode(&dispatched); err != nil {
			return nil, saga.Permanent(err)
		}
		for _, target := range dispatched.Delivered {
			sent[target] = true
		}
	}
	return sent, nil
}

func contains(values []string, value string) bool {
	for _, v := range values {
		if v == value {
			return true
		}
	}
	return false
}
