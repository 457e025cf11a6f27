package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/deadletter"
	"github.com/shardie-github/Settler-API-sub003/domain"
	"github.com/shardie-github/Settler-API-sub003/eventstore"
	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/internal/tracing"
	"github.com/shardie-github/Settler-API-sub003/resilience"
)

const (
	defaultStepTimeout = 30 * time.Second
	defaultStepGrace   = 5 * time.Second
	leaseMargin        = 10 * time.Second
	staleSweepLimit    = 100
	onCompleteStep     = "on_complete"
)

var errCancelRequested = errors.New("saga cancel requested")

// DeadLetters receives failures that need an operator
type DeadLetters interface {
	AddEntry(ctx context.Context, entry deadletter.Entry) (*deadletter.Entry, error)
}

// Metrics is the subset of metrics.Metrics the orchestrator records into
type Metrics interface {
	IncrementCounter(name string)
	AddGauge(name string, delta int64)
	RecordTimer(name string, durationMs int64)
}

// Options configures an Orchestrator. Store and Events are required.
type Options struct {
	Store       Store
	Events      eventstore.EventStore
	DeadLetters DeadLetters
	Metrics     Metrics
	Tracer      tracing.Tracer
	// Backoff paces step retries; only its delay settings are used, the step policy bounds attempts
	Backoff            resilience.Policy
	DefaultStepTimeout time.Duration
	// StepGrace is how long a timed-out attempt may take to return before
	// the step is given up instead of retried
	StepGrace time.Duration
	// DriverID identifies this process in saga leases; defaults to a random id
	DriverID string
	Now      func() time.Time
}

// StartInput describes a new saga instance
type StartInput struct {
	SagaType    string
	AggregateID string
	TenantID    string
	// CorrelationID defaults to the saga id
	CorrelationID string
	// SagaID defaults to a random uuid
	SagaID string
	Data   Data
}

// RunOption changes how a start, resume or retry is driven
type RunOption func(*runOptions)

type runOptions struct {
	background bool
}

// InBackground returns as soon as the saga state is persisted and drives it
// on a goroutine owned by the orchestrator
func InBackground() RunOption {
	return func(o *runOptions) { o.background = true }
}

// Orchestrator owns the saga type registry and drives saga instances
type Orchestrator struct {
	store          Store
	events         eventstore.EventStore
	deadLetters    DeadLetters
	metrics        Metrics
	tracer         tracing.Tracer
	backoff        resilience.Policy
	defaultTimeout time.Duration
	stepGrace      time.Duration
	driverID       string
	now            func() time.Time

	mu          sync.RWMutex
	definitions map[string]*Definition

	runMu   sync.Mutex
	running map[string]struct{}

	wg         sync.WaitGroup
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewOrchestrator creates a new orchestrator
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewMetrics()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracing.Disabled()
	}
	if opts.Backoff.MinDelay <= 0 {
		opts.Backoff = resilience.DefaultPolicy()
	}
	if opts.DefaultStepTimeout <= 0 {
		opts.DefaultStepTimeout = defaultStepTimeout
	}
	if opts.StepGrace <= 0 {
		opts.StepGrace = defaultStepGrace
	}
	if opts.DriverID == "" {
		opts.DriverID = uuid.New().String()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:          opts.Store,
		events:         opts.Events,
		deadLetters:    opts.DeadLetters,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		backoff:        opts.Backoff,
		defaultTimeout: opts.DefaultStepTimeout,
		stepGrace:      opts.StepGrace,
		driverID:       opts.DriverID,
		now:            opts.Now,
		definitions:    make(map[string]*Definition),
		running:        make(map[string]struct{}),
		baseCtx:        baseCtx,
		cancelBase:     cancel,
	}
}

// RegisterSaga adds or replaces a saga definition
func (o *Orchestrator) RegisterSaga(def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}

	def.leaseHold = o.holdFor(&def)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.definitions[def.Type] = &def

	log.Info().Str("saga_type", def.Type).Int("steps", len(def.Steps)).Msg("Registered saga")
	return nil
}

// holdFor is how long one lease refresh must last: the longest thing a
// driver does between two saves is a step attempt, its grace and a backoff
func (o *Orchestrator) holdFor(def *Definition) time.Duration {
	longest := o.defaultTimeout
	for _, step := range def.Steps {
		if t := step.Policy().Timeout; t > longest {
			longest = t
		}
	}
	if o.backoff.MaxDelay > longest {
		longest = o.backoff.MaxDelay
	}
	return longest + o.stepGrace + leaseMargin
}

func (o *Orchestrator) definition(sagaType string) (*Definition, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	def, ok := o.definitions[sagaType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, sagaType)
	}
	return def, nil
}

// StartSaga persists a new Running saga and drives it. Without InBackground
// it returns the terminal state; a saga that failed is reported through its
// Status, not the error.
func (o *Orchestrator) StartSaga(ctx context.Context, input StartInput, opts ...RunOption) (*State, error) {
	def, err := o.definition(input.SagaType)
	if err != nil {
		return nil, err
	}
	if input.AggregateID == "" {
		return nil, fmt.Errorf("aggregate id is required")
	}
	if input.TenantID == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	data := input.Data.Clone()
	if data.Schema == "" {
		data.Schema = def.Type
	}
	if data.Schema != def.Type {
		return nil, fmt.Errorf("saga data schema %s does not match saga type %s", data.Schema, def.Type)
	}
	if data.Version == 0 {
		data.Version = def.DataVersion
	}

	sagaID := input.SagaID
	if sagaID == "" {
		sagaID = uuid.New().String()
	}
	correlationID := input.CorrelationID
	if correlationID == "" {
		correlationID = sagaID
	}

	now := o.now()
	state := &State{
		SagaID:        sagaID,
		SagaType:      def.Type,
		AggregateID:   input.AggregateID,
		CurrentStep:   def.Steps[0].Name(),
		Data:          data,
		CorrelationID: correlationID,
		TenantID:      input.TenantID,
		Status:        StatusRunning,
		Attempt:       1,
		DriverID:      o.driverID,
		LeaseUntil:    now.Add(def.leaseHold),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := o.store.Create(ctx, state); err != nil {
		return nil, err
	}
	if !o.claim(sagaID) {
		return nil, ErrSagaAlreadyRunning
	}

	o.metrics.IncrementCounter(metrics.SagaStarted)
	sagaLog(log.Info(), state).Msg("Saga started")
	o.appendLifecycle(ctx, state, domain.SagaStarted, domain.SagaStartedEvent{
		SagaType:    state.SagaType,
		AggregateID: state.AggregateID,
		Attempt:     state.Attempt,
		FirstStep:   state.CurrentStep,
	})

	return o.run(ctx, def, state, opts)
}

// Go starts a saga and drives it in the background
func (o *Orchestrator) Go(ctx context.Context, input StartInput) (*State, error) {
	return o.StartSaga(ctx, input, InBackground())
}

// ResumeSaga continues a non-terminal saga from its current step. It is how
// crashed or abandoned sagas are recovered.
func (o *Orchestrator) ResumeSaga(ctx context.Context, sagaID string, opts ...RunOption) (*State, error) {
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, state.Status)
	}
	def, err := o.definition(state.SagaType)
	if err != nil {
		return nil, err
	}
	if state.Status == StatusRunning && def.stepIndex(state.CurrentStep) < 0 {
		return nil, fmt.Errorf("saga %s is at unknown step %s", sagaID, state.CurrentStep)
	}
	if !o.claim(sagaID) {
		return nil, ErrSagaAlreadyRunning
	}
	if err := o.acquire(ctx, state); err != nil {
		o.release(sagaID)
		return nil, err
	}

	sagaLog(log.Info(), state).Msg("Resuming saga")
	return o.run(ctx, def, state, opts)
}

// RetrySaga re-runs a Failed or Cancelled saga from its first step under a
// new attempt number. History of earlier attempts is kept.
func (o *Orchestrator) RetrySaga(ctx context.Context, sagaID string, opts ...RunOption) (*State, error) {
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status != StatusFailed && state.Status != StatusCancelled {
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaNotRetryable, sagaID, state.Status)
	}
	def, err := o.definition(state.SagaType)
	if err != nil {
		return nil, err
	}
	if !o.claim(sagaID) {
		return nil, ErrSagaAlreadyRunning
	}

	if err := o.store.ClearCancel(ctx, sagaID); err != nil {
		o.release(sagaID)
		return nil, err
	}
	state.CancelRequested = false
	state.Attempt++
	state.Status = StatusRunning
	state.CurrentStep = def.Steps[0].Name()
	state.LastError = ""
	if err := o.acquire(ctx, state); err != nil {
		o.release(sagaID)
		return nil, err
	}

	o.metrics.IncrementCounter(metrics.SagaStarted)
	sagaLog(log.Info(), state).Msg("Retrying saga")
	o.appendLifecycle(ctx, state, domain.SagaStarted, domain.SagaStartedEvent{
		SagaType:    state.SagaType,
		AggregateID: state.AggregateID,
		Attempt:     state.Attempt,
		FirstStep:   state.CurrentStep,
	})

	return o.run(ctx, def, state, opts)
}

// CancelSaga requests cooperative cancellation. A saga with a live driver, in
// this process or another, stops at its driver's next step boundary. Only an
// orphaned saga, whose lease has expired, is compensated inline.
func (o *Orchestrator) CancelSaga(ctx context.Context, sagaID string) (*State, error) {
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if state.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, state.Status)
	}
	if err := o.store.RequestCancel(ctx, sagaID); err != nil {
		return nil, err
	}
	state.CancelRequested = true
	sagaLog(log.Info(), state).Msg("Saga cancel requested")

	if !o.claim(sagaID) {
		return state, nil
	}
	def, err := o.definition(state.SagaType)
	if err != nil {
		o.release(sagaID)
		return nil, err
	}
	if err := o.acquire(ctx, state); err != nil {
		o.release(sagaID)
		if errors.Is(err, ErrSagaAlreadyRunning) {
			sagaLog(log.Debug(), state).Str("driver_id", state.DriverID).Msg("Saga driven elsewhere, left to its driver")
			return state, nil
		}
		return nil, err
	}
	return o.drive(ctx, def, state)
}

// GetSagaStatus returns a saga's state. sagaType may be empty.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID, sagaType string) (*State, error) {
	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if sagaType != "" && state.SagaType != sagaType {
		return nil, ErrSagaNotFound
	}
	return state, nil
}

// ListSagas returns sagas matching filter
func (o *Orchestrator) ListSagas(ctx context.Context, filter ListFilter) ([]State, error) {
	return o.store.List(ctx, filter)
}

// SweepStale resumes non-terminal sagas idle for longer than olderThan that
// this process is not driving. It returns how many were resumed.
func (o *Orchestrator) SweepStale(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := o.store.ListStale(ctx, o.now().Add(-olderThan), staleSweepLimit)
	if err != nil {
		return 0, err
	}

	resumed := 0
	now := o.now()
	for _, state := range stale {
		if o.isRunning(state.SagaID) || state.Leased(o.driverID, now) {
			continue
		}
		if _, err := o.ResumeSaga(ctx, state.SagaID, InBackground()); err != nil {
			sagaLog(log.Warn(), &state).Err(err).Msg("Failed to resume stale saga")
			continue
		}
		o.metrics.IncrementCounter(metrics.StaleSagasResumed)
		resumed++
	}

	if resumed > 0 {
		log.Info().Int("resumed", resumed).Msg("Resumed stale sagas")
	}
	return resumed, nil
}

// Shutdown waits for background drives. If ctx ends first, in-flight sagas
// are interrupted and left for SweepStale.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.cancelBase()
		return nil
	case <-ctx.Done():
		o.cancelBase()
		<-done
		return ctx.Err()
	}
}

func (o *Orchestrator) run(ctx context.Context, def *Definition, state *State, opts []RunOption) (*State, error) {
	var ro runOptions
	for _, opt := range opts {
		opt(&ro)
	}

	if !ro.background {
		return o.drive(ctx, def, state)
	}

	snapshot := state.Clone()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.drive(o.baseCtx, def, state); err != nil {
			sagaLog(log.Error(), state).Err(err).Msg("Background saga drive stopped")
		}
	}()
	return &snapshot, nil
}

func (o *Orchestrator) claim(sagaID string) bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if _, ok := o.running[sagaID]; ok {
		return false
	}
	o.running[sagaID] = struct{}{}
	return true
}

// acquire takes the saga's persisted lease for this process. A live lease of
// another driver, or another writer saving first, means the saga is driven
// elsewhere.
func (o *Orchestrator) acquire(ctx context.Context, state *State) error {
	if state.Leased(o.driverID, o.now()) {
		return ErrSagaAlreadyRunning
	}
	if err := o.save(ctx, state); err != nil {
		if errors.Is(err, ErrStaleState) {
			return ErrSagaAlreadyRunning
		}
		return err
	}
	return nil
}

func (o *Orchestrator) release(sagaID string) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	delete(o.running, sagaID)
}

func (o *Orchestrator) isRunning(sagaID string) bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	_, ok := o.running[sagaID]
	return ok
}

// drive moves a claimed saga towards a terminal state. An error means the
// drive was abandoned (lost CAS race, storage failure or shutdown) and the
// saga is left non-terminal.
func (o *Orchestrator) drive(ctx context.Context, def *Definition, state *State) (*State, error) {
	defer o.release(state.SagaID)

	txn := o.tracer.StartTransaction("saga/" + state.SagaType)
	defer o.tracer.EndTransaction(txn)
	o.tracer.AddAttribute(txn, "saga_id", state.SagaID)
	o.tracer.AddAttribute(txn, "tenant_id", state.TenantID)

	o.metrics.AddGauge(metrics.ActiveSagas, 1)
	defer o.metrics.AddGauge(metrics.ActiveSagas, -1)

	start := o.now()
	final, err := o.advance(ctx, txn, def, state)
	if err != nil {
		o.tracer.RecordError(txn, err)
		if errors.Is(err, ErrStaleState) {
			sagaLog(log.Warn(), state).Msg("Saga state changed underneath the driver, abandoning")
		}
		return nil, err
	}
	o.metrics.RecordTimer(metrics.SagaRunDuration, o.now().Sub(start).Milliseconds())
	return final, nil
}

func (o *Orchestrator) advance(ctx context.Context, txn *newrelic.Transaction, def *Definition, state *State) (*State, error) {
	if state.Status == StatusCompensating {
		var cause error
		if state.LastError != "" {
			cause = errors.New(state.LastError)
		}
		return o.finishCompensation(ctx, def, state, state.CurrentStep, cause)
	}
	if state.CancelRequested {
		return o.cancel(ctx, def, state)
	}

	for i := o.resumeIndex(def, state); i < len(def.Steps); i++ {
		step := def.Steps[i]

		cancelled, err := o.cancelRequested(ctx, state)
		if err != nil {
			return nil, err
		}
		if cancelled {
			return o.cancel(ctx, def, state)
		}

		if state.CurrentStep != step.Name() {
			state.CurrentStep = step.Name()
			if err := o.save(ctx, state); err != nil {
				return nil, err
			}
		}

		err = o.runStep(ctx, txn, def, state, step)
		switch {
		case err == nil:
			continue
		case errors.Is(err, errCancelRequested):
			return o.cancel(ctx, def, state)
		case errors.Is(err, ErrStaleState), ctx.Err() != nil:
			return nil, err
		case step.Policy().Optional:
			sagaLog(log.Warn(), state).Err(err).Str("step", step.Name()).Msg("Optional saga step failed, continuing")
			continue
		default:
			return o.fail(ctx, def, state, step.Name(), err)
		}
	}

	cancelled, err := o.cancelRequested(ctx, state)
	if err != nil {
		return nil, err
	}
	if cancelled {
		return o.cancel(ctx, def, state)
	}

	if def.OnComplete != nil {
		if err := def.OnComplete(ctx, state.Clone()); err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			return o.fail(ctx, def, state, onCompleteStep, err)
		}
	}

	state.Status = StatusCompleted
	state.LastError = ""
	if err := o.save(ctx, state); err != nil {
		return nil, err
	}

	o.metrics.IncrementCounter(metrics.SagaCompleted)
	sagaLog(log.Info(), state).Msg("Saga completed")
	o.appendLifecycle(ctx, state, domain.SagaCompleted, domain.SagaCompletedEvent{
		SagaType: state.SagaType,
		Attempt:  state.Attempt,
	})
	return state, nil
}

// resumeIndex is the first step still to run in the current attempt
func (o *Orchestrator) resumeIndex(def *Definition, state *State) int {
	i := def.stepIndex(state.CurrentStep)
	if i < 0 {
		return 0
	}

	history := state.attemptHistory()
	for j := len(history) - 1; j >= 0; j-- {
		entry := history[j]
		if entry.Step != state.CurrentStep {
			continue
		}
		if entry.Status == StepCompleted {
			return i + 1
		}
		if entry.Status == StepFailed && def.Steps[i].Policy().Optional &&
			entry.StepAttempt > def.Steps[i].Policy().MaxRetries {
			return i + 1
		}
		break
	}
	return i
}

// runStep executes one step with its retry policy. It returns nil on success
// and the last error once the step cannot be retried.
func (o *Orchestrator) runStep(ctx context.Context, txn *newrelic.Transaction, def *Definition, state *State, step Step) error {
	policy := step.Policy()
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = o.defaultTimeout
	}

	stepAttempt := state.stepAttempts(step.Name())
	var delay time.Duration
	for {
		stepAttempt++
		state.record(step.Name(), StepStarted, stepAttempt, o.now(), nil)
		if err := o.save(ctx, state); err != nil {
			return err
		}

		data := state.Data.Clone()
		exec := o.execution(state, &data, stepAttempt)

		segment := o.tracer.StartSegment(txn, "step/"+step.Name())
		started := o.now()
		err := o.call(ctx, step.Name(), timeout, func(ctx context.Context) error {
			return step.Execute(ctx, exec)
		})
		if segment != nil {
			segment.End()
		}
		elapsed := o.now().Sub(started)
		o.metrics.RecordTimer(metrics.SagaStepDuration, elapsed.Milliseconds())

		if err == nil {
			state.Data = data
			state.LastError = ""
			state.record(step.Name(), StepCompleted, stepAttempt, o.now(), nil)
			if err := o.save(ctx, state); err != nil {
				return err
			}
			o.metrics.IncrementCounter(metrics.SagaSteps)
			sagaLog(log.Debug(), state).Str("step", step.Name()).Int("step_attempt", stepAttempt).
				Dur("duration", elapsed).Msg("Saga step completed")
			o.appendLifecycle(ctx, state, domain.SagaStepCompleted, domain.SagaStepEvent{
				Step:        step.Name(),
				Attempt:     state.Attempt,
				StepAttempt: stepAttempt,
				DurationMs:  elapsed.Milliseconds(),
			})
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		retryable := IsRetryable(err)
		state.LastError = err.Error()
		state.record(step.Name(), StepFailed, stepAttempt, o.now(), err)
		if saveErr := o.save(ctx, state); saveErr != nil {
			return saveErr
		}
		o.appendLifecycle(ctx, state, domain.SagaStepFailed, domain.SagaStepEvent{
			Step:        step.Name(),
			Attempt:     state.Attempt,
			StepAttempt: stepAttempt,
			DurationMs:  elapsed.Milliseconds(),
			ErrorType:   ErrorType(err),
			Error:       err.Error(),
			Retryable:   retryable,
		})

		if !retryable || !policy.Retryable || stepAttempt > policy.MaxRetries {
			sagaLog(log.Warn(), state).Err(err).Str("step", step.Name()).Int("step_attempt", stepAttempt).
				Bool("retryable", retryable).Msg("Saga step failed")
			return err
		}

		delay = o.backoff.Backoff(stepAttempt, delay)
		o.metrics.IncrementCounter(metrics.SagaStepRetries)
		sagaLog(log.Info(), state).Err(err).Str("step", step.Name()).Int("step_attempt", stepAttempt).
			Dur("delay", delay).Msg("Retrying saga step")

		if err := resilience.Sleep(ctx, delay); err != nil {
			return err
		}
		cancelled, err := o.cancelRequested(ctx, state)
		if err != nil {
			return err
		}
		if cancelled {
			return errCancelRequested
		}
	}
}

// call runs fn bounded by timeout. A timed-out attempt is waited for up to
// the step grace so that a retry never overlaps it; one that outlives the
// grace is reported abandoned and is not retried.
func (o *Orchestrator) call(ctx context.Context, step string, timeout time.Duration, fn func(ctx context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Permanent(fmt.Errorf("step %s panicked: %v", step, r))
			}
		}()
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
		if err == nil || ctx.Err() != nil || !errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return err
		}
		return &StepTimeoutError{Step: step, Timeout: timeout}
	case <-callCtx.Done():
	}

	grace := time.NewTimer(o.stepGrace)
	defer grace.Stop()
	select {
	case err = <-done:
	case <-grace.C:
		log.Warn().Str("step", step).Dur("grace", o.stepGrace).Msg("Timed out saga step did not stop, giving it up")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &StepTimeoutError{Step: step, Timeout: timeout, Abandoned: true}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err == nil {
		return nil
	}
	return &StepTimeoutError{Step: step, Timeout: timeout}
}

func (o *Orchestrator) execution(state *State, data *Data, stepAttempt int) *Execution {
	return &Execution{
		SagaID:        state.SagaID,
		SagaType:      state.SagaType,
		AggregateID:   state.AggregateID,
		TenantID:      state.TenantID,
		CorrelationID: state.CorrelationID,
		Attempt:       state.Attempt,
		StepAttempt:   stepAttempt,
		Data:          data,
		events:        o.events,
	}
}

// cancelRequested reloads the cancel flag and refuses to continue if another
// writer moved the saga on
func (o *Orchestrator) cancelRequested(ctx context.Context, state *State) (bool, error) {
	fresh, err := o.store.Get(ctx, state.SagaID)
	if err != nil {
		return false, err
	}
	if fresh.Revision != state.Revision {
		return false, ErrStaleState
	}
	state.CancelRequested = fresh.CancelRequested
	return fresh.CancelRequested, nil
}

func (o *Orchestrator) fail(ctx context.Context, def *Definition, state *State, failedStep string, cause error) (*State, error) {
	state.Status = StatusCompensating
	state.LastError = cause.Error()
	if err := o.save(ctx, state); err != nil {
		return nil, err
	}
	sagaLog(log.Warn(), state).Err(cause).Str("step", failedStep).Msg("Saga failed, compensating")

	o.deadLetter(ctx, state, def, failedStep, cause)
	return o.finishCompensation(ctx, def, state, failedStep, cause)
}

func (o *Orchestrator) cancel(ctx context.Context, def *Definition, state *State) (*State, error) {
	state.Status = StatusCompensating
	if err := o.save(ctx, state); err != nil {
		return nil, err
	}
	sagaLog(log.Info(), state).Msg("Saga cancelling, compensating")
	return o.finishCompensation(ctx, def, state, state.CurrentStep, nil)
}

// finishCompensation compensates the current attempt and closes the saga as
// Cancelled when a cancel was requested, Failed otherwise
func (o *Orchestrator) finishCompensation(ctx context.Context, def *Definition, state *State, failedStep string, cause error) (*State, error) {
	if err := o.compensate(ctx, def, state); err != nil {
		return nil, err
	}

	if state.CancelRequested {
		state.Status = StatusCancelled
		if err := o.save(ctx, state); err != nil {
			return nil, err
		}
		o.metrics.IncrementCounter(metrics.SagaCancelled)
		sagaLog(log.Info(), state).Msg("Saga cancelled")
		o.appendLifecycle(ctx, state, domain.SagaCancelled, domain.SagaCancelledEvent{
			SagaType: state.SagaType,
			Step:     state.CurrentStep,
			Attempt:  state.Attempt,
		})
		return state, nil
	}

	if cause == nil {
		cause = errors.New("saga failed")
	}
	if def.OnFailure != nil {
		if err := def.OnFailure(ctx, state.Clone(), cause); err != nil {
			sagaLog(log.Error(), state).Err(err).Msg("Saga failure hook failed")
		}
	}

	state.Status = StatusFailed
	state.LastError = cause.Error()
	if err := o.save(ctx, state); err != nil {
		return nil, err
	}
	o.metrics.IncrementCounter(metrics.SagaFailed)
	sagaLog(log.Error(), state).Str("step", failedStep).Str("error_type", ErrorType(cause)).
		Msg("Saga failed")
	o.appendLifecycle(ctx, state, domain.SagaFailed, domain.SagaFailedEvent{
		SagaType:  state.SagaType,
		Step:      failedStep,
		ErrorType: ErrorType(cause),
		Message:   cause.Error(),
		Attempt:   state.Attempt,
	})
	return state, nil
}

// compensate undoes completed steps of the current attempt in reverse order.
// A failing compensation is recorded and dead-lettered; the sweep goes on.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, state *State) error {
	for _, name := range state.pendingCompensation() {
		step := def.step(name)
		if step == nil {
			continue
		}

		var err error
		if compensator, ok := step.(Compensator); ok {
			timeout := step.Policy().Timeout
			if timeout <= 0 {
				timeout = o.defaultTimeout
			}
			data := state.Data.Clone()
			exec := o.execution(state, &data, state.stepAttempts(name))
			err = o.call(ctx, name, timeout, func(ctx context.Context) error {
				return compensator.Compensate(ctx, exec)
			})
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err != nil {
			compErr := &CompensationError{Step: name, Err: err}
			state.record(name, StepFailed, state.stepAttempts(name), o.now(), compErr)
			if saveErr := o.save(ctx, state); saveErr != nil {
				return saveErr
			}
			sagaLog(log.Error(), state).Err(err).Str("step", name).Msg("Saga compensation failed")
			o.appendLifecycle(ctx, state, domain.SagaCompensationFailed, domain.SagaStepEvent{
				Step:      name,
				Attempt:   state.Attempt,
				ErrorType: ErrorType(compErr),
				Error:     compErr.Error(),
			})
			o.deadLetter(ctx, state, def, name, compErr)
			continue
		}

		state.record(name, StepCompensated, state.stepAttempts(name), o.now(), nil)
		if err := o.save(ctx, state); err != nil {
			return err
		}
		o.metrics.IncrementCounter(metrics.SagaCompensations)
		sagaLog(log.Info(), state).Str("step", name).Msg("Saga step compensated")
		o.appendLifecycle(ctx, state, domain.SagaStepCompensated, domain.SagaStepEvent{
			Step:    name,
			Attempt: state.Attempt,
		})
	}
	return nil
}

func (o *Orchestrator) deadLetter(ctx context.Context, state *State, def *Definition, step string, cause error) {
	if o.deadLetters == nil {
		return
	}

	maxRetries := 0
	if s := def.step(step); s != nil {
		maxRetries = s.Policy().MaxRetries
	}
	retries := state.stepAttempts(step) - 1
	if retries < 0 {
		retries = 0
	}

	payload, err := json.Marshal(struct {
		Step        string `json:"step"`
		Attempt     int    `json:"attempt"`
		AggregateID string `json:"aggregate_id"`
		Data        Data   `json:"data"`
	}{step, state.Attempt, state.AggregateID, state.Data})
	if err != nil {
		payload = nil
	}

	var stack string
	if detailed := fmt.Sprintf("%+v", cause); detailed != cause.Error() {
		stack = detailed
	}

	_, err = o.deadLetters.AddEntry(ctx, deadletter.Entry{
		SagaID:        state.SagaID,
		ErrorType:     ErrorType(cause),
		ErrorMessage:  cause.Error(),
		ErrorStack:    stack,
		Payload:       payload,
		RetryCount:    retries,
		MaxRetries:    maxRetries,
		TenantID:      state.TenantID,
		CorrelationID: state.CorrelationID,
	})
	if err != nil {
		sagaLog(log.Error(), state).Err(err).Str("step", step).Msg("Failed to add dead letter entry")
		return
	}
	o.metrics.IncrementCounter(metrics.DeadLettersAdded)
}

// save persists state and renews this driver's lease, or drops the lease
// once the saga is terminal
func (o *Orchestrator) save(ctx context.Context, state *State) error {
	now := o.now()
	state.UpdatedAt = now
	if state.Status.Terminal() {
		state.DriverID = ""
		state.LeaseUntil = time.Time{}
	} else {
		state.DriverID = o.driverID
		state.LeaseUntil = now.Add(o.leaseHold(state.SagaType))
	}
	return o.store.Save(ctx, state)
}

func (o *Orchestrator) leaseHold(sagaType string) time.Duration {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if def, ok := o.definitions[sagaType]; ok {
		return def.leaseHold
	}
	return o.defaultTimeout + o.stepGrace + leaseMargin
}

// appendLifecycle writes a saga lifecycle event. The saga state row is the
// source of truth for the driver, so a failed append is logged only.
func (o *Orchestrator) appendLifecycle(ctx context.Context, state *State, eventType string, data interface{}) {
	if o.events == nil {
		return
	}

	event, err := domain.NewEvent(state.SagaID, domain.SagaAggregate, eventType, data, domain.Metadata{
		TenantID:      state.TenantID,
		CorrelationID: state.CorrelationID,
		CausationID:   state.AggregateID,
	})
	if err == nil {
		_, err = o.events.Append(ctx, event)
	}
	if err != nil {
		sagaLog(log.Error(), state).Err(err).Str("event_type", eventType).Msg("Failed to append saga event")
	}
}

func sagaLog(e *zerolog.Event, state *State) *zerolog.Event {
	return e.
		Str("saga_id", state.SagaID).
		Str("saga_type", state.SagaType).
		Str("aggregate_id", state.AggregateID).
		Str("tenant_id", state.TenantID).
		Str("correlation_id", state.CorrelationID).
		Int("attempt", state.Attempt)
}
