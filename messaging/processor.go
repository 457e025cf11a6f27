package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shardie-github/Settler-API-sub003/internal/metrics"
	"github.com/shardie-github/Settler-API-sub003/reconciliation"
	"github.com/shardie-github/Settler-API-sub003/saga"
)

// Command types accepted on the commands queue
const (
	StartReconciliation = "StartReconciliation"
	ResumeSaga          = "ResumeSaga"
	RetrySaga           = "RetrySaga"
	CancelSaga          = "CancelSaga"
)

// BusMessage is the envelope of every command
type BusMessage struct {
	CommandType string          `json:"commandType"`
	Data        json.RawMessage `json:"data"`
}

// SagaCommand addresses an existing saga
type SagaCommand struct {
	SagaID string `json:"saga_id"`
}

// PoisonMessageError marks a message that can never be processed
type PoisonMessageError struct {
	Reason string
	Err    error
}

func (e *PoisonMessageError) Error() string {
	return fmt.Sprintf("poison message (%s): %v", e.Reason, e.Err)
}

func (e *PoisonMessageError) Unwrap() error {
	return e.Err
}

func (e *PoisonMessageError) Retryable() bool {
	return false
}

func poison(reason string, err error) error {
	return &PoisonMessageError{Reason: reason, Err: err}
}

// MessageProcessor handles one received message
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Reconciler starts reconciliation runs
type Reconciler interface {
	Start(ctx context.Context, req reconciliation.StartRequest, opts ...saga.RunOption) (*saga.State, error)
}

// SagaController drives existing sagas
type SagaController interface {
	ResumeSaga(ctx context.Context, sagaID string, opts ...saga.RunOption) (*saga.State, error)
	RetrySaga(ctx context.Context, sagaID string, opts ...saga.RunOption) (*saga.State, error)
	CancelSaga(ctx context.Context, sagaID string) (*saga.State, error)
}

// Metrics is the subset of metrics.Metrics the processor records into
type Metrics interface {
	IncrementCounter(name string)
}

var messageNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("settler.messaging.commands"))

// Processor dispatches commands to the reconciliation service and the
// orchestrator. Sagas are driven in the background so a message is settled
// as soon as its saga is persisted.
type Processor struct {
	reconciler Reconciler
	sagas      SagaController
	metrics    Metrics
}

// NewProcessor creates a new command processor
func NewProcessor(reconciler Reconciler, sagas SagaController, m Metrics) *Processor {
	if m == nil {
		m = metrics.NewMetrics()
	}
	return &Processor{reconciler: reconciler, sagas: sagas, metrics: m}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	var msg BusMessage
	if err := json.Unmarshal(message.Body, &msg); err != nil {
		return poison("malformed envelope", err)
	}

	log.Info().
		Str("message_id", message.MessageID).
		Str("command_type", msg.CommandType).
		Uint32("delivery_count", message.DeliveryCount).
		Msg("Processing message")

	var err error
	switch msg.CommandType {
	case StartReconciliation:
		err = p.startReconciliation(ctx, message, msg.Data)
	case ResumeSaga, RetrySaga, CancelSaga:
		err = p.sagaCommand(ctx, msg.CommandType, msg.Data)
	default:
		err = poison("unsupported command", fmt.Errorf("unsupported command type: %q", msg.CommandType))
	}
	if err != nil {
		return err
	}

	p.metrics.IncrementCounter(metrics.MessagesProcessed)
	return nil
}

func (p *Processor) startReconciliation(ctx context.Context, message *azservicebus.ReceivedMessage, data json.RawMessage) error {
	var req reconciliation.StartRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return poison("malformed StartReconciliation", err)
	}
	if req.SagaID == "" && message.MessageID != "" {
		req.SagaID = uuid.NewSHA1(messageNamespace, []byte(message.MessageID)).String()
	}
	if req.CorrelationID == "" && message.CorrelationID != nil {
		req.CorrelationID = *message.CorrelationID
	}

	state, err := p.reconciler.Start(ctx, req, saga.InBackground())
	switch {
	case errors.Is(err, saga.ErrSagaExists):
		log.Info().Str("saga_id", req.SagaID).Msg("Duplicate StartReconciliation ignored")
		return nil
	case errors.Is(err, reconciliation.ErrInvalidRequest), errors.Is(err, saga.ErrUnknownSagaType):
		return poison("rejected StartReconciliation", err)
	case err != nil:
		return err
	}

	log.Info().
		Str("saga_id", state.SagaID).
		Str("aggregate_id", state.AggregateID).
		Str("tenant_id", state.TenantID).
		Msg("Reconciliation started from message")
	return nil
}

func (p *Processor) sagaCommand(ctx context.Context, commandType string, data json.RawMessage) error {
	var cmd SagaCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return poison("malformed "+commandType, err)
	}
	if cmd.SagaID == "" {
		return poison("malformed "+commandType, errors.New("saga_id is required"))
	}

	var err error
	switch commandType {
	case ResumeSaga:
		_, err = p.sagas.ResumeSaga(ctx, cmd.SagaID, saga.InBackground())
	case RetrySaga:
		_, err = p.sagas.RetrySaga(ctx, cmd.SagaID, saga.InBackground())
	case CancelSaga:
		_, err = p.sagas.CancelSaga(ctx, cmd.SagaID)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, saga.ErrSagaAlreadyRunning), errors.Is(err, saga.ErrSagaTerminal):
		// already in the requested shape
		log.Info().Err(err).Str("saga_id", cmd.SagaID).Str("command_type", commandType).Msg("Saga command ignored")
		return nil
	case errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, saga.ErrSagaNotRetryable), errors.Is(err, saga.ErrUnknownSagaType):
		return poison("rejected "+commandType, err)
	}
	return err
}
