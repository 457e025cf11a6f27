package tracing

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardie-github/Settler-API-sub003/config"
)

func TestNewTracerWithoutLicenseIsDisabled(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{AppName: "settler"})
	require.NoError(t, err)
	assert.Nil(t, tracer.Application())
}

func TestDisabledTracerIsNoop(t *testing.T) {
	tracer := Disabled()

	txn := tracer.StartTransaction("saga/reconciliation")
	assert.Nil(t, txn)

	segment := tracer.StartSegment(txn, "fetch_source_records")
	require.NotNil(t, segment)
	segment.End()

	tracer.AddAttribute(txn, "saga_id", "saga-1")
	tracer.RecordError(txn, errors.New("boom"))
	tracer.EndTransaction(txn)
	tracer.Close()
}
