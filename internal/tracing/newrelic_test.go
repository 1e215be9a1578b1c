package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/backstage/tickets/config"
)

func TestNewTracerWithoutLicenseIsDisabled(t *testing.T) {
	tracer, err := NewTracer(config.TracingConfig{AppName: "tickets"})
	require.NoError(t, err)

	txn := tracer.StartTransaction("purchase")
	require.Nil(t, txn)
	require.Nil(t, tracer.Application())

	// every call must tolerate the nil transaction
	span := tracer.StartSpan("lock", txn)
	span.End()
	tracer.SpanFromContext(context.Background(), "load").End()
	tracer.RecordError(txn, errors.New("boom"))
	tracer.AddAttribute(txn, "ticket_type_id", "x")
	tracer.EndTransaction(txn)
	tracer.Close()
}
