package settlement

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("checkout-settlement/settlement")

// Resultados registrados nos contadores
const (
	OutcomeSettled         = "settled"
	OutcomeDuplicate       = "duplicate"
	OutcomeRejected        = "rejected"
	OutcomeOutOfStock      = "out_of_stock"
	OutcomeFailed          = "failed"
	OutcomeRequested       = "requested"
	OutcomeCompleted       = "completed"
	OutcomeProviderFailure = "provider_failure"
	OutcomeReconciled      = "reconciled"
	OutcomeIgnored         = "ignored"
)

// Metrics agrupa os contadores de liquidação e reembolso
type Metrics struct {
	settlements        metric.Int64Counter
	refunds            metric.Int64Counter
	transactionFailure metric.Int64Counter
}

// NewMetrics registra os contadores no meter informado
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	settlements, err := meter.Int64Counter(
		"checkout.settlements",
		metric.WithDescription("Settlement attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create settlements counter: %w", err)
	}

	refunds, err := meter.Int64Counter(
		"checkout.refunds",
		metric.WithDescription("Refund operations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refunds counter: %w", err)
	}

	failures, err := meter.Int64Counter(
		"checkout.transaction_record_failures",
		metric.WithDescription("Settled orders whose payment transaction could not be recorded"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction failures counter: %w", err)
	}

	return &Metrics{
		settlements:        settlements,
		refunds:            refunds,
		transactionFailure: failures,
	}, nil
}

func (m *Metrics) settlement(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.settlements.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) refund(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.refunds.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) transactionRecordFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.transactionFailure.Add(ctx, 1)
}
