package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/localmarket/dealflow/fsm"
)

// MetricTransitions counts successful state changes.
const MetricTransitions = "transitions_total"

// Metrics counts transitions per machine and edge. It
// implements fsm.Logger so it can sit next to a TransitionLogger in an
// fsm.MultiLogger.
type Metrics struct {
	transitions metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	c, err := meter.Int64Counter(MetricTransitions,
		metric.WithDescription("Successful workflow state transitions"),
		metric.WithUnit("{transition}"))
	if err != nil {
		return nil, fmt.Errorf("failed to create counter %s: %w", MetricTransitions, err)
	}
	return &Metrics{transitions: c}, nil
}

func (m *Metrics) LogTransition(t fsm.Transition) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("machine", t.Machine),
		attribute.String("from", t.From),
		attribute.String("event", t.Event),
		attribute.String("to", t.To),
	))
}
