package otel

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	traceNoop "go.opentelemetry.io/otel/trace/noop"
)

const scopeName = "github.com/hugolhafner/streamhost"

// Telemetry holds the OpenTelemetry instruments for the container.
// When no providers are configured, all instruments are noops with zero
// overhead.
type Telemetry struct {
	Tracer trace.Tracer

	// Run loop
	EnvelopesProcessed metric.Int64Counter
	ProcessDuration    metric.Float64Histogram
	ChooseDuration     metric.Float64Histogram
	IdleIterations     metric.Int64Counter

	// Outbound
	EnvelopesSent metric.Int64Counter

	// Lifecycle
	Commits         metric.Int64Counter
	CommitDuration  metric.Float64Histogram
	RestoreDuration metric.Float64Histogram
	TasksActive     metric.Int64UpDownCounter
}

// NewTelemetry creates a Telemetry instance from the given providers.
// All providers are optional and default to noops when nil.
func NewTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	if tp == nil {
		tp = traceNoop.NewTracerProvider()
	}
	if mp == nil {
		mp = noop.NewMeterProvider()
	}

	tracer := tp.Tracer(scopeName)
	meter := mp.Meter(scopeName)

	envelopesProcessed, err := meter.Int64Counter(
		"stream.container.envelopes",
		metric.WithDescription("Envelopes handed to task process"),
	)
	if err != nil {
		return nil, err
	}

	processDuration, err := meter.Float64Histogram(
		"stream.process.duration",
		metric.WithDescription("Time in user process per envelope"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	chooseDuration, err := meter.Float64Histogram(
		"stream.choose.duration",
		metric.WithDescription("Time per consumer multiplexer choose"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	idleIterations, err := meter.Int64Counter(
		"stream.container.idle_iterations",
		metric.WithDescription("Run loop iterations without an envelope"),
	)
	if err != nil {
		return nil, err
	}

	envelopesSent, err := meter.Int64Counter(
		"stream.producer.envelopes",
		metric.WithDescription("Envelopes drained to producers"),
	)
	if err != nil {
		return nil, err
	}

	commits, err := meter.Int64Counter(
		"stream.commits",
		metric.WithDescription("Completed commits"),
	)
	if err != nil {
		return nil, err
	}

	commitDuration, err := meter.Float64Histogram(
		"stream.commit.duration",
		metric.WithDescription("Time per commit protocol run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	restoreDuration, err := meter.Float64Histogram(
		"stream.restore.duration",
		metric.WithDescription("Time restoring stores before processing"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	tasksActive, err := meter.Int64UpDownCounter(
		"stream.tasks.active",
		metric.WithDescription("Task instances owned by this container"),
	)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Tracer:             tracer,
		EnvelopesProcessed: envelopesProcessed,
		ProcessDuration:    processDuration,
		ChooseDuration:     chooseDuration,
		IdleIterations:     idleIterations,
		EnvelopesSent:      envelopesSent,
		Commits:            commits,
		CommitDuration:     commitDuration,
		RestoreDuration:    restoreDuration,
		TasksActive:        tasksActive,
	}, nil
}

// Noop returns a Telemetry instance with all noop instruments.
func Noop() *Telemetry {
	t, _ := NewTelemetry(nil, nil)
	return t
}
