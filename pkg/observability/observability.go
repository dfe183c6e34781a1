// Package observability provides OpenTelemetry metrics for the
// orchestration core: admission decisions, control-loop outputs, review
// round durations, and ledger append outcomes. Metrics are exported
// over OTLP gRPC; the provider is a no-op when disabled.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config configures the OpenTelemetry metric provider.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string // e.g., "localhost:4317" for gRPC
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool // Use insecure connection (dev only)
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "quorum-core",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		ExportInterval: 15 * time.Second,
		Enabled:        true,
		Insecure:       false, // Secure by default
	}
}

// Provider manages the OpenTelemetry meter provider and the core's
// domain instruments.
type Provider struct {
	config        *Config
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	logger        *slog.Logger

	admitCounter     metric.Int64Counter
	appendCounter    metric.Int64Counter
	deadLetterCount  metric.Int64Counter
	riskGauge        metric.Float64Gauge
	throttleGauge    metric.Float64Gauge
	reviewDuration   metric.Float64Histogram
	activeOperations metric.Int64UpDownCounter
}

// New creates a new observability provider.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}

	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}

	if !config.Enabled {
		p.logger.InfoContext(ctx, "observability disabled")
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
			attribute.String("quorum.component", "core"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := p.initMetricProvider(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to init metric provider: %w", err)
	}

	p.meter = otel.Meter("quorum.core",
		metric.WithInstrumentationVersion(config.ServiceVersion),
	)

	if err := p.initInstruments(); err != nil {
		return nil, fmt.Errorf("failed to init instruments: %w", err)
	}

	p.logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"insecure", config.Insecure,
	)

	return p, nil
}

func (p *Provider) initMetricProvider(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(p.config.OTLPEndpoint),
	}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}

	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("failed to create metric exporter: %w", err)
	}

	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(p.config.ExportInterval),
		)),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error

	p.admitCounter, err = p.meter.Int64Counter("quorum.admissions.total",
		metric.WithDescription("Admission decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return err
	}

	p.appendCounter, err = p.meter.Int64Counter("quorum.ledger.appends.total",
		metric.WithDescription("Ledger append attempts by outcome"),
		metric.WithUnit("{append}"),
	)
	if err != nil {
		return err
	}

	p.deadLetterCount, err = p.meter.Int64Counter("quorum.deadletters.total",
		metric.WithDescription("Payloads written to the dead-letter table"),
		metric.WithUnit("{payload}"),
	)
	if err != nil {
		return err
	}

	p.riskGauge, err = p.meter.Float64Gauge("quorum.risk",
		metric.WithDescription("Current derived risk"),
	)
	if err != nil {
		return err
	}

	p.throttleGauge, err = p.meter.Float64Gauge("quorum.throttle.pct",
		metric.WithDescription("Current throttle percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return err
	}

	p.reviewDuration, err = p.meter.Float64Histogram("quorum.review.duration",
		metric.WithDescription("Consensus review round duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	p.activeOperations, err = p.meter.Int64UpDownCounter("quorum.operations.active",
		metric.WithDescription("Number of currently active operations"),
		metric.WithUnit("{operation}"),
	)
	return err
}

// Shutdown gracefully shuts down the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "failed to shutdown metric provider", "error", err)
		}
	}
	return nil
}

// Meter returns the configured meter.
func (p *Provider) Meter() metric.Meter {
	if p.meter == nil {
		return otel.Meter("quorum.core")
	}
	return p.meter
}

// RecordAdmission records one admission decision.
func (p *Provider) RecordAdmission(ctx context.Context, admitted bool) {
	if p.admitCounter != nil {
		p.admitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("admitted", admitted)))
	}
}

// RecordAppend records one ledger append outcome.
func (p *Provider) RecordAppend(ctx context.Context, outcome string) {
	if p.appendCounter != nil {
		p.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome)))
	}
}

// RecordDeadLetter records one dead-lettered payload.
func (p *Provider) RecordDeadLetter(ctx context.Context, reason string) {
	if p.deadLetterCount != nil {
		p.deadLetterCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", reason)))
	}
}

// RecordControlState publishes the latest controller outputs.
func (p *Provider) RecordControlState(ctx context.Context, risk, throttlePct float64) {
	if p.riskGauge != nil {
		p.riskGauge.Record(ctx, risk)
	}
	if p.throttleGauge != nil {
		p.throttleGauge.Record(ctx, throttlePct)
	}
}

// RecordReviewDuration records one consensus round's wall time.
func (p *Provider) RecordReviewDuration(ctx context.Context, d time.Duration, action string) {
	if p.reviewDuration != nil {
		p.reviewDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.String("action", action)))
	}
}

// TrackOperation counts an operation as active until the returned
// function is called.
func (p *Provider) TrackOperation(ctx context.Context, attrs ...attribute.KeyValue) func() {
	if p.activeOperations == nil {
		return func() {}
	}
	p.activeOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
	return func() {
		p.activeOperations.Add(ctx, -1, metric.WithAttributes(attrs...))
	}
}
