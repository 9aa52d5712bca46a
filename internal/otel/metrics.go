package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metric names reported by the LLD manager.
const (
	MetricQueueSize   = "lld.queue.size"
	MetricFreeWorkers = "lld.workers.free"
	MetricQueued      = "lld.values.queued"
	MetricDispatched  = "lld.values.dispatched"
	MetricProcessed   = "lld.values.processed"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string
	OTLPInsecure bool

	// Attributes are additional resource attributes.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "treegix-lld",
		ExporterType: ExporterNone,
	}
}

// Metrics records LLD manager counters and gauges. It is safe for
// concurrent use.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.Mutex

	queueSize   atomic.Uint64
	freeWorkers atomic.Int64

	queued       metric.Int64Counter
	dispatched   metric.Int64Counter
	processed    metric.Int64Counter
	queueGauge   metric.Int64ObservableGauge
	workersGauge metric.Int64ObservableGauge
	callbackReg  metric.Registration
}

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m := NoopMetrics()
		m.config = cfg
		return m, nil
	}

	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	return newMetrics(cfg, sdkmetric.NewPeriodicReader(exporter))
}

// NewMetricsWithReader creates an enabled Metrics instance that reports to
// reader. It is used with sdkmetric.NewManualReader to inspect values.
func NewMetricsWithReader(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}
	return newMetrics(cfg, reader)
}

func newMetrics(cfg *MetricsConfig, reader sdkmetric.Reader) (*Metrics, error) {
	res, err := newResource(cfg.ServiceName, cfg.ServiceVersion, cfg.Attributes)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)

	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      mp.Shutdown,
	}

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

func newMetricExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.queued, err = m.meter.Int64Counter(
		MetricQueued,
		metric.WithDescription("Discovery values accepted into the LLD queue"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queued counter: %w", err)
	}

	m.dispatched, err = m.meter.Int64Counter(
		MetricDispatched,
		metric.WithDescription("Discovery values sent to LLD workers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create dispatched counter: %w", err)
	}

	m.processed, err = m.meter.Int64Counter(
		MetricProcessed,
		metric.WithDescription("Discovery values completed by LLD workers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create processed counter: %w", err)
	}

	m.queueGauge, err = m.meter.Int64ObservableGauge(
		MetricQueueSize,
		metric.WithDescription("Discovery values waiting or in flight"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue size gauge: %w", err)
	}

	m.workersGauge, err = m.meter.Int64ObservableGauge(
		MetricFreeWorkers,
		metric.WithDescription("Idle LLD workers"),
	)
	if err != nil {
		return fmt.Errorf("failed to create free workers gauge: %w", err)
	}

	m.callbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.queueGauge, int64(m.queueSize.Load()))
			o.ObserveInt64(m.workersGauge, m.freeWorkers.Load())
			return nil
		},
		m.queueGauge, m.workersGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}

	return nil
}

// RecordQueued counts a value accepted into the queue.
func (m *Metrics) RecordQueued(ctx context.Context) {
	if m.queued == nil {
		return
	}
	m.queued.Add(ctx, 1)
}

// RecordDispatched counts a task sent to a worker.
func (m *Metrics) RecordDispatched(ctx context.Context) {
	if m.dispatched == nil {
		return
	}
	m.dispatched.Add(ctx, 1)
}

// RecordProcessed counts a task reported done by a worker.
func (m *Metrics) RecordProcessed(ctx context.Context) {
	if m.processed == nil {
		return
	}
	m.processed.Add(ctx, 1)
}

// SetQueueSize sets the value read by the queue size gauge.
func (m *Metrics) SetQueueSize(n uint64) {
	m.queueSize.Store(n)
}

// SetFreeWorkers sets the value read by the free workers gauge.
func (m *Metrics) SetFreeWorkers(n int) {
	m.freeWorkers.Store(int64(n))
}

// Shutdown flushes pending metrics and stops the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.callbackReg != nil {
		if err := m.callbackReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister gauge callback: %w", err)
		}
		m.callbackReg = nil
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// NoopMetrics returns a metrics instance that does nothing.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
