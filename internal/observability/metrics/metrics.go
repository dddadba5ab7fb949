package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	eventsIngested   metric.Int64Counter
	eventsDuplicate  metric.Int64Counter
	eventsStale      metric.Int64Counter
	deadLetters      metric.Int64Counter
	transitions      metric.Int64Counter
	corrections      metric.Int64Counter
	providerFailures metric.Int64Counter
	commands         metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "entitled"
	}
	meter := provider.Meter(name)

	eventsIngested, err := meter.Int64Counter("entitled_events_ingested_total")
	if err != nil {
		return nil, err
	}
	eventsDuplicate, err := meter.Int64Counter("entitled_events_duplicate_total")
	if err != nil {
		return nil, err
	}
	eventsStale, err := meter.Int64Counter("entitled_events_stale_total")
	if err != nil {
		return nil, err
	}
	deadLetters, err := meter.Int64Counter("entitled_dead_letters_total")
	if err != nil {
		return nil, err
	}
	transitions, err := meter.Int64Counter("entitled_subscription_transitions_total")
	if err != nil {
		return nil, err
	}
	corrections, err := meter.Int64Counter("entitled_reconciliation_corrections_total")
	if err != nil {
		return nil, err
	}
	providerFailures, err := meter.Int64Counter("entitled_provider_query_failures_total")
	if err != nil {
		return nil, err
	}
	commands, err := meter.Int64Counter("entitled_commands_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		eventsIngested:   eventsIngested,
		eventsDuplicate:  eventsDuplicate,
		eventsStale:      eventsStale,
		deadLetters:      deadLetters,
		transitions:      transitions,
		corrections:      corrections,
		providerFailures: providerFailures,
		commands:         commands,
	}, nil
}

// RecordEventIngested increments ingest counts by provider and kind.
func (m *Metrics) RecordEventIngested(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_kind", strings.TrimSpace(kind)),
	)
	m.eventsIngested.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventDuplicate counts events rejected by the idempotency gate.
func (m *Metrics) RecordEventDuplicate(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.eventsDuplicate.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventStale counts events rejected for arriving out of order.
func (m *Metrics) RecordEventStale(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_kind", strings.TrimSpace(kind)),
	)
	m.eventsStale.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordDeadLetter counts payloads parked for manual review.
func (m *Metrics) RecordDeadLetter(ctx context.Context, provider, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.deadLetters.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransition counts applied subscription state transitions.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_status", strings.TrimSpace(from)),
		attribute.String("to_status", strings.TrimSpace(to)),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCorrection counts reconciliation corrections by job.
func (m *Metrics) RecordCorrection(ctx context.Context, job string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("job", strings.TrimSpace(job)))
	m.corrections.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderQueryFailure counts failed authoritative status queries.
func (m *Metrics) RecordProviderQueryFailure(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.providerFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCommand counts accepted client commands by type.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("command_type", strings.TrimSpace(commandType)))
	m.commands.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"provider":     {},
	"event_kind":   {},
	"from_status":  {},
	"to_status":    {},
	"job":          {},
	"reason":       {},
	"command_type": {},
	"endpoint":     {},
	"status_code":  {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
