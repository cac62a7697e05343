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

// Metrics exposes credit-engine instruments.
type Metrics struct {
	charges            metric.Int64Counter
	creditsCharged     metric.Int64Counter
	entitlementDenials metric.Int64Counter
	chargeFailures     metric.Int64Counter
	transactions       metric.Int64Counter
	paymentEvents      metric.Int64Counter
	usageLimitDenied   metric.Int64Counter
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

// New registers the credit instruments on the provider's meter.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "taleforge"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		target *metric.Int64Counter
		name   string
		opts   []metric.Int64CounterOption
	}{
		{&m.charges, "taleforge_charges_total", []metric.Int64CounterOption{
			metric.WithDescription("Coordinated charges by operation kind and terminal state."),
		}},
		{&m.creditsCharged, "taleforge_credits_charged_total", []metric.Int64CounterOption{
			metric.WithUnit("{credit}"),
		}},
		{&m.entitlementDenials, "taleforge_entitlement_denials_total", nil},
		{&m.chargeFailures, "taleforge_charge_failures_total", []metric.Int64CounterOption{
			metric.WithDescription("Artifacts delivered before their debit was stored."),
		}},
		{&m.transactions, "taleforge_credit_transactions_total", nil},
		{&m.paymentEvents, "taleforge_payment_events_total", nil},
		{&m.usageLimitDenied, "taleforge_usage_limit_denied_total", nil},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, c.opts...)
		if err != nil {
			return nil, fmt.Errorf("register %s: %w", c.name, err)
		}
		*c.target = counter
	}
	return m, nil
}

// RecordCharge counts a coordinator run that reached a terminal state.
func (m *Metrics) RecordCharge(ctx context.Context, kind, state string, cost int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_kind", strings.TrimSpace(kind)),
		attribute.String("state", strings.TrimSpace(state)),
	)
	m.charges.Add(ctx, 1, metric.WithAttributes(attrs...))
	if cost > 0 {
		m.creditsCharged.Add(ctx, cost, metric.WithAttributes(
			FilterAttributes(attribute.String("operation_kind", strings.TrimSpace(kind)))...,
		))
	}
}

// RecordEntitlementDenied counts denials by reason.
func (m *Metrics) RecordEntitlementDenied(ctx context.Context, kind, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_kind", strings.TrimSpace(kind)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.entitlementDenials.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordChargeFailure counts artifacts delivered without a durable debit.
func (m *Metrics) RecordChargeFailure(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation_kind", strings.TrimSpace(kind)))
	m.chargeFailures.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTransaction counts newly written ledger rows. Replays are not counted.
func (m *Metrics) RecordTransaction(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.transactions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPaymentEvent increments payment event counts.
func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordUsageLimitDenied counts daily-limit rejections by feature.
func (m *Metrics) RecordUsageLimitDenied(ctx context.Context, feature, backend string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("feature", strings.TrimSpace(feature)),
		attribute.String("backend", strings.TrimSpace(backend)),
	)
	m.usageLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"operation_kind": {},
	"state":          {},
	"reason":         {},
	"feature":        {},
	"backend":        {},
	"provider":       {},
	"event_type":     {},
	"status_code":    {},
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
