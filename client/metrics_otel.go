package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter          metric.Meter
	connect        metric.Int64Counter
	connectRetries metric.Int64Counter
	parcelSent     metric.Int64Counter
	parcelReceived metric.Int64Counter
	receiverClosed metric.Int64Counter
	fatal          metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/ucxparcel/client"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	connect, err := meter.Int64Counter("ucxparcel.connect")
	if err != nil {
		return nil, err
	}
	connectRetries, err := meter.Int64Counter("ucxparcel.connect.retries")
	if err != nil {
		return nil, err
	}
	parcelSent, err := meter.Int64Counter("ucxparcel.parcel.sent")
	if err != nil {
		return nil, err
	}
	parcelReceived, err := meter.Int64Counter("ucxparcel.parcel.received")
	if err != nil {
		return nil, err
	}
	receiverClosed, err := meter.Int64Counter("ucxparcel.receiver.closed")
	if err != nil {
		return nil, err
	}
	fatal, err := meter.Int64Counter("ucxparcel.fatal")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:          meter,
		connect:        connect,
		connectRetries: connectRetries,
		parcelSent:     parcelSent,
		parcelReceived: parcelReceived,
		receiverClosed: receiverClosed,
		fatal:          fatal,
	}, nil
}

func (o *OTelMetrics) OnConnect(destination string, retries int) {
	o.connect.Add(context.Background(), 1, metric.WithAttributes(attribute.String(labelDestination, destination)))
	if retries > 0 {
		o.connectRetries.Add(context.Background(), int64(retries), metric.WithAttributes(attribute.String(labelDestination, destination)))
	}
}

func (o *OTelMetrics) OnParcelSent(destination string, bytes int, piggyBack bool) {
	o.parcelSent.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(labelDestination, destination),
		attribute.Bool(labelPiggyBack, piggyBack),
	))
}

func (o *OTelMetrics) OnParcelReceived(source string, bytes int, piggyBack bool) {
	o.parcelReceived.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String(labelSource, source),
		attribute.Bool(labelPiggyBack, piggyBack),
	))
}

func (o *OTelMetrics) OnReceiverClosed(source string) {
	o.receiverClosed.Add(context.Background(), 1, metric.WithAttributes(attribute.String(labelSource, source)))
}

func (o *OTelMetrics) OnFatal(op string, err error) {
	o.fatal.Add(context.Background(), 1, metric.WithAttributes(attribute.String(labelOp, op)))
}
