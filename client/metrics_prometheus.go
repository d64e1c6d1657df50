package client

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

// PrometheusMetrics implements MetricHook using Prometheus counters.
var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters, one
// per dispatcher event named in transport.MetricHook.
type PrometheusMetrics struct {
	connect        *prometheus.CounterVec
	connectRetries prometheus.Counter
	parcelSent     *prometheus.CounterVec
	parcelReceived *prometheus.CounterVec
	receiverClosed *prometheus.CounterVec
	fatal          *prometheus.CounterVec
}

const (
	labelDestination = "destination"
	labelSource       = "source"
	labelPiggyBack    = "piggy_back"
	labelOp           = "op"
)

var (
	peerLabelKeys     = []string{labelDestination}
	parcelLabelKeys   = []string{labelDestination, labelPiggyBack}
	receivedLabelKeys = []string{labelSource, labelPiggyBack}
	receiverLabelKeys = []string{labelSource}
	fatalLabelKeys    = []string{labelOp}
)

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		connect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_connect_total",
			Help:        "Number of connections established, by destination",
			ConstLabels: opts.ConstLabels,
		}, peerLabelKeys),
		connectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_connect_retries_total",
			Help:        "Cumulative NO_RESOURCE retries observed across every connect handshake",
			ConstLabels: opts.ConstLabels,
		}),
		parcelSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_parcel_sent_total",
			Help:        "Number of parcels sent, by destination and piggy-back path",
			ConstLabels: opts.ConstLabels,
		}, parcelLabelKeys),
		parcelReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_parcel_received_total",
			Help:        "Number of parcels received, by source and piggy-back path",
			ConstLabels: opts.ConstLabels,
		}, receivedLabelKeys),
		receiverClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_receiver_closed_total",
			Help:        "Number of receivers torn down, by source",
			ConstLabels: opts.ConstLabels,
		}, receiverLabelKeys),
		fatal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ucxparcel_fatal_total",
			Help:        "Number of fatal dispatcher errors, by originating operation",
			ConstLabels: opts.ConstLabels,
		}, fatalLabelKeys),
	}

	var err error
	if p.connect, err = registerCounterVec(reg, p.connect); err != nil {
		return nil, err
	}
	if p.connectRetries, err = registerCounter(reg, p.connectRetries); err != nil {
		return nil, err
	}
	if p.parcelSent, err = registerCounterVec(reg, p.parcelSent); err != nil {
		return nil, err
	}
	if p.parcelReceived, err = registerCounterVec(reg, p.parcelReceived); err != nil {
		return nil, err
	}
	if p.receiverClosed, err = registerCounterVec(reg, p.receiverClosed); err != nil {
		return nil, err
	}
	if p.fatal, err = registerCounterVec(reg, p.fatal); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) OnConnect(destination string, retries int) {
	p.connect.With(prometheus.Labels{labelDestination: destination}).Inc()
	if retries > 0 {
		p.connectRetries.Add(float64(retries))
	}
}

func (p *PrometheusMetrics) OnParcelSent(destination string, bytes int, piggyBack bool) {
	p.parcelSent.With(prometheus.Labels{labelDestination: destination, labelPiggyBack: boolLabel(piggyBack)}).Inc()
}

func (p *PrometheusMetrics) OnParcelReceived(source string, bytes int, piggyBack bool) {
	p.parcelReceived.With(prometheus.Labels{labelSource: source, labelPiggyBack: boolLabel(piggyBack)}).Inc()
}

func (p *PrometheusMetrics) OnReceiverClosed(source string) {
	p.receiverClosed.With(prometheus.Labels{labelSource: source}).Inc()
}

func (p *PrometheusMetrics) OnFatal(op string, err error) {
	p.fatal.With(prometheus.Labels{labelOp: op}).Inc()
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerCounter(reg prometheus.Registerer, c prometheus.Counter) (prometheus.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}
