package transport

// MetricHook captures dispatcher-level telemetry events. client's
// Prometheus and OTel implementations back onto this interface directly;
// see SPEC_FULL.md's domain stack section.
type MetricHook interface {
	OnConnect(destination string, retries int)
	OnParcelSent(destination string, bytes int, piggyBack bool)
	OnParcelReceived(source string, bytes int, piggyBack bool)
	OnReceiverClosed(source string)
	OnFatal(op string, err error)
}
