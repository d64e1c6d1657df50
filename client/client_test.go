package client

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rocketbitz/ucxparcel/internal/uct/simuct"
	"github.com/rocketbitz/ucxparcel/transport"
)

func dialPeer(t *testing.T, net *simuct.Network, name string) *Client {
	t.Helper()
	driver := simuct.NewDriver(net, []byte(name), simuct.DefaultCaps())
	cli, err := Dial(Config{Driver: driver, Domain: name, PollInterval: time.Millisecond})
	if err != nil {
		t.Fatalf("Dial(%s): %v", name, err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestClientSendReceiveRoundTrip(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := dialPeer(t, net, "alice")
	bob := dialPeer(t, net, "bob")

	received := make(chan ReceivedParcel, 1)
	unregister := bob.RegisterReceiveHandler(func(p ReceivedParcel) { received <- p })
	defer unregister()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := alice.Connect(ctx, bob.Locality())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	payload := []byte("hello from alice")
	if err := conn.Send(ctx, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case parcel := <-received:
		if string(parcel.Data) != string(payload) {
			t.Fatalf("received payload = %q, want %q", parcel.Data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive handler was not invoked")
	}

	stats := alice.Stats()
	if stats.SendCompleted != 1 {
		t.Fatalf("SendCompleted = %d, want 1", stats.SendCompleted)
	}
	if stats.ConnectionsEstablished != 1 {
		t.Fatalf("ConnectionsEstablished = %d, want 1", stats.ConnectionsEstablished)
	}
}

func TestClientSendAsyncOnComplete(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := dialPeer(t, net, "alice")
	bob := dialPeer(t, net, "bob")

	var wg sync.WaitGroup
	wg.Add(1)
	bob.RegisterReceiveHandler(func(ReceivedParcel) { wg.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := alice.Connect(ctx, bob.Locality())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	future, err := conn.SendAsync([]byte("async payload"))
	if err != nil {
		t.Fatalf("SendAsync: %v", err)
	}

	done := make(chan error, 1)
	future.OnComplete(func(err error) { done <- err })

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("send callback error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send callback not invoked")
	}

	wg.Wait()
}

func TestClientConnectReusesConnection(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := dialPeer(t, net, "alice")
	bob := dialPeer(t, net, "bob")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := alice.Connect(ctx, bob.Locality())
	if err != nil {
		t.Fatalf("Connect (first): %v", err)
	}
	second, err := alice.Connect(ctx, bob.Locality())
	if err != nil {
		t.Fatalf("Connect (second): %v", err)
	}
	if first != second {
		t.Fatal("expected Connect to return the existing connection for the same destination")
	}
}

func newObservedLogger() (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core).Sugar(), logs
}

func newTestTracerProvider() (*tracesdk.TracerProvider, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	return tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder)), recorder
}

func waitForLogEvent(t *testing.T, logs *observer.ObservedLogs, event string, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		for _, entry := range logs.All() {
			if evt, ok := entry.ContextMap()["event"].(string); ok && evt == event {
				return true
			}
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestClientDialLogsStructuredEventsAndTracesBackgroundLoop wires a zap
// SugaredLogger in as both Logger and StructuredLogger (it satisfies both
// interfaces structurally) and an OTel SpanRecorder as Tracer, checking
// that Dial's underlying Context/Dispatcher setup logs through it and that
// Close ends the background-loop span.
func TestClientDialLogsStructuredEventsAndTracesBackgroundLoop(t *testing.T) {
	logger, logs := newObservedLogger()
	tp, recorder := newTestTracerProvider()

	net := simuct.NewNetwork(nil)
	driver := simuct.NewDriver(net, []byte("alice"), simuct.DefaultCaps())
	cli, err := Dial(Config{
		Driver:           driver,
		Domain:           "alice",
		PollInterval:     time.Millisecond,
		Logger:           logger,
		StructuredLogger: logger,
		Tracer:           &otelTracerAdapter{tracer: tp.Tracer("ucxparcel-test")},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if !waitForLogEvent(t, logs, "context ready", time.Second) {
		t.Fatal("expected a \"context ready\" structured log event from transport.NewContext")
	}

	if err := cli.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	found := false
	for _, span := range recorder.Ended() {
		if span.Name() == "client.background_loop" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an ended client.background_loop span")
	}
}

func TestClientCloseRejectsNewWork(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := dialPeer(t, net, "alice")
	bob := simuct.NewDriver(net, []byte("bob"), simuct.DefaultCaps())
	bobCtx, err := transport.NewContext(transport.ContextConfig{Driver: bob, Domain: "bob"})
	if err != nil {
		t.Fatalf("NewContext(bob): %v", err)
	}
	defer bobCtx.Close()

	if err := alice.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := alice.Connect(context.Background(), bobCtx.Locality()); err != ErrClosed {
		t.Fatalf("Connect after Close: got %v, want ErrClosed", err)
	}
}

// otelTracerAdapter wraps a real OTel trace.Tracer so it can serve as a
// Tracer: the two interfaces share no lineage (Start returns a
// context.Context and trace.Span, not a Span), so the adapter is what
// actually drives StartSpan/End/AddEvent/RecordError through the SDK.
type otelTracerAdapter struct {
	tracer trace.Tracer
}

func (o *otelTracerAdapter) StartSpan(name string, attrs ...TraceAttribute) Span {
	if o == nil || o.tracer == nil {
		return nil
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	_, span := o.tracer.Start(context.Background(), name, trace.WithAttributes(attributes...))
	return &otelSpanAdapter{span: span}
}

type otelSpanAdapter struct {
	span trace.Span
}

func (s *otelSpanAdapter) End(err error) {
	if s == nil || s.span == nil {
		return
	}
	if err != nil {
		s.span.RecordError(err)
	}
	s.span.End()
}

func (s *otelSpanAdapter) AddEvent(name string, attrs ...TraceAttribute) {
	if s == nil || s.span == nil {
		return
	}
	attributes := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		attributes = append(attributes, toAttribute(attr))
	}
	s.span.AddEvent(name, trace.WithAttributes(attributes...))
}

func (s *otelSpanAdapter) RecordError(err error) {
	if s == nil || s.span == nil || err == nil {
		return
	}
	s.span.RecordError(err)
}

func toAttribute(attr TraceAttribute) attribute.KeyValue {
	if attr.Key == "" {
		return attribute.String("undefined", fmt.Sprint(attr.Value))
	}
	switch v := attr.Value.(type) {
	case nil:
		return attribute.String(attr.Key, "")
	case string:
		return attribute.String(attr.Key, v)
	case fmt.Stringer:
		return attribute.String(attr.Key, v.String())
	case bool:
		return attribute.Bool(attr.Key, v)
	case int:
		return attribute.Int(attr.Key, v)
	case int64:
		return attribute.Int64(attr.Key, v)
	case float64:
		return attribute.Float64(attr.Key, v)
	case error:
		return attribute.String(attr.Key, v.Error())
	default:
		return attribute.String(attr.Key, fmt.Sprint(attr.Value))
	}
}
