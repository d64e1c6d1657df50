package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rocketbitz/ucxparcel/internal/uct/simuct"
)

// peer bundles everything one simulated locality needs: its Context,
// Dispatcher, and a decoder sink collecting whatever it receives.
type peer struct {
	ctx        *Context
	dispatcher *Dispatcher
	received   chan receivedParcel
}

type receivedParcel struct {
	source Locality
	data   []byte
}

func newPeer(t *testing.T, net *simuct.Network, name string, caps simuct.Caps) *peer {
	t.Helper()
	drv := simuct.NewDriver(net, []byte(name), caps)
	ctx, err := NewContext(ContextConfig{Driver: drv, Domain: name})
	if err != nil {
		t.Fatalf("NewContext(%s): %v", name, err)
	}
	p := &peer{ctx: ctx, received: make(chan receivedParcel, 16)}
	decoder := ParcelDecoderFunc(func(source Locality, data []byte, zc, nzc uint64) error {
		cp := make([]byte, len(data))
		copy(cp, data)
		p.received <- receivedParcel{source: source, data: cp}
		return nil
	})
	d, err := NewDispatcher(DispatcherConfig{Context: ctx, Decoder: decoder})
	if err != nil {
		t.Fatalf("NewDispatcher(%s): %v", name, err)
	}
	p.dispatcher = d
	return p
}

// backgroundPump drives BackgroundWork on both peers until stop is closed,
// simulating the host scheduler calling it from an idle thread (spec §4.5).
func backgroundPump(stop <-chan struct{}, peers ...*peer) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, p := range peers {
				p.dispatcher.BackgroundWork(0)
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()
}

func sendAndWait(t *testing.T, ctx context.Context, from, to *peer, payload []byte) {
	t.Helper()
	sender, err := from.dispatcher.CreateConnection(ctx, to.ctx.Locality())
	if err != nil {
		t.Fatalf("CreateConnection: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var sendErr error
	ok, err := sender.AsyncWrite(payload, uint64(len(payload)), 0, 0,
		func(err error) { sendErr = err; wg.Done() },
		nil)
	if err != nil {
		t.Fatalf("AsyncWrite: %v", err)
	}
	if !ok {
		// transient NO_RESOURCE: retry in a spin-yield loop like CreateConnection does.
		if err := spinUntil(ctx, func() { from.ctx.Progress() }, DefaultYielder, func() (bool, error) {
			return sender.AsyncWrite(payload, uint64(len(payload)), 0, 0,
				func(err error) { sendErr = err; wg.Done() },
				nil)
		}); err != nil {
			t.Fatalf("AsyncWrite retry: %v", err)
		}
	}
	wg.Wait()
	if sendErr != nil {
		t.Fatalf("send callback error: %v", sendErr)
	}
}

func TestPiggyBackRoundTrip(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := newPeer(t, net, "alice", simuct.DefaultCaps())
	bob := newPeer(t, net, "bob", simuct.DefaultCaps())
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	payload := []byte("hello bob, this fits inline")
	sendAndWait(t, ctx, alice, bob, payload)

	select {
	case got := <-bob.received:
		if string(got.data) != string(payload) {
			t.Fatalf("got %q, want %q", got.data, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive parcel")
	}
}

func TestLargePayloadRoundTrip(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := newPeer(t, net, "alice", simuct.DefaultCaps())
	bob := newPeer(t, net, "bob", simuct.DefaultCaps())
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	payload := make([]byte, 8192)
	for i := range payload {
		payload[i] = byte(i)
	}
	sendAndWait(t, ctx, alice, bob, payload)

	select {
	case got := <-bob.received:
		if len(got.data) != len(payload) {
			t.Fatalf("got %d bytes, want %d", len(got.data), len(payload))
		}
		for i := range payload {
			if got.data[i] != payload[i] {
				t.Fatalf("byte %d mismatch: got %d want %d", i, got.data[i], payload[i])
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive parcel")
	}
}

func TestTransientBackpressureRetries(t *testing.T) {
	fault := simuct.NewFaultInjector()
	net := simuct.NewNetwork(fault)

	alice := newPeer(t, net, "alice", simuct.DefaultCaps())
	bob := newPeer(t, net, "bob", simuct.DefaultCaps())
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	// Force the first two connect posts to report NO_RESOURCE; CreateConnection
	// must retry through spinConnect rather than failing outright.
	fault.FailNext("am:connect", 2)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sendAndWait(t, ctx, alice, bob, []byte("retried connect"))

	select {
	case got := <-bob.received:
		if string(got.data) != "retried connect" {
			t.Fatalf("got %q", got.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive parcel")
	}
}

func TestEPToEPCapabilityPath(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := newPeer(t, net, "alice", simuct.EPToEPCaps())
	bob := newPeer(t, net, "bob", simuct.EPToEPCaps())
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	if !alice.ctx.RMAConnectsToEP() || !bob.ctx.RMAConnectsToEP() {
		t.Fatal("expected EP-to-EP capability path to be selected")
	}

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	sendAndWait(t, ctx, alice, bob, []byte("over a dedicated endpoint"))

	select {
	case got := <-bob.received:
		if string(got.data) != "over a dedicated endpoint" {
			t.Fatalf("got %q", got.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive parcel")
	}
}

func TestSenderReuseAcrossWrites(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := newPeer(t, net, "alice", simuct.DefaultCaps())
	bob := newPeer(t, net, "bob", simuct.DefaultCaps())
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	var firstSender *Sender
	for i := 0; i < 100; i++ {
		sender, err := alice.dispatcher.CreateConnection(ctx, bob.ctx.Locality())
		if err != nil {
			t.Fatalf("CreateConnection iteration %d: %v", i, err)
		}
		if i == 0 {
			firstSender = sender
		} else if sender != firstSender {
			t.Fatalf("iteration %d: expected pooled sender reuse, got a different *Sender", i)
		}

		var wg sync.WaitGroup
		wg.Add(1)
		payload := []byte("sequential message")
		ok, err := sender.AsyncWrite(payload, uint64(len(payload)), 0, 0,
			func(error) { wg.Done() }, nil)
		if err != nil {
			t.Fatalf("AsyncWrite iteration %d: %v", i, err)
		}
		if !ok {
			if err := spinUntil(ctx, func() { alice.ctx.Progress() }, DefaultYielder, func() (bool, error) {
				return sender.AsyncWrite(payload, uint64(len(payload)), 0, 0,
					func(error) { wg.Done() }, nil)
			}); err != nil {
				t.Fatalf("AsyncWrite retry iteration %d: %v", i, err)
			}
		}
		wg.Wait()

		select {
		case <-bob.received:
		case <-time.After(2 * time.Second):
			t.Fatalf("iteration %d: timed out waiting for bob to receive parcel", i)
		}
	}
}

func TestCleanShutdownDrainsLiveReceivers(t *testing.T) {
	net := simuct.NewNetwork(nil)
	alice := newPeer(t, net, "alice", simuct.DefaultCaps())
	bob := newPeer(t, net, "bob", simuct.DefaultCaps())

	stop := make(chan struct{})
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	sendAndWait(t, ctx, alice, bob, []byte("before shutdown"))
	<-bob.received

	close(stop)
	time.Sleep(5 * time.Millisecond) // let the background pump goroutine observe stop

	if n := bob.dispatcher.LiveReceivers(); n != 1 {
		t.Fatalf("expected 1 live receiver before close, got %d", n)
	}

	if err := alice.dispatcher.Close(); err != nil {
		t.Fatalf("alice Close: %v", err)
	}
	if err := bob.dispatcher.Close(); err != nil {
		t.Fatalf("bob Close: %v", err)
	}
	if n := bob.dispatcher.LiveReceivers(); n != 0 {
		t.Fatalf("expected 0 live receivers after close, got %d", n)
	}
}

func TestSingleInterfaceFallback(t *testing.T) {
	net := simuct.NewNetwork(nil)
	caps := simuct.DefaultCaps()
	caps.Single = true
	alice := newPeer(t, net, "alice", caps)
	bob := newPeer(t, net, "bob", caps)
	defer alice.dispatcher.Close()
	defer bob.dispatcher.Close()

	loc := alice.ctx.Locality()
	if string(loc.AMIfaceAddr) != string(loc.RMAIfaceAddr) {
		t.Fatal("expected single-interface fallback to report the same address for both roles")
	}

	stop := make(chan struct{})
	defer close(stop)
	backgroundPump(stop, alice, bob)

	ctx := context.Background()
	sendAndWait(t, ctx, alice, bob, []byte("shared iface"))
	select {
	case got := <-bob.received:
		if string(got.data) != "shared iface" {
			t.Fatalf("got %q", got.data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bob to receive parcel")
	}
}
