// Package simuct is an in-process, non-cgo simulation of the internal/uct
// contract. It plays the role libfabric's software "sockets" provider
// plays for rocketbitz/libfabric-go's tests: a transport that needs no
// special hardware, used by default in this module's test suite. Remote
// GETs are satisfied by copying directly out
// of the peer's registered buffer, since all simulated localities share
// one process.
package simuct

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// Network is shared state binding every locality created against it into
// one simulated fabric: it owns the registered-memory regions addressable
// by a packed remote key, and the queues backing active messages and
// zero-copy GETs.
type Network struct {
	mu      sync.Mutex
	regions map[uint64]*region
	nextTok uint64

	ifacesMu sync.Mutex
	ifaces   map[uintptr]*iface

	progressMu  sync.Mutex
	pendingAM   []pendingAM
	pendingComp []*uct.CompletionHandle

	fault *FaultInjector
}

type pendingAM struct {
	iface *iface
	msg   amMessage
}

type region struct {
	buf []byte
}

// FaultInjector lets tests force specific operations to fail with
// StatusErrNoResource a fixed number of times, exercising the retry paths
// spec'd for AM posts (connect/connect_ack/read/read_ack).
type FaultInjector struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewFaultInjector returns an injector with no configured failures.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{counts: make(map[string]int)}
}

// FailNext configures op (e.g. "am:connect") to fail n more times before
// succeeding.
func (f *FaultInjector) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[op] = n
}

func (f *FaultInjector) shouldFail(op string) bool {
	if f == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] <= 0 {
		return false
	}
	f.counts[op]--
	return true
}

// NewNetwork creates a fresh simulated fabric. Pass the same Network to
// every Driver that must be able to see each other's registered memory.
func NewNetwork(fault *FaultInjector) *Network {
	return &Network{regions: make(map[uint64]*region), ifaces: make(map[uintptr]*iface), fault: fault}
}

func (n *Network) registerIface(f *iface) {
	n.ifacesMu.Lock()
	defer n.ifacesMu.Unlock()
	n.ifaces[f.handle] = f
}

func (n *Network) lookupIface(h uintptr) (*iface, bool) {
	n.ifacesMu.Lock()
	defer n.ifacesMu.Unlock()
	f, ok := n.ifaces[h]
	return f, ok
}

func (n *Network) register(buf []byte) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextTok++
	tok := n.nextTok
	n.regions[tok] = &region{buf: buf}
	return tok
}

func (n *Network) deregister(tok uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.regions[tok]; !ok {
		return fmt.Errorf("simuct: deregister of unknown token %d", tok)
	}
	delete(n.regions, tok)
	return nil
}

func (n *Network) lookup(tok uint64) (*region, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.regions[tok]
	return r, ok
}

func (n *Network) queueCompletion(h *uct.CompletionHandle) {
	n.progressMu.Lock()
	defer n.progressMu.Unlock()
	n.pendingComp = append(n.pendingComp, h)
}

func (n *Network) queueAM(f *iface, msg amMessage) {
	n.progressMu.Lock()
	defer n.progressMu.Unlock()
	n.pendingAM = append(n.pendingAM, pendingAM{iface: f, msg: msg})
}

// drain delivers one pending AM message and fires one pending completion,
// if any are queued, and reports how many items it processed. A single
// progress() call performs a bounded slice of work, mirroring a real
// uct_worker_progress() iteration rather than draining unboundedly.
func (n *Network) drain() int {
	n.progressMu.Lock()
	var am *pendingAM
	if len(n.pendingAM) > 0 {
		item := n.pendingAM[0]
		n.pendingAM = n.pendingAM[1:]
		am = &item
	}
	var comp *uct.CompletionHandle
	if len(n.pendingComp) > 0 {
		comp = n.pendingComp[0]
		n.pendingComp = n.pendingComp[1:]
	}
	n.progressMu.Unlock()

	did := 0
	if am != nil {
		if fn, ok := am.iface.handlerFor(am.msg.id); ok {
			fn(am.msg.header, am.msg.body)
		}
		did++
	}
	if comp != nil {
		comp.Status = uct.StatusOK
		if comp.Func != nil {
			comp.Func(comp)
		}
		did++
	}
	return did
}

var nextHandle uint64

func allocHandle() uintptr {
	return uintptr(atomic.AddUint64(&nextHandle, 1))
}
