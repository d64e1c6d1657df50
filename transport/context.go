package transport

import (
	"fmt"
	"sync"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// ContextConfig configures Context construction. Recognized fields mirror
// spec §6's configuration keys (domain, zero_copy_optimization,
// priority).
type ContextConfig struct {
	// Driver discovers the protection domain and opens the AM/RMA
	// interfaces; see internal/uct/simuct for the in-process test driver
	// and internal/uct/cgouct for the real-hardware binding.
	Driver uct.Driver

	// Domain is the protection-domain name to select, e.g. "ib/mlx4_0".
	Domain string

	// ZeroCopy must be false: the multi-chunk scatter path is
	// unimplemented (spec §9 open question).
	ZeroCopy bool

	// Priority ranks this transport against others the embedding
	// application may register; the Context stores but does not
	// interpret it.
	Priority int

	Logger           Logger
	StructuredLogger StructuredLogger
}

// Context owns the async substrate, the progress worker, the protection
// domain, and the two selected interfaces (spec component C1).
type Context struct {
	cfg ContextConfig

	md     uct.MD
	mdAttr uct.MDAttr
	worker uct.Worker

	amIface  uct.Iface
	rmaIface uct.Iface
	amAttr   uct.IfaceAttr
	rmaAttr  uct.IfaceAttr

	// singleIface is true when amIface and rmaIface resolved to the same
	// underlying interface (spec §9 "single-interface fallback"); Close
	// must then close it exactly once.
	singleIface bool

	locality Locality

	mu sync.Mutex
}

// RMAConnectsToEP reports whether the RMA role requires endpoint-to-
// endpoint connection setup rather than iface-to-iface (spec §4.1's RMA
// role capability check against CONNECT_TO_EP).
func (c *Context) RMAConnectsToEP() bool {
	return c.rmaAttr.Caps.Has(uct.CapConnectToEP) && !c.rmaAttr.Caps.Has(uct.CapConnectToIface)
}

// NewContext opens the async substrate, enumerates protection-domain
// resources, and selects interfaces satisfying the AM and RMA roles
// (spec §4.1). Any setup failure is fatal, and partial resources opened
// before the failure are released before NewContext returns.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.ZeroCopy {
		return nil, fatalf("context setup", ErrZeroCopyUnimplemented)
	}
	if cfg.Driver == nil {
		return nil, fatalf("context setup", fmt.Errorf("transport: ContextConfig.Driver is required"))
	}
	if cfg.Domain == "" {
		return nil, fatalf("context setup", fmt.Errorf("transport: ContextConfig.Domain is required"))
	}

	c := &Context{cfg: cfg}

	md, err := cfg.Driver.DiscoverMD(cfg.Domain)
	if err != nil {
		return nil, fatalf("md_open", err)
	}
	c.md = md

	mdAttr, err := md.Query()
	if err != nil {
		_ = md.Close()
		return nil, fatalf("md_query", err)
	}
	c.mdAttr = mdAttr

	worker, err := cfg.Driver.NewWorker()
	if err != nil {
		_ = md.Close()
		return nil, fatalf("worker_create", err)
	}
	c.worker = worker

	amIface, err := cfg.Driver.OpenAMIface(md)
	if err != nil {
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_open(am)", err)
	}
	amAttr, err := amIface.Query()
	if err != nil {
		_ = amIface.Close()
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_query(am)", err)
	}
	if !amAttr.Caps.Has(uct.CapAMShort) || !amAttr.Caps.Has(uct.CapConnectToIface) {
		_ = amIface.Close()
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_query(am)", fmt.Errorf("transport: AM interface lacks AM_SHORT|CONNECT_TO_IFACE"))
	}
	c.amIface, c.amAttr = amIface, amAttr

	rmaIface, err := cfg.Driver.OpenRMAIface(md)
	if err != nil {
		_ = amIface.Close()
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_open(rma)", err)
	}
	rmaAttr, err := rmaIface.Query()
	if err != nil {
		_ = rmaIface.Close()
		if rmaIface.Handle() != amIface.Handle() {
			_ = amIface.Close()
		}
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_query(rma)", err)
	}
	if !rmaAttr.Caps.Has(uct.CapGetZcopy) {
		_ = rmaIface.Close()
		if rmaIface.Handle() != amIface.Handle() {
			_ = amIface.Close()
		}
		_ = worker.Destroy()
		_ = md.Close()
		return nil, fatalf("iface_query(rma)", fmt.Errorf("transport: RMA interface lacks GET_ZCOPY"))
	}
	c.rmaIface, c.rmaAttr = rmaIface, rmaAttr
	c.singleIface = rmaIface.Handle() == amIface.Handle()

	amDevice, err := amIface.GetDeviceAddress()
	if err != nil {
		_ = c.Close()
		return nil, fatalf("iface_get_device_address(am)", err)
	}
	amAddr, err := amIface.GetAddress()
	if err != nil {
		_ = c.Close()
		return nil, fatalf("iface_get_address(am)", err)
	}
	rmaDevice, err := rmaIface.GetDeviceAddress()
	if err != nil {
		_ = c.Close()
		return nil, fatalf("iface_get_device_address(rma)", err)
	}
	rmaAddr, err := rmaIface.GetAddress()
	if err != nil {
		_ = c.Close()
		return nil, fatalf("iface_get_address(rma)", err)
	}
	c.locality = Locality{
		AMDeviceAddr:  amDevice,
		AMIfaceAddr:   amAddr,
		RMADeviceAddr: rmaDevice,
		RMAIfaceAddr:  rmaAddr,
	}

	logEvent(cfg.Logger, cfg.StructuredLogger, "context ready",
		logKV("domain", cfg.Domain), logKV("single_iface", c.singleIface),
		logKV("rma_connects_to_ep", c.RMAConnectsToEP()))

	return c, nil
}

// Locality returns this process's own address set, to be published to
// peers by whatever bootstrap mechanism the embedding application uses.
func (c *Context) Locality() Locality { return c.locality }

// MD returns the underlying protection domain, used by Sender/Receiver to
// register payload buffers.
func (c *Context) MD() uct.MD { return c.md }

// RkeyPackedSize reports the packed-remote-key blob size this MD
// produces.
func (c *Context) RkeyPackedSize() int { return c.mdAttr.RkeyPackedSize }

// Progress drives one non-blocking iteration of the worker.
func (c *Context) Progress() int {
	return c.worker.Progress()
}

// Lock serializes mutating access to shared resources (the dispatcher's
// live-receiver set and sender pool), returning an unlock function.
func (c *Context) Lock() func() {
	c.mu.Lock()
	return c.mu.Unlock
}

// TryLock attempts the same serialization without blocking.
func (c *Context) TryLock() (unlock func(), ok bool) {
	if !c.mu.TryLock() {
		return nil, false
	}
	return c.mu.Unlock, true
}

// Close releases every resource opened by NewContext, closing the
// AM/RMA interfaces exactly once even when a single interface serves
// both roles.
func (c *Context) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.rmaIface != nil {
		record(c.rmaIface.Close())
		if c.singleIface {
			c.amIface = nil
		}
	}
	if c.amIface != nil {
		record(c.amIface.Close())
	}
	if c.worker != nil {
		record(c.worker.Destroy())
	}
	if c.md != nil {
		record(c.md.Close())
	}
	return firstErr
}
