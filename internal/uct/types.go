package uct

// CapFlag mirrors uct_iface_attr_t.cap.flags bits relevant to this module.
type CapFlag uint32

const (
	CapAMShort CapFlag = 1 << iota
	CapGetZcopy
	CapConnectToIface
	CapConnectToEP
	CapAMCBAsync
	CapAMCBSync
)

func (f CapFlag) Has(bit CapFlag) bool { return f&bit != 0 }

// IfaceAttr mirrors the subset of uct_iface_attr_t this module consults.
type IfaceAttr struct {
	Caps           CapFlag
	DeviceAddrLen  int
	IfaceAddrLen   int
	EpAddrLen      int
}

// MDAttr mirrors the subset of uct_md_attr_t this module consults.
type MDAttr struct {
	RkeyPackedSize int
}

// MemHandle is an opaque registered-memory handle (uct_mem_h).
type MemHandle interface{}

// RkeyBundle is the result of unpacking a peer's packed remote key
// (uct_rkey_bundle_t). Must be released exactly once.
type RkeyBundle interface {
	Release() error
}

// IOV describes a single scatter/gather element for a zero-copy GET.
type IOV struct {
	Buffer []byte
	Mem    MemHandle
}

// CompletionHandle is the explicit (function, state) completion descriptor
// called out as an alternative to completion-descriptor inheritance: the
// driver invokes Func when the operation this handle was passed to
// completes asynchronously.
type CompletionHandle struct {
	Status Status
	Count  int
	Func   func(*CompletionHandle)
}

// AMHandlerFunc is a registered active-message callback (uct_am_callback_t).
// header is the AM-header word; body is the (driver-owned, read-only for
// the duration of the call) message payload.
type AMHandlerFunc func(header uint64, body []byte) Status

// MD is a protection domain (uct_md_h) plus the operations scoped to it.
type MD interface {
	Query() (MDAttr, error)
	MemReg(buf []byte) (MemHandle, error)
	MemDereg(h MemHandle) error
	MkeyPack(h MemHandle) ([]byte, error)
	// Address returns the virtual address a peer must combine with the
	// unpacked remote key to address buf's first byte.
	Address(h MemHandle) (uint64, error)
	UnpackRkey(blob []byte) (RkeyBundle, error)
	Close() error
}

// Iface is a transport interface (uct_iface_h), opened against one role
// (AM or RMA) of one MD.
type Iface interface {
	// Handle returns an identity token; two Ifaces opened by the same
	// underlying resource return the same Handle, used to detect the
	// single-interface-serves-both-roles fallback.
	Handle() uintptr
	Query() (IfaceAttr, error)
	GetAddress() ([]byte, error)
	GetDeviceAddress() ([]byte, error)
	SetAMHandler(id uint8, fn AMHandlerFunc) error
	CreateEPConnected(deviceAddr, ifaceAddr []byte) (EP, error)
	CreateEP() (EP, error)
	Close() error
}

// EP is a connected or connectable endpoint (uct_ep_h).
type EP interface {
	ConnectToEP(deviceAddr, epAddr []byte) error
	GetAddress() ([]byte, error)
	AMShort(id uint8, header uint64, body []byte) (Status, error)
	GetZcopy(iov IOV, remoteAddr uint64, rkey RkeyBundle, completion *CompletionHandle) (Status, error)
	Destroy() error
}

// Worker drives the async progress engine (uct_worker_h).
type Worker interface {
	Progress() int
	Destroy() error
}

// Driver discovers MDs and creates workers; it is the seam between the
// transport package and either a real UCX binding (cgouct) or the
// in-process simulation used for tests (simuct).
type Driver interface {
	DiscoverMD(domain string) (MD, error)
	OpenAMIface(md MD) (Iface, error)
	OpenRMAIface(md MD) (Iface, error)
	NewWorker() (Worker, error)
}
