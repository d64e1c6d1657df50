package simuct

import (
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// deviceAddrWidth is the fixed device-address length every simuct iface
// reports, regardless of the identifying byte string a Driver was built
// with. Real UCT transports report a fixed device_addr_len per
// transport; a connect_message's tail-first wire layout (transport/
// dispatcher.go's decodeConnectBody) relies on that width being equal
// across peers, not on peers sharing an address or a name of equal
// length.
const deviceAddrWidth = 16

// Role distinguishes the AM-capable and RMA-capable interfaces opened
// against an MD, matching the two roles Context (C1) selects interfaces
// for.
type Role int

const (
	RoleAM Role = iota
	RoleRMA
)

type iface struct {
	net     *Network
	role    Role
	handle  uintptr
	device  []byte
	attr    uct.IfaceAttr
	handlers [5]uct.AMHandlerFunc

	// single indicates this iface object was also returned for the other
	// role, exercising the single-interface fallback (spec §9).
	single bool
}

// Caps controls which capability flags a simuct iface reports, letting
// tests drive the EP-to-EP vs iface-to-iface branch (spec §8 scenario 4).
type Caps struct {
	AM     uct.CapFlag
	RMA    uct.CapFlag
	Single bool
}

// DefaultCaps reports the conventional capability split: the AM role gets
// AM_SHORT|CONNECT_TO_IFACE|AM_CB_SYNC, the RMA role gets
// GET_ZCOPY|CONNECT_TO_IFACE.
func DefaultCaps() Caps {
	return Caps{
		AM:  uct.CapAMShort | uct.CapConnectToIface | uct.CapAMCBSync,
		RMA: uct.CapGetZcopy | uct.CapConnectToIface,
	}
}

// EPToEPCaps reports an RMA role that requires endpoint-to-endpoint
// connection setup instead of iface-to-iface.
func EPToEPCaps() Caps {
	c := DefaultCaps()
	c.RMA = uct.CapGetZcopy | uct.CapConnectToEP
	return c
}

func newIface(net *Network, role Role, device []byte, caps Caps) *iface {
	h := allocHandle()
	attr := uct.IfaceAttr{DeviceAddrLen: deviceAddrWidth, IfaceAddrLen: 8, EpAddrLen: 8}
	if role == RoleAM {
		attr.Caps = caps.AM
	} else {
		attr.Caps = caps.RMA
	}
	f := &iface{net: net, role: role, handle: h, device: fixedDeviceAddr(device), attr: attr}
	net.registerIface(f)
	return f
}

// fixedDeviceAddr pads or truncates device to deviceAddrWidth bytes, so
// every simuct iface reports the same device_addr_len irrespective of
// the (arbitrary-length) identifying byte string its Driver was built
// with.
func fixedDeviceAddr(device []byte) []byte {
	fixed := make([]byte, deviceAddrWidth)
	copy(fixed, device)
	return fixed
}

func (f *iface) Handle() uintptr { return f.handle }

func (f *iface) Query() (uct.IfaceAttr, error) { return f.attr, nil }

func (f *iface) GetAddress() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(f.handle))
	return b, nil
}

func (f *iface) GetDeviceAddress() ([]byte, error) {
	return f.device, nil
}

func (f *iface) SetAMHandler(id uint8, fn uct.AMHandlerFunc) error {
	if int(id) >= len(f.handlers) {
		return fmt.Errorf("simuct: SetAMHandler: id %d out of range", id)
	}
	f.handlers[id] = fn
	return nil
}

func (f *iface) handlerFor(id uint8) (uct.AMHandlerFunc, bool) {
	if int(id) >= len(f.handlers) || f.handlers[id] == nil {
		return nil, false
	}
	return f.handlers[id], true
}

func (f *iface) deliver(msg amMessage) {
	f.net.queueAM(f, msg)
}

func (f *iface) CreateEPConnected(deviceAddr, ifaceAddr []byte) (uct.EP, error) {
	if len(ifaceAddr) != 8 {
		return nil, fmt.Errorf("simuct: CreateEPConnected: bad iface address length %d", len(ifaceAddr))
	}
	peerHandle := uintptr(binary.LittleEndian.Uint64(ifaceAddr))
	peer, ok := f.net.lookupIface(peerHandle)
	if !ok {
		return nil, fmt.Errorf("simuct: CreateEPConnected: unknown peer iface %d", peerHandle)
	}
	return &ep{net: f.net, local: f, remoteIface: peer, connected: true}, nil
}

func (f *iface) CreateEP() (uct.EP, error) {
	return &ep{net: f.net, local: f, handle: allocHandle()}, nil
}

func (f *iface) Close() error { return nil }
