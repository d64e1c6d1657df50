package simuct

import (
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

type amMessage struct {
	id     uint8
	header uint64
	body   []byte
}

type ep struct {
	net    *Network
	local  *iface
	handle uintptr

	connected   bool
	remoteIface *iface // AM endpoints, and RMA endpoints in iface-to-iface mode
}

func (e *ep) GetAddress() ([]byte, error) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(e.handle))
	return b, nil
}

func (e *ep) ConnectToEP(deviceAddr, epAddr []byte) error {
	if len(epAddr) != 8 {
		return fmt.Errorf("simuct: ConnectToEP: bad ep address length %d", len(epAddr))
	}
	// The simulated fabric does not resolve the remote endpoint: it only
	// marks this ep connected. Remote RMA reads never need to walk
	// through the ep itself since a region is located by its remote key
	// alone.
	e.connected = true
	return nil
}

func (e *ep) Destroy() error { return nil }

func (e *ep) AMShort(id uint8, header uint64, body []byte) (uct.Status, error) {
	if e.remoteIface == nil {
		return uct.StatusErrNotConnected, uct.ErrorFromStatus(uct.StatusErrNotConnected, "uct_ep_am_short")
	}
	if e.net.fault.shouldFail(opName(id)) {
		return uct.StatusErrNoResource, nil
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	e.remoteIface.deliver(amMessage{id: id, header: header, body: cp})
	return uct.StatusOK, nil
}

func (e *ep) GetZcopy(iov uct.IOV, remoteAddr uint64, rkey uct.RkeyBundle, completion *uct.CompletionHandle) (uct.Status, error) {
	if !e.connected && e.remoteIface == nil {
		return uct.StatusErrNotConnected, uct.ErrorFromStatus(uct.StatusErrNotConnected, "uct_ep_get_zcopy")
	}
	b, ok := rkey.(*rkeyBundle)
	if !ok {
		return uct.StatusErrIOError, fmt.Errorf("simuct: GetZcopy: not a simuct rkey bundle")
	}
	r, ok := e.net.lookup(b.tok)
	if !ok {
		return uct.StatusErrIOError, fmt.Errorf("simuct: GetZcopy: remote region %d no longer registered", b.tok)
	}
	n := copy(iov.Buffer, r.buf)
	if n < len(iov.Buffer) {
		return uct.StatusErrIOError, fmt.Errorf("simuct: GetZcopy: remote region shorter than requested read (%d < %d)", n, len(iov.Buffer))
	}
	// Delivered synchronously from the caller's point of view, but the
	// completion-driven call sites are written to tolerate true async
	// delivery: queue it for the next Progress() instead of invoking
	// completion.Func inline.
	e.net.queueCompletion(completion)
	return uct.StatusInProgress, nil
}

func opName(id uint8) string {
	switch id {
	case 0:
		return "am:connect"
	case 1:
		return "am:connect_ack"
	case 2:
		return "am:read"
	case 3:
		return "am:read_ack"
	case 4:
		return "am:close"
	default:
		return fmt.Sprintf("am:%d", id)
	}
}
