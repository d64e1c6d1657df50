package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// Sender is the client side of a connected pair (spec component C3): it
// initiates the handshake, owns the outbound header and user payload
// buffer, posts read notifications, and awaits completion
// acknowledgements.
//
// Lifetime differs from the upstream design deliberately (spec §9): there
// is no cyclic self-reference keeping a Sender alive across an
// outstanding write. Instead the owning Dispatcher's sender pool holds
// the only reference, and inUse prevents a second concurrent AsyncWrite
// on the same Sender.
type Sender struct {
	dispatcher  *Dispatcher
	destination Locality

	amEP uct.EP
	rmaEP uct.EP // non-nil only when rmaConnectsToEP

	rmaConnectsToEP bool

	header *header
	selfTicket Ticket

	receiveHandle atomic.Uint64 // Ticket; 0 means not yet acknowledged
	inUse         atomic.Bool

	payloadMem uct.MemHandle

	onDone        func(error)
	onPostprocess func(error, Locality, *Sender)

	tracer Tracer
	span   Span
}

// newSender constructs the AM endpoint (always connected to the peer's AM
// interface) and, when the RMA role requires endpoint-to-endpoint setup,
// a standalone RMA endpoint to be connected later by handleConnectAck.
func newSender(d *Dispatcher, destination Locality, rmaConnectsToEP bool) (*Sender, error) {
	amEP, err := d.ctx.amIface.CreateEPConnected(destination.AMDeviceAddr, destination.AMIfaceAddr)
	if err != nil {
		return nil, fatalf("ep_create_connected(am)", err)
	}

	var rmaEP uct.EP
	if rmaConnectsToEP {
		rmaEP, err = d.ctx.rmaIface.CreateEP()
		if err != nil {
			_ = amEP.Destroy()
			return nil, fatalf("ep_create(rma)", err)
		}
	}

	h, err := newHeader(d.ctx.md, DefaultHeaderSize, d.ctx.RkeyPackedSize())
	if err != nil {
		_ = amEP.Destroy()
		if rmaEP != nil {
			_ = rmaEP.Destroy()
		}
		return nil, err
	}

	s := &Sender{
		dispatcher:      d,
		destination:     destination,
		amEP:            amEP,
		rmaEP:           rmaEP,
		rmaConnectsToEP: rmaConnectsToEP,
		header:          h,
	}
	s.selfTicket = d.tickets.Allocate(s)
	return s, nil
}

// Connect posts connect_message (spec §4.3). It returns (false, nil) on a
// transient NO_RESOURCE response for the caller to retry after progress,
// and a non-nil error for anything else.
func (s *Sender) Connect(local Locality) (bool, error) {
	body := connectBody{
		RMAConnectsToEP: s.rmaConnectsToEP,
		RMADeviceAddr:   local.RMADeviceAddr,
		AMIfaceAddr:     local.AMIfaceAddr,
		AMDeviceAddr:    local.AMDeviceAddr,
		RkeyBlob:        s.header.Rkey(),
		SenderHandle:    s.selfTicket,
	}
	headerAddr, err := s.dispatcher.ctx.md.Address(s.header.MemHandle())
	if err != nil {
		return false, fatalf("header address", err)
	}
	body.HeaderAddr = headerAddr

	if s.rmaConnectsToEP {
		epAddr, err := s.rmaEP.GetAddress()
		if err != nil {
			return false, fatalf("ep_get_address(rma)", err)
		}
		body.RMAEpAddr = epAddr
	} else {
		body.RMAIfaceAddr = local.RMAIfaceAddr
	}

	wire := encodeConnectBody(body, len(body.RMADeviceAddr), len(rmaTail(body)), len(body.AMIfaceAddr), len(body.AMDeviceAddr))

	status, err := s.amEP.AMShort(uint8(MsgConnect), uint64(s.selfTicket), wire)
	if err != nil {
		return false, fatalf("ep_am_short(connect)", err)
	}
	if status == uct.StatusErrNoResource {
		return false, nil
	}
	if status != uct.StatusOK {
		return false, fatalf("ep_am_short(connect)", uct.ErrorFromStatus(status, "ep_am_short"))
	}
	return true, nil
}

func rmaTail(b connectBody) []byte {
	if b.RMAConnectsToEP {
		return b.RMAEpAddr
	}
	return b.RMAIfaceAddr
}

// SetReceiveHandle publishes the peer's receiver ticket, unblocking the
// dispatcher's CreateConnection spin-wait. It transitions exactly once:
// receive_handle goes from 0 to nonzero before the first AsyncWrite.
func (s *Sender) SetReceiveHandle(tk Ticket) {
	s.receiveHandle.Store(uint64(tk))
}

// ReceiveHandle returns the current receive handle (0 if not yet
// acknowledged).
func (s *Sender) ReceiveHandle() Ticket {
	return Ticket(s.receiveHandle.Load())
}

// ConnectRMAEndpoint finishes EP-to-EP linkage using the peer's RMA
// endpoint address carried in connect_ack_message.
func (s *Sender) ConnectRMAEndpoint(peerRMAEpAddr []byte) error {
	if !s.rmaConnectsToEP {
		return nil
	}
	if err := s.rmaEP.ConnectToEP(s.destination.RMADeviceAddr, peerRMAEpAddr); err != nil {
		return fatalf("ep_connect_to_ep", err)
	}
	return nil
}

// AsyncWrite fills the header from payload and posts read_message (spec
// §4.3). Precondition: ReceiveHandle() != 0. The caller supplies callback
// hooks invoked exactly once (in order) from Done.
func (s *Sender) AsyncWrite(payload []byte, dataSize, numChunksZeroCopy, numChunksNonZeroCopy uint64, onDone func(error), onPostprocess func(error, Locality, *Sender)) (bool, error) {
	if s.ReceiveHandle() == 0 {
		return false, ErrNotConnected
	}
	if !s.inUse.CompareAndSwap(false, true) {
		return false, fmt.Errorf("transport: sender: AsyncWrite already in flight")
	}

	if s.tracer != nil {
		s.span = s.tracer.StartSpan("sender.async_write", TraceAttribute{Key: "destination", Value: s.destination.Key()})
	}

	s.header.reset(payload, dataSize, numChunksZeroCopy, numChunksNonZeroCopy)
	if s.header.PiggyBack() == nil {
		mem, err := s.dispatcher.ctx.md.MemReg(payload)
		if err != nil {
			s.inUse.Store(false)
			return false, fatalf("mem_reg(payload)", err)
		}
		s.payloadMem = mem
		addr, err := s.dispatcher.ctx.md.Address(mem)
		if err != nil {
			s.inUse.Store(false)
			return false, fatalf("payload address", err)
		}
		rkey, err := s.dispatcher.ctx.md.MkeyPack(mem)
		if err != nil {
			s.inUse.Store(false)
			return false, fatalf("mkey_pack(payload)", err)
		}
		s.header.SetRemotePayload(addr, rkey)
	}

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], s.header.Size())

	s.onDone = onDone
	s.onPostprocess = onPostprocess

	status, err := s.amEP.AMShort(uint8(MsgRead), uint64(s.ReceiveHandle()), lenBuf[:])
	if err != nil {
		s.inUse.Store(false)
		return false, fatalf("ep_am_short(read)", err)
	}
	if status == uct.StatusErrNoResource {
		s.inUse.Store(false)
		return false, nil
	}
	if status != uct.StatusOK {
		s.inUse.Store(false)
		return false, fatalf("ep_am_short(read)", uct.ErrorFromStatus(status, "ep_am_short"))
	}
	return true, nil
}

// Done is invoked from the dispatcher's read_ack handler. It invokes
// onDone, deregisters the payload if one was registered, invokes
// onPostprocess, and marks the sender reusable for the next AsyncWrite.
func (s *Sender) Done(err error) {
	if s.onDone != nil {
		s.onDone(err)
	}
	if s.payloadMem != nil {
		_ = s.dispatcher.ctx.md.MemDereg(s.payloadMem)
		s.payloadMem = nil
	}
	if s.span != nil {
		s.span.End(err)
		s.span = nil
	}
	dest := s.destination
	pp := s.onPostprocess
	s.onDone = nil
	s.onPostprocess = nil
	s.inUse.Store(false)
	if pp != nil {
		pp(err, dest, s)
	}
}

// Close tears down the sender's endpoints and header. Called only by the
// dispatcher's own teardown; a reusable Sender stays alive across many
// transfers (testable property: header reuse).
func (s *Sender) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.payloadMem != nil {
		record(s.dispatcher.ctx.md.MemDereg(s.payloadMem))
	}
	record(s.header.Close())
	if s.rmaEP != nil {
		record(s.rmaEP.Destroy())
	}
	record(s.amEP.Destroy())
	s.dispatcher.tickets.Release(s.selfTicket)
	return firstErr
}

// spinConnect drives Connect in a cooperative spin-yield loop (spec §5
// suspension point 1).
func spinConnect(ctx context.Context, d *Dispatcher, s *Sender, local Locality) error {
	return spinUntil(ctx, func() { d.ctx.Progress() }, d.yielder, func() (bool, error) {
		return s.Connect(local)
	})
}

// spinReceiveHandle waits for receive_handle to be set by connect_ack
// (spec §5 suspension point 2).
func spinReceiveHandle(ctx context.Context, d *Dispatcher, s *Sender) error {
	return spinUntil(ctx, func() { d.ctx.Progress() }, d.yielder, func() (bool, error) {
		return s.ReceiveHandle() != 0, nil
	})
}
