package transport

import (
	"context"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// receiverState is the per-transfer state machine (spec §4.4):
//
//	IDLE --read()--> READING_HEADER --hdr-complete-->
//	    piggy    --------------------------------> ACKING --ok--> IDLE
//	    no piggy --read_data()--> READING_DATA --data-complete--> ACKING --ok--> IDLE
type receiverState int

const (
	stateIdle receiverState = iota
	stateReadingHeader
	stateReadingData
	stateAcking
)

// Receiver is the server side of a connected pair (spec component C4): it
// accepts the handshake, issues remote GETs for header then payload,
// decodes the parcel, and acknowledges.
type Receiver struct {
	dispatcher *Dispatcher

	amEP  uct.EP
	rmaEP uct.EP

	header     *header
	senderHandle Ticket
	selfTicket   Ticket

	remoteHeaderAddr uint64
	remoteHeaderRkey uct.RkeyBundle

	payloadBuffer []byte
	payloadMem    uct.MemHandle

	numChunksZeroCopy, numChunksNonZeroCopy uint64

	state receiverState

	// completion is the explicit (function, state) completion
	// descriptor substituting for completion-descriptor inheritance
	// (spec §9 design note's named alternative).
	completion uct.CompletionHandle

	source Locality

	tracer Tracer
	span   Span
}

// newReceiver unpacks the peer's header remote key and builds the
// receiver's own header (spec §4.4 construction).
func newReceiver(d *Dispatcher, senderHandle Ticket, remoteHeaderAddr uint64, packedKeyBlob []byte, source Locality) (*Receiver, error) {
	bundle, err := d.ctx.md.UnpackRkey(packedKeyBlob)
	if err != nil {
		return nil, fatalf("rkey_unpack", err)
	}
	h, err := newHeader(d.ctx.md, DefaultHeaderSize, d.ctx.RkeyPackedSize())
	if err != nil {
		_ = bundle.Release()
		return nil, err
	}
	r := &Receiver{
		dispatcher:       d,
		header:           h,
		senderHandle:     senderHandle,
		remoteHeaderAddr: remoteHeaderAddr,
		remoteHeaderRkey: bundle,
		source:           source,
		state:            stateIdle,
	}
	r.selfTicket = d.tickets.Allocate(r)
	return r, nil
}

// Connect links the receiver's AM endpoint to the peer's AM interface,
// and its RMA endpoint either to the peer's RMA interface (iface mode) or
// to the peer's RMA endpoint address (EP-to-EP mode), the two forms spec
// §4.4 describes.
func (r *Receiver) Connect(peer connectBody) error {
	amEP, err := r.dispatcher.ctx.amIface.CreateEPConnected(peer.AMDeviceAddr, peer.AMIfaceAddr)
	if err != nil {
		return fatalf("ep_create_connected(am)", err)
	}
	r.amEP = amEP

	if peer.RMAConnectsToEP {
		rmaEP, err := r.dispatcher.ctx.rmaIface.CreateEP()
		if err != nil {
			_ = amEP.Destroy()
			return fatalf("ep_create(rma)", err)
		}
		if err := rmaEP.ConnectToEP(peer.RMADeviceAddr, peer.RMAEpAddr); err != nil {
			_ = rmaEP.Destroy()
			_ = amEP.Destroy()
			return fatalf("ep_connect_to_ep", err)
		}
		r.rmaEP = rmaEP
	} else {
		rmaEP, err := r.dispatcher.ctx.rmaIface.CreateEPConnected(peer.RMADeviceAddr, peer.RMAIfaceAddr)
		if err != nil {
			_ = amEP.Destroy()
			return fatalf("ep_create_connected(rma)", err)
		}
		r.rmaEP = rmaEP
	}
	return nil
}

// SendConnectAck posts connect_ack_message (spec §4.4). Returns (false,
// nil) on transient NO_RESOURCE for the caller to retry.
func (r *Receiver) SendConnectAck(connectsToEP bool) (bool, error) {
	ack := connectAckBody{SenderHandle: r.senderHandle}
	if connectsToEP {
		addr, err := r.rmaEP.GetAddress()
		if err != nil {
			return false, fatalf("ep_get_address(rma)", err)
		}
		ack.RMAEpAddr = addr
	}
	status, err := r.amEP.AMShort(uint8(MsgConnectAck), uint64(r.selfTicket), encodeConnectAckBody(ack))
	if err != nil {
		return false, fatalf("ep_am_short(connect_ack)", err)
	}
	if status == uct.StatusErrNoResource {
		return false, nil
	}
	if status != uct.StatusOK {
		return false, fatalf("ep_am_short(connect_ack)", uct.ErrorFromStatus(status, "ep_am_short"))
	}
	return true, nil
}

// Read is the entry point from the dispatcher's read_message handler
// (spec §4.4 "read(header_length)"): it issues the header GET.
func (r *Receiver) Read(headerLength uint64) error {
	if r.tracer != nil {
		r.span = r.tracer.StartSpan("receiver.read", TraceAttribute{Key: "source", Value: r.source.Key()})
	}
	r.state = stateReadingHeader
	r.header.resetSize(headerLength)

	r.completion = uct.CompletionHandle{Count: 1, Func: r.onHeaderComplete}
	iov := uct.IOV{Buffer: r.header.Data()[:headerLength], Mem: r.header.MemHandle()}
	status, err := r.rmaEP.GetZcopy(iov, r.remoteHeaderAddr, r.remoteHeaderRkey, &r.completion)
	if err != nil {
		return fatalf("ep_get_zcopy(header)", err)
	}
	switch status {
	case uct.StatusInProgress:
		return nil
	case uct.StatusOK:
		r.onHeaderComplete(&r.completion)
		return nil
	default:
		return fatalf("ep_get_zcopy(header)", uct.ErrorFromStatus(status, "ep_get_zcopy"))
	}
}

func (r *Receiver) onHeaderComplete(c *uct.CompletionHandle) {
	if c.Status != uct.StatusOK {
		r.dispatcher.fatal("ep_get_zcopy(header) completion", uct.ErrorFromStatus(c.Status, "ep_get_zcopy"))
		return
	}
	piggy := r.readHeaderDone()
	if piggy {
		if err := spinReadDone(context.Background(), r.dispatcher, r); err != nil {
			r.dispatcher.fatal("read_done(piggy)", err)
		}
		return
	}
	if err := r.readData(); err != nil {
		r.dispatcher.fatal("read_data", err)
	}
}

// readHeaderDone resizes the payload buffer, records chunk counts, and
// copies the inline payload out when the piggy-back flag is set (spec
// §4.4 "read_header_done() -> bool").
func (r *Receiver) readHeaderDone() (piggyBack bool) {
	r.payloadBuffer = make([]byte, r.header.dataSize())
	r.numChunksZeroCopy = r.header.numChunksZeroCopy()
	r.numChunksNonZeroCopy = r.header.numChunksNonZeroCopy()

	if pb := r.header.PiggyBack(); pb != nil {
		copy(r.payloadBuffer, pb)
		return true
	}
	return false
}

// readData registers the payload buffer, parses the remote payload
// address and key out of the header tail, and issues the second GET
// (spec §4.4 "read_data()").
func (r *Receiver) readData() error {
	r.state = stateReadingData
	mem, err := r.dispatcher.ctx.md.MemReg(r.payloadBuffer)
	if err != nil {
		return fatalf("mem_reg(payload)", err)
	}
	r.payloadMem = mem

	addr, rkeyBlob := r.header.RemotePayload(r.dispatcher.ctx.RkeyPackedSize())
	rkey, err := r.dispatcher.ctx.md.UnpackRkey(rkeyBlob)
	if err != nil {
		return fatalf("rkey_unpack(payload)", err)
	}

	r.completion = uct.CompletionHandle{Count: 1, Func: func(c *uct.CompletionHandle) {
		_ = rkey.Release()
		r.onDataComplete(c)
	}}
	iov := uct.IOV{Buffer: r.payloadBuffer, Mem: mem}
	status, err := r.rmaEP.GetZcopy(iov, addr, rkey, &r.completion)
	if err != nil {
		_ = rkey.Release()
		return fatalf("ep_get_zcopy(data)", err)
	}
	switch status {
	case uct.StatusInProgress:
		return nil
	case uct.StatusOK:
		r.completion.Func(&r.completion)
		return nil
	default:
		_ = rkey.Release()
		return fatalf("ep_get_zcopy(data)", uct.ErrorFromStatus(status, "ep_get_zcopy"))
	}
}

func (r *Receiver) onDataComplete(c *uct.CompletionHandle) {
	if c.Status != uct.StatusOK {
		r.dispatcher.fatal("ep_get_zcopy(data) completion", uct.ErrorFromStatus(c.Status, "ep_get_zcopy"))
		return
	}
	if err := spinReadDone(context.Background(), r.dispatcher, r); err != nil {
		r.dispatcher.fatal("read_done", err)
	}
}

// ReadDone hands the payload to the decoder, deregisters the payload
// buffer if one was registered, and posts read_ack_message (spec §4.4
// "read_done() -> bool"). It returns (false, nil) on transient
// NO_RESOURCE for the caller to retry.
func (r *Receiver) ReadDone() (bool, error) {
	r.state = stateAcking
	bytesReceived := len(r.payloadBuffer)
	piggyBack := r.header.PiggyBack() != nil
	if bytesReceived > 0 && r.dispatcher.decoder != nil {
		if err := r.dispatcher.decoder.DecodeParcels(r.source, r.payloadBuffer, r.numChunksZeroCopy, r.numChunksNonZeroCopy); err != nil {
			return false, fatalf("decode_parcels", err)
		}
	}
	if r.payloadMem != nil {
		if err := r.dispatcher.ctx.md.MemDereg(r.payloadMem); err != nil {
			return false, fatalf("mem_dereg(payload)", err)
		}
		r.payloadMem = nil
	}
	r.payloadBuffer = nil

	status, err := r.amEP.AMShort(uint8(MsgReadAck), uint64(r.senderHandle), nil)
	if err != nil {
		return false, fatalf("ep_am_short(read_ack)", err)
	}
	if status == uct.StatusErrNoResource {
		return false, nil
	}
	if status != uct.StatusOK {
		return false, fatalf("ep_am_short(read_ack)", uct.ErrorFromStatus(status, "ep_am_short"))
	}
	r.state = stateIdle
	if r.dispatcher.metrics != nil {
		r.dispatcher.metrics.OnParcelReceived(r.source.Key(), bytesReceived, piggyBack)
	}
	if r.span != nil {
		r.span.End(nil)
		r.span = nil
	}
	return true, nil
}

// Close releases the receiver's endpoints, header, and cached remote key.
func (r *Receiver) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.payloadMem != nil {
		record(r.dispatcher.ctx.md.MemDereg(r.payloadMem))
	}
	record(r.remoteHeaderRkey.Release())
	record(r.header.Close())
	if r.rmaEP != nil {
		record(r.rmaEP.Destroy())
	}
	if r.amEP != nil {
		record(r.amEP.Destroy())
	}
	r.dispatcher.tickets.Release(r.selfTicket)
	return firstErr
}

// spinReadDone drives ReadDone in a cooperative spin-yield loop. Spec §5
// names this explicitly for the piggy-back path (suspension point 3); the
// non-piggy path's ACKING state retries on NO_RESOURCE the same way, per
// the state-machine note in spec §4.4, so both callers share this helper.
func spinReadDone(ctx context.Context, d *Dispatcher, r *Receiver) error {
	return spinUntil(ctx, func() { d.ctx.Progress() }, d.yielder, func() (bool, error) {
		return r.ReadDone()
	})
}
