package transport

import "encoding/binary"

// MessageID identifies one of the five active messages this protocol
// exchanges, exact to the upstream active-message id table.
type MessageID uint8

const (
	MsgConnect    MessageID = 0
	MsgConnectAck MessageID = 1
	MsgRead       MessageID = 2
	MsgReadAck    MessageID = 3
	MsgClose      MessageID = 4
)

func (m MessageID) String() string {
	switch m {
	case MsgConnect:
		return "connect"
	case MsgConnectAck:
		return "connect_ack"
	case MsgRead:
		return "read"
	case MsgReadAck:
		return "read_ack"
	case MsgClose:
		return "close"
	default:
		return "unknown"
	}
}

// putU64 appends a little-endian uint64 to buf.
func putU64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// takeTailU64 removes and returns the last 8 bytes of buf as a uint64,
// the tail-subtraction parse spec §6 describes for the connect body.
func takeTailU64(buf []byte) (rest []byte, v uint64) {
	n := len(buf)
	v = binary.LittleEndian.Uint64(buf[n-8:])
	return buf[:n-8], v
}

// takeTail removes and returns the last n bytes of buf.
func takeTail(buf []byte, n int) (rest []byte, tail []byte) {
	k := len(buf)
	return buf[:k-n], buf[k-n:]
}

// connectBody is the parsed form of the connect_message payload (spec
// §4.3 / §6). Exactly one of the EP-to-EP or iface-mode RMA fields is
// populated, selected by RMAConnectsToEP.
type connectBody struct {
	RMAConnectsToEP bool
	RMADeviceAddr   []byte
	RMAIfaceAddr    []byte // iface mode only
	RMAEpAddr       []byte // EP-to-EP mode only
	AMIfaceAddr     []byte
	AMDeviceAddr    []byte
	RkeyBlob        []byte
	HeaderAddr      uint64
	SenderHandle    Ticket
}

// encodeConnectBody lays out the connect_message body in wire order (the
// order bytes appear on the wire; a receiver parses it tail-first).
func encodeConnectBody(b connectBody, rmaDeviceAddrLen, rmaIfaceOrEpAddrLen, amIfaceAddrLen, amDeviceAddrLen int) []byte {
	body := make([]byte, 0, rmaDeviceAddrLen+rmaIfaceOrEpAddrLen+amIfaceAddrLen+amDeviceAddrLen+len(b.RkeyBlob)+16)
	if b.RMAConnectsToEP {
		body = append(body, b.RMADeviceAddr...)
		body = append(body, b.RMAEpAddr...)
	} else {
		body = append(body, b.RMAIfaceAddr...)
		body = append(body, b.RMADeviceAddr...)
	}
	body = append(body, b.AMIfaceAddr...)
	body = append(body, b.AMDeviceAddr...)
	body = append(body, b.RkeyBlob...)
	body = putU64(body, b.HeaderAddr)
	body = putU64(body, uint64(b.SenderHandle))
	return body
}

// decodeConnectBody parses a connect_message body tail-first, given the
// address lengths negotiated ahead of time from the local Context's
// cached interface attributes and rkeyPackedSize from the MD.
func decodeConnectBody(body []byte, rmaConnectsToEP bool, rmaDeviceAddrLen, rmaIfaceOrEpAddrLen, amIfaceAddrLen, amDeviceAddrLen, rkeyPackedSize int) connectBody {
	var out connectBody
	out.RMAConnectsToEP = rmaConnectsToEP

	var senderHandle, headerAddr uint64
	body, senderHandle = takeTailU64(body)
	body, headerAddr = takeTailU64(body)
	body, out.RkeyBlob = takeTail(body, rkeyPackedSize)
	body, out.AMDeviceAddr = takeTail(body, amDeviceAddrLen)
	body, out.AMIfaceAddr = takeTail(body, amIfaceAddrLen)
	if rmaConnectsToEP {
		body, out.RMAEpAddr = takeTail(body, rmaIfaceOrEpAddrLen)
		_, out.RMADeviceAddr = takeTail(body, rmaDeviceAddrLen)
	} else {
		body, out.RMADeviceAddr = takeTail(body, rmaDeviceAddrLen)
		_, out.RMAIfaceAddr = takeTail(body, rmaIfaceOrEpAddrLen)
	}
	out.HeaderAddr = headerAddr
	out.SenderHandle = Ticket(senderHandle)
	return out
}

// connectAckBody is the parsed form of the connect_ack_message payload.
type connectAckBody struct {
	SenderHandle Ticket
	RMAEpAddr    []byte // present only when the connection is EP-to-EP
}

func encodeConnectAckBody(b connectAckBody) []byte {
	body := putU64(nil, uint64(b.SenderHandle))
	body = append(body, b.RMAEpAddr...)
	return body
}

func decodeConnectAckBody(body []byte, rmaConnectsToEP bool) connectAckBody {
	var out connectAckBody
	senderHandle := binary.LittleEndian.Uint64(body[:8])
	out.SenderHandle = Ticket(senderHandle)
	if rmaConnectsToEP {
		out.RMAEpAddr = body[8:]
	}
	return out
}
