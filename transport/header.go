package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// Byte offsets within the fixed header region, exact to the upstream
// header layout this core is modeled on.
const (
	offsetSize                = 0
	offsetDataSize             = 8
	offsetNumChunksZeroCopy    = 16
	offsetNumChunksNonZeroCopy = 24
	offsetPiggyBackFlag        = 32
	offsetPiggyBackData        = 33
)

// DefaultHeaderSize is the conventional fixed header region size.
const DefaultHeaderSize = 512

// header is the fixed-layout, pinned, remote-accessible scratch region
// described by spec component C2. It is registered with a protection
// domain at construction and stays registered until Close.
type header struct {
	md     uct.MD
	data   []byte
	mem    uct.MemHandle
	rkey   []byte
	maxSize int
}

// newHeader allocates, registers, and packs the remote key for a maxSize
// header region. rkeyPackedSize comes from the owning Context's cached MD
// attributes. Construction fails (a Setup-class error) if maxSize can't
// fit the no-piggyback tail slot (remote address + packed rkey) after the
// fixed offset, resolving spec.md's open question in favor of asserting
// the invariant rather than silently truncating.
func newHeader(md uct.MD, maxSize, rkeyPackedSize int) (*header, error) {
	if maxSize < offsetPiggyBackData+8+rkeyPackedSize {
		return nil, fmt.Errorf("transport: header: max size %d too small for offset %d + addr(8) + rkey(%d)",
			maxSize, offsetPiggyBackData, rkeyPackedSize)
	}
	data := make([]byte, maxSize)
	mem, err := md.MemReg(data)
	if err != nil {
		return nil, fmt.Errorf("transport: header: mem_reg: %w", err)
	}
	rkey, err := md.MkeyPack(mem)
	if err != nil {
		_ = md.MemDereg(mem)
		return nil, fmt.Errorf("transport: header: mkey_pack: %w", err)
	}
	return &header{md: md, data: data, mem: mem, rkey: rkey, maxSize: maxSize}, nil
}

// Close deregisters the header's memory. The backing buffer is left for
// the Go garbage collector.
func (h *header) Close() error {
	if h.mem == nil {
		return nil
	}
	err := h.md.MemDereg(h.mem)
	h.mem = nil
	return err
}

// MaxPayloadForPiggyBack is the largest payload size that still fits
// inline after the fixed offset.
func (h *header) MaxPayloadForPiggyBack() int {
	return h.maxSize - offsetPiggyBackData
}

// reset fills the header from an outbound payload buffer (spec C2
// "reset(parcel_buffer)"). It returns the logical header length.
func (h *header) reset(payload []byte, dataSize, numChunksZeroCopy, numChunksNonZeroCopy uint64) uint64 {
	binary.LittleEndian.PutUint64(h.data[offsetDataSize:], dataSize)
	binary.LittleEndian.PutUint64(h.data[offsetNumChunksZeroCopy:], numChunksZeroCopy)
	binary.LittleEndian.PutUint64(h.data[offsetNumChunksNonZeroCopy:], numChunksNonZeroCopy)

	var size uint64
	if len(payload) <= h.MaxPayloadForPiggyBack() {
		h.data[offsetPiggyBackFlag] = 1
		copy(h.data[offsetPiggyBackData:], payload)
		size = uint64(offsetPiggyBackData + len(payload))
	} else {
		h.data[offsetPiggyBackFlag] = 0
		size = uint64(offsetPiggyBackData + 8 + len(h.rkey))
	}
	binary.LittleEndian.PutUint64(h.data[offsetSize:], size)
	return size
}

// resetSize sets only the logical length, used by the receiver before
// issuing the GET that will fill the rest of the header in place.
func (h *header) resetSize(size uint64) {
	binary.LittleEndian.PutUint64(h.data[offsetSize:], size)
}

// Size returns the logical header length currently recorded.
func (h *header) Size() uint64 {
	return binary.LittleEndian.Uint64(h.data[offsetSize:])
}

func (h *header) dataSize() uint64 {
	return binary.LittleEndian.Uint64(h.data[offsetDataSize:])
}

func (h *header) numChunksZeroCopy() uint64 {
	return binary.LittleEndian.Uint64(h.data[offsetNumChunksZeroCopy:])
}

func (h *header) numChunksNonZeroCopy() uint64 {
	return binary.LittleEndian.Uint64(h.data[offsetNumChunksNonZeroCopy:])
}

// PiggyBack returns the inline payload slice, or nil if flag is unset.
func (h *header) PiggyBack() []byte {
	if h.data[offsetPiggyBackFlag] == 0 {
		return nil
	}
	size := h.Size()
	if size < offsetPiggyBackData {
		return nil
	}
	return h.data[offsetPiggyBackData:size]
}

// SetRemotePayload writes the remote payload's virtual address and
// packed remote key into the tail slots reserved by reset's no-piggyback
// branch.
func (h *header) SetRemotePayload(addr uint64, rkey []byte) {
	tail := h.data[h.Size()-8-uint64(len(rkey)):]
	binary.LittleEndian.PutUint64(tail, addr)
	copy(tail[8:], rkey)
}

// RemotePayload parses the remote payload's virtual address and packed
// remote key back out of the tail slots, the inverse of SetRemotePayload,
// using rkeyPackedSize to know the tail's width.
func (h *header) RemotePayload(rkeyPackedSize int) (addr uint64, rkey []byte) {
	tail := h.data[h.Size()-8-uint64(rkeyPackedSize):]
	addr = binary.LittleEndian.Uint64(tail)
	rkey = make([]byte, rkeyPackedSize)
	copy(rkey, tail[8:])
	return addr, rkey
}

// Rkey returns the header's own packed remote key, published to the peer
// at connect time so it can GET the header.
func (h *header) Rkey() []byte { return h.rkey }

// Data returns the full backing buffer.
func (h *header) Data() []byte { return h.data }

// MemHandle returns the registered memory handle backing this header.
func (h *header) MemHandle() uct.MemHandle { return h.mem }
