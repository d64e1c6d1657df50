package simuct

import (
	"encoding/binary"
	"fmt"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

const rkeyPackedSize = 8 // one uint64 token

type memHandle struct {
	tok uint64
	buf []byte
}

type rkeyBundle struct {
	net *Network
	tok uint64
}

func (b *rkeyBundle) Release() error { return nil }

type md struct {
	name string
	net  *Network
}

// NewMD constructs a protection domain bound to net, named name. Exported
// for drivers/tests that want direct MD access without going through a
// Driver.
func NewMD(name string, net *Network) uct.MD {
	return &md{name: name, net: net}
}

func (m *md) Query() (uct.MDAttr, error) {
	return uct.MDAttr{RkeyPackedSize: rkeyPackedSize}, nil
}

func (m *md) MemReg(buf []byte) (uct.MemHandle, error) {
	tok := m.net.register(buf)
	return &memHandle{tok: tok, buf: buf}, nil
}

func (m *md) MemDereg(h uct.MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return fmt.Errorf("simuct: MemDereg: not a simuct handle")
	}
	return m.net.deregister(mh.tok)
}

func (m *md) MkeyPack(h uct.MemHandle) ([]byte, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		return nil, fmt.Errorf("simuct: MkeyPack: not a simuct handle")
	}
	blob := make([]byte, rkeyPackedSize)
	binary.LittleEndian.PutUint64(blob, mh.tok)
	return blob, nil
}

func (m *md) Address(h uct.MemHandle) (uint64, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		return 0, fmt.Errorf("simuct: Address: not a simuct handle")
	}
	return mh.tok, nil
}

func (m *md) UnpackRkey(blob []byte) (uct.RkeyBundle, error) {
	if len(blob) != rkeyPackedSize {
		return nil, fmt.Errorf("simuct: UnpackRkey: want %d bytes, got %d", rkeyPackedSize, len(blob))
	}
	tok := binary.LittleEndian.Uint64(blob)
	if _, ok := m.net.lookup(tok); !ok {
		return nil, fmt.Errorf("simuct: UnpackRkey: unknown token %d", tok)
	}
	return &rkeyBundle{net: m.net, tok: tok}, nil
}

func (m *md) Close() error { return nil }
