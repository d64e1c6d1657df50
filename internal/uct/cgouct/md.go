//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

type md struct {
	handle C.uct_md_h
}

type memHandle struct {
	ucxMem C.uct_mem_h
	ptr    unsafe.Pointer
	length C.size_t
}

type rkeyBundle struct {
	bundle C.uct_rkey_bundle_t
}

func (b *rkeyBundle) Release() error {
	if status := C.uct_rkey_release(nil, &b.bundle); status != C.UCS_OK {
		return statusErr(status, "uct_rkey_release")
	}
	return nil
}

func (m *md) Query() (uct.MDAttr, error) {
	var attr C.uct_md_attr_t
	if status := C.uct_md_query(m.handle, &attr); status != C.UCS_OK {
		return uct.MDAttr{}, statusErr(status, "uct_md_query")
	}
	return uct.MDAttr{RkeyPackedSize: int(attr.rkey_packed_size)}, nil
}

func (m *md) MemReg(buf []byte) (uct.MemHandle, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("cgouct: MemReg: empty buffer")
	}
	ptr := unsafe.Pointer(&buf[0])
	var h C.uct_mem_h
	status := C.uct_md_mem_reg(m.handle, ptr, C.size_t(len(buf)), C.UCT_MD_MEM_ACCESS_ALL, &h)
	if status != C.UCS_OK {
		return nil, statusErr(status, "uct_md_mem_reg")
	}
	return &memHandle{ucxMem: h, ptr: ptr, length: C.size_t(len(buf))}, nil
}

func (m *md) MemDereg(h uct.MemHandle) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return fmt.Errorf("cgouct: MemDereg: not a cgouct handle")
	}
	if status := C.uct_md_mem_dereg(m.handle, mh.ucxMem); status != C.UCS_OK {
		return statusErr(status, "uct_md_mem_dereg")
	}
	return nil
}

func (m *md) MkeyPack(h uct.MemHandle) ([]byte, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		return nil, fmt.Errorf("cgouct: MkeyPack: not a cgouct handle")
	}
	attr, err := m.Query()
	if err != nil {
		return nil, err
	}
	buf := C.malloc(C.size_t(attr.RkeyPackedSize))
	defer C.free(buf)
	if status := C.uct_md_mkey_pack(m.handle, mh.ucxMem, buf); status != C.UCS_OK {
		return nil, statusErr(status, "uct_md_mkey_pack")
	}
	return C.GoBytes(buf, C.int(attr.RkeyPackedSize)), nil
}

func (m *md) Address(h uct.MemHandle) (uint64, error) {
	mh, ok := h.(*memHandle)
	if !ok {
		return 0, fmt.Errorf("cgouct: Address: not a cgouct handle")
	}
	return uint64(uintptr(mh.ptr)), nil
}

func (m *md) UnpackRkey(blob []byte) (uct.RkeyBundle, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("cgouct: UnpackRkey: empty blob")
	}
	var bundle C.uct_rkey_bundle_t
	status := C.uct_rkey_unpack(nil, unsafe.Pointer(&blob[0]), &bundle)
	if status != C.UCS_OK {
		return nil, statusErr(status, "uct_rkey_unpack")
	}
	return &rkeyBundle{bundle: bundle}, nil
}

func (m *md) Close() error {
	C.uct_md_close(m.handle)
	return nil
}
