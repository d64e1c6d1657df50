//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
#include <stdlib.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

type role int

const (
	roleAM role = iota
	roleRMA
)

type iface struct {
	handle   C.uct_iface_h
	worker   C.uct_worker_h
	md       C.uct_md_h
	handlers [5]uct.AMHandlerFunc
}

func (d *Driver) openIface(m uct.MD, r role) (uct.Iface, error) {
	mm, ok := m.(*md)
	if !ok {
		return nil, fmt.Errorf("cgouct: openIface: not a cgouct MD")
	}

	var params C.uct_iface_params_t
	C.memset(unsafe.Pointer(&params), 0, C.sizeof_uct_iface_params_t)
	params.field_mask = C.UCT_IFACE_PARAM_FIELD_OPEN_MODE
	params.open_mode = C.UCT_IFACE_OPEN_MODE_DEVICE

	var config *C.uct_iface_config_t
	if status := C.uct_md_iface_config_read(mm.handle, nil, nil, nil, &config); status != C.UCS_OK {
		return nil, statusErr(status, "uct_md_iface_config_read")
	}
	defer C.uct_config_release(unsafe.Pointer(config))

	var handle C.uct_iface_h
	if status := C.uct_iface_open(mm.handle, d.worker, &params, config, &handle); status != C.UCS_OK {
		return nil, statusErr(status, "uct_iface_open")
	}

	f := &iface{handle: handle, worker: d.worker, md: mm.handle}
	handlerRegistry.Store(uintptr(unsafe.Pointer(handle)), f)
	return f, nil
}

func (f *iface) Handle() uintptr { return uintptr(unsafe.Pointer(f.handle)) }

func (f *iface) Query() (uct.IfaceAttr, error) {
	var attr C.uct_iface_attr_t
	if status := C.uct_iface_query(f.handle, &attr); status != C.UCS_OK {
		return uct.IfaceAttr{}, statusErr(status, "uct_iface_query")
	}
	var caps uct.CapFlag
	flags := uint64(attr.cap.flags)
	if flags&C.UCT_IFACE_FLAG_AM_SHORT != 0 {
		caps |= uct.CapAMShort
	}
	if flags&C.UCT_IFACE_FLAG_GET_ZCOPY != 0 {
		caps |= uct.CapGetZcopy
	}
	if flags&C.UCT_IFACE_FLAG_CONNECT_TO_IFACE != 0 {
		caps |= uct.CapConnectToIface
	}
	if flags&C.UCT_IFACE_FLAG_CONNECT_TO_EP != 0 {
		caps |= uct.CapConnectToEP
	}
	if flags&C.UCT_IFACE_FLAG_CB_ASYNC != 0 {
		caps |= uct.CapAMCBAsync
	}
	if flags&C.UCT_IFACE_FLAG_CB_SYNC != 0 {
		caps |= uct.CapAMCBSync
	}
	return uct.IfaceAttr{
		Caps:          caps,
		DeviceAddrLen: int(attr.device_addr_len),
		IfaceAddrLen:  int(attr.iface_addr_len),
		EpAddrLen:     int(attr.ep_addr_len),
	}, nil
}

func (f *iface) GetAddress() ([]byte, error) {
	attr, err := f.Query()
	if err != nil {
		return nil, err
	}
	buf := C.malloc(C.size_t(attr.IfaceAddrLen))
	defer C.free(buf)
	if status := C.uct_iface_get_address(f.handle, (*C.uct_iface_addr_t)(buf)); status != C.UCS_OK {
		return nil, statusErr(status, "uct_iface_get_address")
	}
	return C.GoBytes(buf, C.int(attr.IfaceAddrLen)), nil
}

func (f *iface) GetDeviceAddress() ([]byte, error) {
	attr, err := f.Query()
	if err != nil {
		return nil, err
	}
	buf := C.malloc(C.size_t(attr.DeviceAddrLen))
	defer C.free(buf)
	if status := C.uct_iface_get_device_address(f.handle, (*C.uct_device_addr_t)(buf)); status != C.UCS_OK {
		return nil, statusErr(status, "uct_iface_get_device_address")
	}
	return C.GoBytes(buf, C.int(attr.DeviceAddrLen)), nil
}

func (f *iface) SetAMHandler(id uint8, fn uct.AMHandlerFunc) error {
	if int(id) >= len(f.handlers) {
		return fmt.Errorf("cgouct: SetAMHandler: id %d out of range", id)
	}
	f.handlers[id] = fn
	status := C.uct_iface_set_am_handler(f.handle, C.uint8_t(id),
		(C.uct_am_callback_t)(unsafe.Pointer(C.go_uct_am_handler_trampoline)),
		unsafe.Pointer(f.handle), C.UCT_CB_FLAG_ASYNC)
	if status != C.UCS_OK {
		return statusErr(status, "uct_iface_set_am_handler")
	}
	return nil
}

func (f *iface) handlerFor(id uint8) (uct.AMHandlerFunc, bool) {
	if int(id) >= len(f.handlers) || f.handlers[id] == nil {
		return nil, false
	}
	return f.handlers[id], true
}

func (f *iface) CreateEPConnected(deviceAddr, ifaceAddr []byte) (uct.EP, error) {
	var params C.uct_ep_params_t
	C.memset(unsafe.Pointer(&params), 0, C.sizeof_uct_ep_params_t)
	params.field_mask = C.UCT_EP_PARAM_FIELD_IFACE | C.UCT_EP_PARAM_FIELD_DEV_ADDR | C.UCT_EP_PARAM_FIELD_IFACE_ADDR
	params.iface = f.handle
	params.dev_addr = (*C.uct_device_addr_t)(unsafe.Pointer(&deviceAddr[0]))
	params.iface_addr = (*C.uct_iface_addr_t)(unsafe.Pointer(&ifaceAddr[0]))

	var handle C.uct_ep_h
	if status := C.uct_ep_create(&params, &handle); status != C.UCS_OK {
		return nil, statusErr(status, "uct_ep_create")
	}
	return &ep{handle: handle}, nil
}

func (f *iface) CreateEP() (uct.EP, error) {
	var params C.uct_ep_params_t
	C.memset(unsafe.Pointer(&params), 0, C.sizeof_uct_ep_params_t)
	params.field_mask = C.UCT_EP_PARAM_FIELD_IFACE
	params.iface = f.handle

	var handle C.uct_ep_h
	if status := C.uct_ep_create(&params, &handle); status != C.UCS_OK {
		return nil, statusErr(status, "uct_ep_create")
	}
	return &ep{handle: handle}, nil
}

func (f *iface) Close() error {
	handlerRegistry.Delete(f.Handle())
	C.uct_iface_close(f.handle)
	return nil
}
