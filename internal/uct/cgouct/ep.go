//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
#include <stdlib.h>
#include <string.h>

extern void go_uct_completion_trampoline(void *self, ucs_status_t status);
*/
import "C"

import (
	"fmt"
	"unsafe"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

type ep struct {
	handle C.uct_ep_h
}

func (e *ep) GetAddress() ([]byte, error) {
	buf := make([]byte, C.sizeof_uct_ep_addr_t)
	if status := C.uct_ep_get_address(e.handle, (*C.uct_ep_addr_t)(unsafe.Pointer(&buf[0]))); status != C.UCS_OK {
		return nil, statusErr(status, "uct_ep_get_address")
	}
	return buf, nil
}

func (e *ep) ConnectToEP(deviceAddr, epAddr []byte) error {
	status := C.uct_ep_connect_to_ep(e.handle,
		(*C.uct_device_addr_t)(unsafe.Pointer(&deviceAddr[0])),
		(*C.uct_ep_addr_t)(unsafe.Pointer(&epAddr[0])))
	if status != C.UCS_OK {
		return statusErr(status, "uct_ep_connect_to_ep")
	}
	return nil
}

func (e *ep) Destroy() error {
	C.uct_ep_destroy(e.handle)
	return nil
}

func (e *ep) AMShort(id uint8, header uint64, body []byte) (uct.Status, error) {
	var ptr unsafe.Pointer
	if len(body) > 0 {
		ptr = unsafe.Pointer(&body[0])
	}
	status := C.uct_ep_am_short(e.handle, C.uint8_t(id), C.uint64_t(header), ptr, C.size_t(len(body)))
	if status == C.UCS_ERR_NO_RESOURCE {
		return uct.StatusErrNoResource, nil
	}
	if status != C.UCS_OK {
		return toStatus(status), statusErr(status, "uct_ep_am_short")
	}
	return uct.StatusOK, nil
}

// completionRegistry keeps the Go-side *uct.CompletionHandle reachable
// from the C completion record's address for the duration of a pending
// GET, the cgo analogue of internal/capi's context.go pointer registry.
var completionRegistry = newCompletionRegistry()

func (e *ep) GetZcopy(iov uct.IOV, remoteAddr uint64, rkey uct.RkeyBundle, completion *uct.CompletionHandle) (uct.Status, error) {
	mh, ok := iov.Mem.(*memHandle)
	if !ok {
		return uct.StatusErrIOError, fmt.Errorf("cgouct: GetZcopy: not a cgouct memory handle")
	}
	rb, ok := rkey.(*rkeyBundle)
	if !ok {
		return uct.StatusErrIOError, fmt.Errorf("cgouct: GetZcopy: not a cgouct rkey bundle")
	}

	cIOV := C.uct_iov_t{
		buffer: unsafe.Pointer(&iov.Buffer[0]),
		length: C.size_t(len(iov.Buffer)),
		memh:   mh.ucxMem,
		stride: C.size_t(len(iov.Buffer)),
		count:  1,
	}

	comp := completionRegistry.alloc(completion)
	status := C.uct_ep_get_zcopy(e.handle, &cIOV, 1, C.uint64_t(remoteAddr), rb.bundle.rkey, comp)
	switch status {
	case C.UCS_INPROGRESS:
		return uct.StatusInProgress, nil
	case C.UCS_OK:
		completionRegistry.release(comp)
		return uct.StatusOK, nil
	default:
		completionRegistry.release(comp)
		return toStatus(status), statusErr(status, "uct_ep_get_zcopy")
	}
}
