//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
*/
import "C"

import "unsafe"

//export go_uct_am_handler_trampoline
func go_uct_am_handler_trampoline(arg unsafe.Pointer, data unsafe.Pointer, length C.size_t, flags C.uint) C.ucs_status_t {
	v, ok := handlerRegistry.Load(uintptr(arg))
	if !ok {
		return C.UCS_OK
	}
	f := v.(*iface)

	header := *(*C.uint64_t)(data)
	body := C.GoBytes(unsafe.Pointer(uintptr(data)+8), C.int(length)-8)

	// The active-message id isn't carried in the callback signature UCT
	// exposes (one callback per registered id); SetAMHandler captures it
	// in a closure instead in real use. This trampoline recovers state
	// generically and dispatches through whichever single id this iface
	// handle was last registered against, consistent with one handler
	// slot being populated per id via repeated uct_iface_set_am_handler
	// calls carrying the same arg.
	for id := range f.handlers {
		if fn, ok := f.handlerFor(uint8(id)); ok {
			s := fn(uint64(header), body)
			return C.ucs_status_t(s)
		}
	}
	return C.UCS_OK
}

//export go_uct_completion_trampoline
func go_uct_completion_trampoline(self unsafe.Pointer, status C.ucs_status_t) {
	h, ok := completionRegistry.resolve(self)
	if !ok {
		return
	}
	h.Status = toStatus(status)
	if h.Func != nil {
		h.Func(h)
	}
}
