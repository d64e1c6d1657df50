//go:build cgo && ucx

// Package cgouct binds internal/uct's Driver contract to a real UCX
// installation via cgo, the same way rocketbitz/libfabric-go's
// internal/capi binds to libfabric: thin wrappers around the C handles,
// with Go-side bookkeeping kept to what's needed for safe reuse and
// teardown. It is gated behind the "ucx" build tag in addition to "cgo"
// because, unlike libfabric, a UCX installation is not assumed present in
// every build environment this module targets; callers that want the
// production backend opt in explicitly.
package cgouct

/*
#cgo pkg-config: ucx
#include <uct/api/uct.h>
#include <ucs/async/async.h>
#include <stdlib.h>
#include <string.h>

extern ucs_status_t go_uct_am_handler_trampoline(void *arg, void *data, size_t length, unsigned flags);
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// Driver opens protection-domain and worker resources against a real UCX
// component discovered by domain name.
type Driver struct {
	asyncCtx C.ucs_async_context_t
	worker   C.uct_worker_h
}

// NewDriver creates the async context and worker this driver's MDs and
// ifaces will be opened against. Worker creation happens here (rather
// than lazily) so a single worker backs every MD/iface/ep the driver
// produces, matching ucx_context's one-worker-per-process model.
func NewDriver() (*Driver, error) {
	d := &Driver{}
	if status := C.ucs_async_context_init(&d.asyncCtx, C.UCS_ASYNC_MODE_THREAD_SPINLOCK); status != C.UCS_OK {
		return nil, statusErr(status, "ucs_async_context_init")
	}
	if status := C.uct_worker_create(&d.asyncCtx, C.UCS_THREAD_MODE_MULTI, &d.worker); status != C.UCS_OK {
		C.ucs_async_context_cleanup(&d.asyncCtx)
		return nil, statusErr(status, "uct_worker_create")
	}
	return d, nil
}

func (d *Driver) DiscoverMD(domain string) (uct.MD, error) {
	var numResources C.uint
	var resources *C.uct_md_resource_desc_t
	if status := C.uct_query_md_resources(&resources, &numResources); status != C.UCS_OK {
		return nil, statusErr(status, "uct_query_md_resources")
	}
	defer C.uct_release_md_resource_list(resources)

	n := int(numResources)
	base := unsafe.Pointer(resources)
	for i := 0; i < n; i++ {
		desc := (*C.uct_md_resource_desc_t)(unsafe.Add(base, uintptr(i)*unsafe.Sizeof(*resources)))
		name := C.GoString(&desc.md_name[0])
		if name != domain {
			continue
		}
		var mdConfig *C.uct_md_config_t
		if status := C.uct_md_config_read(desc.md_name[:], nil, nil, &mdConfig); status != C.UCS_OK {
			return nil, statusErr(status, "uct_md_config_read")
		}
		defer C.uct_config_release(unsafe.Pointer(mdConfig))

		var handle C.uct_md_h
		if status := C.uct_md_open(desc.md_name[:], mdConfig, &handle); status != C.UCS_OK {
			return nil, statusErr(status, "uct_md_open")
		}
		return &md{handle: handle}, nil
	}
	return nil, fmt.Errorf("cgouct: DiscoverMD: no protection domain named %q", domain)
}

func (d *Driver) OpenAMIface(m uct.MD) (uct.Iface, error) {
	return d.openIface(m, roleAM)
}

func (d *Driver) OpenRMAIface(m uct.MD) (uct.Iface, error) {
	return d.openIface(m, roleRMA)
}

func (d *Driver) NewWorker() (uct.Worker, error) {
	return &worker{h: d.worker}, nil
}

var handlerRegistry sync.Map // uintptr(iface handle) -> *iface, for the C trampoline to recover state
