//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
#include <stdlib.h>
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/rocketbitz/ucxparcel/internal/uct"
)

// completionRegistryT maps a C uct_completion_t's address back to the Go
// CompletionHandle it was allocated for, the same opaque-pointer-recovery
// trick internal/capi/context.go uses for libfabric completion contexts.
type completionRegistryT struct {
	mu      sync.Mutex
	entries map[uintptr]*uct.CompletionHandle
}

func newCompletionRegistry() *completionRegistryT {
	return &completionRegistryT{entries: make(map[uintptr]*uct.CompletionHandle)}
}

func (r *completionRegistryT) alloc(h *uct.CompletionHandle) *C.uct_completion_t {
	c := (*C.uct_completion_t)(C.malloc(C.sizeof_uct_completion_t))
	c.count = 1
	c.func_ = (C.uct_completion_callback_t)(unsafe.Pointer(C.go_uct_completion_trampoline))
	r.mu.Lock()
	r.entries[uintptr(unsafe.Pointer(c))] = h
	r.mu.Unlock()
	return c
}

func (r *completionRegistryT) release(c *C.uct_completion_t) {
	r.mu.Lock()
	delete(r.entries, uintptr(unsafe.Pointer(c)))
	r.mu.Unlock()
	C.free(unsafe.Pointer(c))
}

func (r *completionRegistryT) resolve(ptr unsafe.Pointer) (*uct.CompletionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[uintptr(ptr)]
	return h, ok
}
