//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
*/
import "C"

import "github.com/rocketbitz/ucxparcel/internal/uct"

type worker struct {
	h C.uct_worker_h
}

func (w *worker) Progress() int {
	return int(C.uct_worker_progress(w.h))
}

func (w *worker) Destroy() error {
	C.uct_worker_destroy(w.h)
	return nil
}

var _ uct.Worker = (*worker)(nil)
