//go:build cgo && ucx

package cgouct

/*
#include <uct/api/uct.h>
*/
import "C"

import "github.com/rocketbitz/ucxparcel/internal/uct"

func toStatus(s C.ucs_status_t) uct.Status {
	switch s {
	case C.UCS_OK:
		return uct.StatusOK
	case C.UCS_INPROGRESS:
		return uct.StatusInProgress
	case C.UCS_ERR_NO_RESOURCE:
		return uct.StatusErrNoResource
	case C.UCS_ERR_NO_MEMORY:
		return uct.StatusErrNoMemory
	case C.UCS_ERR_UNSUPPORTED:
		return uct.StatusErrUnsupported
	case C.UCS_ERR_NOT_CONNECTED:
		return uct.StatusErrNotConnected
	case C.UCS_ERR_CONNECTION_RESET:
		return uct.StatusErrConnectionReset
	case C.UCS_ERR_IO_ERROR:
		return uct.StatusErrIOError
	default:
		return uct.StatusErrIOError
	}
}

func statusErr(s C.ucs_status_t, op string) error {
	return uct.ErrorFromStatus(toStatus(s), op)
}
