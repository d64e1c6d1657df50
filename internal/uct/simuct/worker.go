package simuct

import "github.com/rocketbitz/ucxparcel/internal/uct"

type worker struct {
	net *Network
}

func newWorker(net *Network) uct.Worker { return &worker{net: net} }

// Progress drains at most one pending active message and one pending
// zero-copy completion, matching uct_worker_progress()'s "advance a
// bounded amount of work" contract; callers in a cooperative spin-yield
// loop call this repeatedly.
func (w *worker) Progress() int {
	return w.net.drain()
}

func (w *worker) Destroy() error { return nil }
