package transport

import "sync"

// Ticket is a process-local, monotonically allocated handle that replaces
// the raw pointers HPX's ucx parcelport carries as AM-header words (spec
// §9 design note: "substitute a process-local 64-bit ticket allocated
// from a monotonic counter, with a mapping ticket -> object guarded by
// the dispatcher lock"). Zero is never allocated, so it doubles as the
// sender's "not yet acknowledged" sentinel for receive_handle.
type Ticket uint64

// ticketTable is the ticket -> object mapping called for by the design
// note above. It is guarded by its own mutex rather than Context's, since
// Dispatcher (which owns it) already serializes AM handler dispatch
// through Context.Lock for the live-receiver set and sender pool; a
// dedicated lock avoids making every ticket lookup contend on that
// broader lock.
type ticketTable struct {
	mu   sync.Mutex
	next uint64
	objs map[Ticket]any
}

func newTicketTable() *ticketTable {
	return &ticketTable{objs: make(map[Ticket]any)}
}

// Allocate assigns a fresh ticket to obj and returns it.
func (t *ticketTable) Allocate(obj any) Ticket {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	tk := Ticket(t.next)
	t.objs[tk] = obj
	return tk
}

// Lookup resolves a ticket back to its object.
func (t *ticketTable) Lookup(tk Ticket) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.objs[tk]
	return v, ok
}

// Release removes a ticket from the table, freeing it for garbage
// collection (but never for reuse: next only increases).
func (t *ticketTable) Release(tk Ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.objs, tk)
}
