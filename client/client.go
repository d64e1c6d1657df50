// Package client is the high-level facade over transport: it owns the
// Context/Dispatcher pair, drives background progress from its own
// goroutine, and exposes futures and registered handlers instead of the
// raw active-message callback surface.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/ucxparcel/internal/uct"
	"github.com/rocketbitz/ucxparcel/transport"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("ucxparcel client: closed")

// Logger provides structured debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to spans or events.
type TraceAttribute = transport.TraceAttribute

// Tracer starts spans that wrap connection and background-loop activity.
// It is an alias of transport.Tracer: both layers share the same Span
// type, so a tracer wired in at Dial time works for transport-level spans
// too.
type Tracer = transport.Tracer

// Span records lifecycle, events, and errors for tracing systems.
type Span = transport.Span

// MetricHook captures connection and parcel telemetry events; it is the
// same shape transport.Dispatcher emits against, wired straight through by
// Dial.
type MetricHook = transport.MetricHook

// Config controls Dial's behaviour.
type Config struct {
	// Driver discovers the protection domain and interfaces; see
	// internal/uct/simuct for the in-process test driver and
	// internal/uct/cgouct for the real-hardware binding.
	Driver uct.Driver

	// Domain is the protection-domain name to select.
	Domain string

	// Priority ranks this transport against others the embedding
	// application may register.
	Priority int

	// PollInterval controls how often the background goroutine calls
	// Dispatcher.BackgroundWork; it fires at this fixed interval whether
	// or not work is pending. Defaults to 500 microseconds.
	PollInterval time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// ReceivedParcel is handed to every registered ReceiveHandler once a
// parcel's payload has been fully materialized.
type ReceivedParcel struct {
	Source               transport.Locality
	Data                 []byte
	NumChunksZeroCopy    uint64
	NumChunksNonZeroCopy uint64
}

// ReceiveHandler is invoked for every parcel this process receives.
type ReceiveHandler func(ReceivedParcel)

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	SendPosted             uint64
	SendCompleted          uint64
	SendErrored            uint64
	ReceiveMatched         uint64
	ConnectionsEstablished uint64
}

type clientStats struct {
	sendPosted             atomic.Uint64
	sendCompleted          atomic.Uint64
	sendErrored            atomic.Uint64
	recvMatched            atomic.Uint64
	connectionsEstablished atomic.Uint64
}

// Client owns the transport Context/Dispatcher pair and the background
// goroutine driving their progress.
type Client struct {
	cfg        Config
	ctx        *transport.Context
	dispatcher *transport.Dispatcher

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	handlersMu      sync.RWMutex
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	connMu      sync.Mutex
	connections map[string]*Connection // keyed by Locality.Key()

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

var _ transport.ParcelDecoder = (*Client)(nil)

// Dial opens the protection domain, selects interfaces, installs the
// active-message handlers, and starts the background progress goroutine.
func Dial(cfg Config) (*Client, error) {
	if cfg.Driver == nil {
		return nil, fmt.Errorf("ucxparcel client: Config.Driver is required")
	}
	if cfg.Domain == "" {
		return nil, fmt.Errorf("ucxparcel client: Config.Domain is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Microsecond
	}

	tctx, err := transport.NewContext(transport.ContextConfig{
		Driver:           cfg.Driver,
		Domain:           cfg.Domain,
		Priority:         cfg.Priority,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:              cfg,
		ctx:              tctx,
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: cfg.StructuredLogger,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	dispatcher, err := transport.NewDispatcher(transport.DispatcherConfig{
		Context:          tctx,
		Decoder:          c,
		Logger:           cfg.Logger,
		StructuredLogger: cfg.StructuredLogger,
		Tracer:           cfg.Tracer,
		MetricHook:       cfg.Metrics,
	})
	if err != nil {
		_ = tctx.Close()
		return nil, err
	}
	c.dispatcher = dispatcher

	c.wg.Add(1)
	go c.backgroundLoop()

	return c, nil
}

// Close stops the background goroutine and tears down every connection,
// receiver, and transport resource.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()

	c.handlersMu.Lock()
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	return c.dispatcher.Close()
}

// Locality returns this process's address set, to be published to peers
// by whatever bootstrap mechanism the embedding application uses.
func (c *Client) Locality() transport.Locality {
	return c.ctx.Locality()
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:             c.stats.sendPosted.Load(),
		SendCompleted:          c.stats.sendCompleted.Load(),
		SendErrored:            c.stats.sendErrored.Load(),
		ReceiveMatched:         c.stats.recvMatched.Load(),
		ConnectionsEstablished: c.stats.connectionsEstablished.Load(),
	}
}

// RegisterReceiveHandler installs a callback invoked for every parcel this
// process receives. The returned function unregisters it.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// DecodeParcels implements transport.ParcelDecoder, fanning a received
// parcel out to every registered handler.
func (c *Client) DecodeParcels(source transport.Locality, data []byte, numChunksZeroCopy, numChunksNonZeroCopy uint64) error {
	c.stats.recvMatched.Add(1)
	cp := append([]byte(nil), data...)

	c.handlersMu.RLock()
	handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
	for _, h := range c.receiveHandlers {
		handlers = append(handlers, h)
	}
	c.handlersMu.RUnlock()
	if len(handlers) == 0 {
		return nil
	}

	parcel := ReceivedParcel{Source: source, Data: cp, NumChunksZeroCopy: numChunksZeroCopy, NumChunksNonZeroCopy: numChunksNonZeroCopy}
	for _, handler := range handlers {
		h := handler
		go h(parcel)
	}
	return nil
}

// Connection is a client-side handle on an established, reusable sender
// (spec's testable property: header reuse across many writes).
type Connection struct {
	client      *Client
	sender      *transport.Sender
	destination transport.Locality
}

// Connect establishes (or reuses) a connection to destination.
func (c *Client) Connect(ctx context.Context, destination transport.Locality) (*Connection, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	key := destination.Key()
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn, ok := c.connections[key]; ok {
		return conn, nil
	}
	sender, err := c.dispatcher.CreateConnection(ctx, destination)
	if err != nil {
		return nil, err
	}
	conn := &Connection{client: c, sender: sender, destination: destination}
	if c.connections == nil {
		c.connections = make(map[string]*Connection)
	}
	c.connections[key] = conn
	c.stats.connectionsEstablished.Add(1)
	return conn, nil
}

// Destination returns the peer locality this connection targets.
func (conn *Connection) Destination() transport.Locality { return conn.destination }

// Send posts payload and blocks until the remote side has consumed it or
// ctx is cancelled.
func (conn *Connection) Send(ctx context.Context, payload []byte) error {
	future, err := conn.SendAsync(payload)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendAsync posts payload and returns a future that resolves once the
// remote side acknowledges consumption.
func (conn *Connection) SendAsync(payload []byte) (*SendFuture, error) {
	return conn.client.sendAsync(conn, payload)
}

type operationResult struct {
	err error
}

type operation struct {
	client      *Client
	destination transport.Locality
	size        int
	done        chan struct{}

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

func newOperation(client *Client, destination transport.Locality, size int) *operation {
	return &operation{client: client, destination: destination, size: size, done: make(chan struct{})}
}

func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emitSend(op, res)
		}
		close(op.done)
		for _, cb := range callbacks {
			cb := cb
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// SendFuture tracks the completion of a posted send.
type SendFuture struct {
	op *operation
}

// Await blocks until the send resolves or ctx is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("ucxparcel client: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send
// resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

func (c *Client) sendAsync(conn *Connection, payload []byte) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("ucxparcel client: empty payload")
	}

	op := newOperation(c, conn.destination, len(payload))
	post := func() (bool, error) {
		return conn.sender.AsyncWrite(payload, uint64(len(payload)), 0, 0,
			func(err error) { op.complete(operationResult{err: err}) },
			nil)
	}

	ok, err := post()
	if err != nil {
		return nil, err
	}
	c.stats.sendPosted.Add(1)
	if !ok {
		go c.retryPost(post, op)
	}
	return &SendFuture{op: op}, nil
}

// retryPost drives a transient NO_RESOURCE post in a background goroutine
// with the same 1ms-doubling-to-10ms-cap backoff the dispatch loop uses,
// so a caller's SendAsync never blocks on backpressure.
func (c *Client) retryPost(post func() (bool, error), op *operation) {
	backoff := time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.ctx.Progress()
		ok, err := post()
		if err != nil {
			op.complete(operationResult{err: err})
			return
		}
		if ok {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > 10*time.Millisecond {
			backoff = 10 * time.Millisecond
		}
	}
}

func (c *Client) emitSend(op *operation, res operationResult) {
	if res.err != nil {
		c.stats.sendErrored.Add(1)
		c.logf("client: send errored destination=%s err=%v", op.destination.Key(), res.err)
		return
	}
	c.stats.sendCompleted.Add(1)
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) backgroundLoop() {
	defer c.wg.Done()

	var span Span
	if c.tracer != nil {
		span = c.tracer.StartSpan("client.background_loop", TraceAttribute{Key: "domain", Value: c.cfg.Domain})
	}
	c.logf("client: background loop started domain=%s", c.cfg.Domain)

	defer func() {
		c.logf("client: background loop stopped domain=%s", c.cfg.Domain)
		if span != nil {
			span.End(nil)
		}
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.dispatcher.BackgroundWork(0)
		}
	}
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}
