package sdo

import (
	"sync"
	"time"

	"github.com/go-canopen/sdo/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithTimeout overrides the default per-request SDO timeout
// (DefaultClientTimeoutMs).
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) { c.timeout = timeout }
}

// Client is an SDO client for a single remote node: it accepts Upload and
// Download calls from any number of goroutines, serializes them through one
// request queue, and drives at most one active transfer at a time through
// the Transfer Engine (spec.md §4).
type Client struct {
	mu      sync.Mutex
	bus     can.Bus
	engine  *engine
	queue   queue
	timeout time.Duration
	timer   *time.Timer

	frameCh  chan can.Frame
	closeCh  chan struct{}
	closedCh chan struct{}

	nodeID   uint8
	cobidC2S uint32
	cobidS2C uint32
}

// NewClient builds a Client addressing nodeID over bus, notifying dict of
// every completed transfer. It subscribes to bus and starts the client's
// background event loop; callers must Close the client when done.
func NewClient(bus can.Bus, nodeID uint8, dict Dictionary, opts ...Option) (*Client, error) {
	if dict == nil {
		dict = NopDictionary{}
	}
	c := &Client{
		bus:      bus,
		timeout:  DefaultClientTimeoutMs * time.Millisecond,
		frameCh:  make(chan can.Frame, 32),
		closeCh:  make(chan struct{}),
		closedCh: make(chan struct{}),
		nodeID:   nodeID,
		cobidC2S: ClientBaseId + uint32(nodeID),
		cobidS2C: ServerBaseId + uint32(nodeID),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.engine = newEngine(bus, dict, c.cobidC2S, c.cobidS2C)
	c.timer = time.NewTimer(time.Hour)
	if !c.timer.Stop() {
		<-c.timer.C
	}
	if err := bus.Subscribe(c); err != nil {
		return nil, err
	}
	go c.run()
	return c, nil
}

// Upload requests a read of (index, subindex), declared to be of
// declaredType. It returns immediately; the caller reads the result off the
// returned Result once Done is closed.
func (c *Client) Upload(index uint16, subindex uint8, declaredType uint8) *Result {
	req := newRequest(index, subindex, dirUpload, declaredType)
	c.submit(req)
	return req.result
}

// Download requests a write of value to (index, subindex), declared to be
// of declaredType. It returns immediately.
func (c *Client) Download(index uint16, subindex uint8, declaredType uint8, value any) *Result {
	req := newRequest(index, subindex, dirDownload, declaredType)
	req.downloadValue = value
	c.submit(req)
	return req.result
}

// Close stops the client's event loop. It does not disconnect the bus,
// which the caller owns.
func (c *Client) Close() error {
	close(c.closeCh)
	<-c.closedCh
	c.timer.Stop()
	return nil
}

// Handle implements can.FrameListener. It is called from the bus's own
// receive goroutine, so it only ever hands the frame off; all protocol work
// happens on the client's event loop goroutine.
func (c *Client) Handle(frame can.Frame) {
	select {
	case c.frameCh <- frame:
	case <-c.closeCh:
	}
}

func (c *Client) submit(req *request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dup := c.queue.submit(req); dup != nil {
		req.result = dup.result
		return
	}
	c.pumpLocked()
}

// pumpLocked activates queued requests while the engine is free. Must be
// called with mu held.
func (c *Client) pumpLocked() {
	for !c.engine.busy() {
		req := c.queue.pop()
		if req == nil {
			c.stopTimerLocked()
			return
		}
		c.engine.activate(req)
		if c.engine.busy() {
			c.armTimerLocked()
		}
	}
}

func (c *Client) armTimerLocked() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.timer.Reset(c.timeout)
}

func (c *Client) stopTimerLocked() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}

// run is the client's single event-loop goroutine: it serializes inbound
// frames and timeout expiry against submissions made under mu.
func (c *Client) run() {
	defer close(c.closedCh)
	for {
		select {
		case frame := <-c.frameCh:
			c.mu.Lock()
			if c.engine.handleFrame(frame) {
				c.pumpLocked()
			} else if c.engine.busy() && frame.ID == c.cobidS2C {
				// The server's frame advanced the active transfer, which now
				// waits for its next reply (e.g. the next download/upload
				// segment or sub-block); give it a fresh deadline rather
				// than sharing the whole transfer's budget with the frame
				// that just arrived. Frames from other CAN IDs do not.
				c.armTimerLocked()
			}
			c.mu.Unlock()
		case <-c.timer.C:
			c.mu.Lock()
			if c.engine.timeoutFired() {
				c.pumpLocked()
			}
			c.mu.Unlock()
		case <-c.closeCh:
			log.Debugf("[SDO] client for node x%x shutting down", c.nodeID)
			return
		}
	}
}
