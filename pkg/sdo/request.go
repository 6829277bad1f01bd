package sdo

import "github.com/go-canopen/sdo/internal/fifo"

type direction uint8

const (
	dirUpload direction = iota
	dirDownload
)

// segmentBufferSize bounds how large a single transfer's accumulation
// buffer may grow; block transfers for domain objects can be large, so this
// is generous rather than tight. fifo.NewFifo takes a uint16 size, so this
// is the largest value available.
const segmentBufferSize = 1<<16 - 1

// request is one logical transfer, matching the Data Model of SPEC_FULL /
// spec.md §3. It is owned either by the queue or by the engine, never both.
type request struct {
	index        uint16
	subindex     uint8
	direction    direction
	declaredType uint8
	declaredSize uint32
	payload      []byte // consumed on download; uploads accumulate in buf
	transferred  uint32

	toggle    uint8
	blockSize uint8
	seqno     uint8
	ackseq    uint8
	buf       *fifo.Fifo
	errorFlag bool

	// downloadValue is the typed value supplied to Download, encoded into
	// payload by the Engine once the request becomes active.
	downloadValue any

	state SDOState
	result *Result
}

func newRequest(index uint16, subindex uint8, dir direction, declaredType uint8) *request {
	return &request{
		index:        index,
		subindex:     subindex,
		direction:    dir,
		declaredType: declaredType,
		buf:          fifo.NewFifo(segmentBufferSize),
		result:       newResult(),
	}
}

// matches reports whether r addresses the same (index, subindex) as other,
// used by the queue's de-duplication rule.
func (r *request) matches(index uint16, subindex uint8) bool {
	return r.index == index && r.subindex == subindex
}

// Result is the handle returned immediately to the caller of Upload or
// Download. It complements the Dictionary notification contract (see
// SPEC_FULL E.3): callers that have no dictionary of their own can still
// learn when their single request finishes.
type Result struct {
	done  chan struct{}
	value any
	err   error
}

func newResult() *Result {
	return &Result{done: make(chan struct{})}
}

// Done is closed once the request leaves the active slot, successfully or
// not.
func (r *Result) Done() <-chan struct{} { return r.done }

// Value is the decoded typed value on a successful upload, the value that
// was written on a successful download, and nil on failure.
// Only meaningful after Done is closed.
func (r *Result) Value() any { return r.value }

// Err is nil on success, or the SDOAbortCode (as an error) that ended the
// transfer. Only meaningful after Done is closed.
func (r *Result) Err() error { return r.err }

func (r *Result) finish(value any, err error) {
	r.value = value
	r.err = err
	close(r.done)
}
