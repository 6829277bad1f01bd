package sdo

import (
	"encoding/binary"

	"github.com/go-canopen/sdo/internal/fifo"
	"github.com/go-canopen/sdo/pkg/can"
	"github.com/go-canopen/sdo/pkg/od"
	log "github.com/sirupsen/logrus"
)

// engine is the Transfer Engine of spec.md §4.4: it drives exactly one
// active request to completion through one of the six SDO sub-protocols.
// It owns no goroutine of its own; the owning client feeds it frames and
// drives its timeout.
type engine struct {
	bus       can.Bus
	dict      Dictionary
	cobidC2S  uint32
	cobidS2C  uint32
	active    *request
	lastChunk int // bytes carried by the most recent outbound download segment/sub-block frame
}

func newEngine(bus can.Bus, dict Dictionary, cobidC2S, cobidS2C uint32) *engine {
	return &engine{bus: bus, dict: dict, cobidC2S: cobidC2S, cobidS2C: cobidS2C}
}

func isVariableLength(dataType uint8) bool {
	switch dataType {
	case od.DOMAIN, od.VISIBLE_STRING, od.OCTET_STRING, od.UNICODE_STRING:
		return true
	default:
		return false
	}
}

// busy reports whether the engine currently owns a request.
func (e *engine) busy() bool { return e.active != nil }

// timeoutFired aborts the active request with AbortTimeout, per spec.md
// §4.5. It is a no-op if the engine is idle (a timer that raced a
// completion).
func (e *engine) timeoutFired() bool {
	if e.active == nil {
		return false
	}
	e.finishError(AbortTimeout, true)
	return true
}

// send transmits frame and reports whether it went out. A transport error
// is an immediate, unrecoverable failure for the active request (Error
// Handling Design, taxonomy item 1).
func (e *engine) send(frame can.Frame) bool {
	if err := e.bus.Send(frame); err != nil {
		log.Warnf("[SDO] failed to send frame to x%x: %v", frame.ID, err)
		e.finishError(AbortGeneral, false)
		return false
	}
	return true
}

// activate starts req, choosing a sub-protocol per spec.md §4.4, and sends
// the first outbound frame(s). The caller must have already verified the
// engine was Free.
func (e *engine) activate(req *request) {
	e.active = req
	switch req.direction {
	case dirDownload:
		e.activateDownload(req)
	case dirUpload:
		e.activateUpload(req)
	}
}

func (e *engine) activateDownload(req *request) {
	payload, err := encodeValue(req.downloadValue, req.declaredType)
	if err != nil {
		e.finishError(AbortTypeMismatch, true)
		return
	}
	req.payload = payload
	req.declaredSize = uint32(len(payload))

	switch {
	case req.declaredSize <= 4:
		req.state = stateDownloadInitiateRsp
		e.send(downloadInitiateFrame(e.cobidC2S, req.index, req.subindex, true, payload, 0))
	case req.declaredSize < 128:
		req.state = stateDownloadInitiateRsp
		e.send(downloadInitiateFrame(e.cobidC2S, req.index, req.subindex, false, nil, req.declaredSize))
	default:
		req.state = stateDownloadBlkInitiateRsp
		e.send(blockDownloadInitiateFrame(e.cobidC2S, req.index, req.subindex, req.declaredSize))
	}
}

// activateUpload starts a block upload for DOMAIN objects; every other type,
// strings included, starts with a plain upload initiate and the server picks
// expedited or segmented in its reply.
func (e *engine) activateUpload(req *request) {
	if req.declaredType == od.DOMAIN {
		req.state = stateUploadBlkInitiateRsp
		req.blockSize = BlockMaxSize
		e.send(blockUploadInitiateFrame(e.cobidC2S, req.index, req.subindex, req.blockSize))
		return
	}
	req.state = stateUploadInitiateRsp
	e.send(uploadInitiateFrame(e.cobidC2S, req.index, req.subindex))
}

// handleFrame advances the active request's state machine. It returns true
// once the request has left the active slot (success or failure), at which
// point the caller should pump the queue.
func (e *engine) handleFrame(frame can.Frame) (done bool) {
	if e.active == nil || frame.ID != e.cobidS2C || frame.DLC < 8 {
		return false
	}
	r := response{raw: frame.Data}
	if r.isAbort() {
		log.Warnf("[SDO] server aborted x%x:x%x with %v", e.active.index, e.active.subindex, r.abortCode())
		e.finishError(r.abortCode(), false)
		return true
	}

	req := e.active
	// A handler whose follow-up frame failed to send has already ended the
	// request through send's finishError.
	defer func() { done = done || e.active == nil }()
	switch req.state {
	case stateDownloadInitiateRsp:
		return e.onDownloadInitiateRsp(req, &r)
	case stateDownloadSegmentRsp:
		return e.onDownloadSegmentRsp(req, &r)
	case stateDownloadBlkInitiateRsp:
		return e.onDownloadBlkInitiateRsp(req, &r)
	case stateDownloadBlkSubblockRsp:
		return e.onDownloadBlkSubblockRsp(req, &r)
	case stateDownloadBlkEndRsp:
		return e.onDownloadBlkEndRsp(req, &r)
	case stateUploadInitiateRsp:
		return e.onUploadInitiateRsp(req, &r)
	case stateUploadSegmentRsp:
		return e.onUploadSegmentRsp(req, &r)
	case stateUploadBlkInitiateRsp:
		return e.onUploadBlkInitiateRsp(req, &r)
	case stateUploadBlkSubblockRsp:
		return e.onUploadBlkFrame(req, &r)
	case stateUploadBlkEndRsp:
		return e.onUploadBlkEndRsp(req, &r)
	}
	return false
}

func (e *engine) checkIdentifier(req *request, r *response) bool {
	if r.index() != req.index || r.subindex() != req.subindex {
		e.finishError(AbortCmd, true)
		return false
	}
	return true
}

// --- download: expedited / segmented ---

func (e *engine) onDownloadInitiateRsp(req *request, r *response) bool {
	if r.raw[0] != 0x60 || !e.checkIdentifier(req, r) {
		if r.raw[0] != 0x60 {
			e.finishError(AbortCmd, true)
		}
		return true
	}
	if req.declaredSize <= 4 {
		e.finishSuccess(req, Written, req.downloadValue)
		return true
	}
	req.transferred = req.declaredSize
	req.toggle = 0
	e.sendDownloadSegment(req)
	return false
}

func (e *engine) sendDownloadSegment(req *request) {
	n := int(req.transferred)
	if n > BlockSeqSize {
		n = BlockSeqSize
	}
	offset := len(req.payload) - int(req.transferred)
	data := req.payload[offset : offset+n]
	last := int(req.transferred)-n == 0
	req.state = stateDownloadSegmentRsp
	e.send(downloadSegmentFrame(e.cobidC2S, req.toggle, data, last))
	req.transferred -= uint32(n)
}

func (e *engine) onDownloadSegmentRsp(req *request, r *response) bool {
	if (r.raw[0] & 0xEF) != 0x20 {
		e.finishError(AbortCmd, true)
		return true
	}
	if r.toggle() != req.toggle<<4 {
		e.finishError(AbortToggleBit, true)
		return true
	}
	if req.transferred == 0 {
		e.finishSuccess(req, Written, req.downloadValue)
		return true
	}
	req.toggle ^= 1
	e.sendDownloadSegment(req)
	return false
}

// --- download: block ---

func (e *engine) onDownloadBlkInitiateRsp(req *request, r *response) bool {
	if (r.raw[0] & 0xE0) != 0xA0 || !e.checkIdentifier(req, r) {
		e.finishError(AbortCmd, true)
		return true
	}
	req.blockSize = r.blockSize()
	if req.blockSize < 1 || req.blockSize > BlockMaxSize {
		e.finishError(AbortBlockSize, true)
		return true
	}
	req.transferred = req.declaredSize
	req.seqno = 1
	e.sendDownloadSubBlock(req)
	return false
}

// sendDownloadSubBlock sends one full sub-block window of up to
// req.blockSize segment frames, or fewer if the transfer ends first, and
// records how many it actually sent in req.seqno.
func (e *engine) sendDownloadSubBlock(req *request) {
	var sent uint8
	for sent < req.blockSize {
		n := int(req.transferred)
		if n > BlockSeqSize {
			n = BlockSeqSize
		}
		offset := len(req.payload) - int(req.transferred)
		data := req.payload[offset : offset+n]
		req.transferred -= uint32(n)
		last := req.transferred == 0
		e.lastChunk = n
		if !e.send(blockDownloadSubFrame(e.cobidC2S, sent+1, data, last)) {
			return
		}
		sent++
		if last {
			break
		}
	}
	req.seqno = sent
	req.state = stateDownloadBlkSubblockRsp
}

func (e *engine) onDownloadBlkSubblockRsp(req *request, r *response) bool {
	if r.raw[0] != 0xA2 {
		e.finishError(AbortCmd, true)
		return true
	}
	ackseq := r.raw[1]
	nextBlockSize := r.raw[2]
	sent := req.seqno
	if ackseq == 0 {
		// Server received nothing usable from this sub-block; resend it in
		// full (spec.md §4.4.3 step 4).
		req.transferred += uint32(sent-1)*BlockSeqSize + uint32(e.lastChunk)
		req.seqno = 1
	} else if ackseq < sent {
		missing := sent - ackseq
		req.transferred += uint32(missing-1)*BlockSeqSize + uint32(e.lastChunk)
		req.seqno = ackseq + 1
	} else {
		req.seqno = 1
	}
	req.blockSize = nextBlockSize
	if req.blockSize < 1 || req.blockSize > BlockMaxSize {
		e.finishError(AbortBlockSize, true)
		return true
	}
	if req.transferred == 0 && ackseq == sent {
		noData := BlockSeqSize - e.lastChunk
		req.state = stateDownloadBlkEndRsp
		e.send(blockDownloadEndFrame(e.cobidC2S, uint8(noData)))
		return false
	}
	e.sendDownloadSubBlock(req)
	return false
}

func (e *engine) onDownloadBlkEndRsp(req *request, r *response) bool {
	if r.raw[0] != 0xA1 {
		e.finishError(AbortCmd, true)
		return true
	}
	e.finishSuccess(req, Written, req.downloadValue)
	return true
}

// --- upload: expedited / segmented ---

func (e *engine) onUploadInitiateRsp(req *request, r *response) bool {
	if (r.raw[0] & 0xF0) != 0x40 || !e.checkIdentifier(req, r) {
		e.finishError(AbortCmd, true)
		return true
	}
	expedited := r.raw[0]&0x02 != 0
	sizeIndicated := r.raw[0]&0x01 != 0
	if expedited {
		n := 0
		if sizeIndicated {
			n = int((r.raw[0] >> 2) & 0x03)
		}
		dataLen := 4 - n
		value, err := decodeValue(r.raw[4:4+dataLen], req.declaredType)
		if err != nil {
			e.finishError(AbortTypeMismatch, true)
			return true
		}
		e.finishSuccess(req, Read, value)
		return true
	}
	if sizeIndicated {
		// Open Question 1: read all four size bytes, not just byte 4.
		req.declaredSize = binary.LittleEndian.Uint32(r.raw[4:8])
	}
	req.toggle = 0
	req.state = stateUploadSegmentRsp
	e.send(uploadSegmentFrame(e.cobidC2S, req.toggle))
	return false
}

func (e *engine) onUploadSegmentRsp(req *request, r *response) bool {
	if (r.raw[0] & 0xE0) != 0x00 {
		e.finishError(AbortCmd, true)
		return true
	}
	if r.toggle() != req.toggle<<4 {
		e.finishError(AbortToggleBit, true)
		return true
	}
	n := (r.raw[0] >> 1) & 0x07
	dataLen := BlockSeqSize - int(n)
	req.buf.Write(r.raw[1:1+dataLen], nil)
	last := r.raw[0]&0x01 != 0
	if last {
		data := readAll(req.buf)
		value, err := decodeValue(data, req.declaredType)
		if err != nil {
			e.finishError(AbortTypeMismatch, true)
			return true
		}
		e.finishSuccess(req, Read, value)
		return true
	}
	req.toggle ^= 1
	e.send(uploadSegmentFrame(e.cobidC2S, req.toggle))
	return false
}

// --- upload: block ---

func (e *engine) onUploadBlkInitiateRsp(req *request, r *response) bool {
	if (r.raw[0]&0xF9) != 0xC0 && (r.raw[0]&0xF0) != 0x40 {
		e.finishError(AbortCmd, true)
		return true
	}
	if !e.checkIdentifier(req, r) {
		return true
	}
	if (r.raw[0]&0xF0) == 0x40 && (r.raw[0]&0xF9) != 0xC0 {
		// Server refused block mode and switched to a plain upload
		// response in its initiate reply.
		req.state = stateUploadInitiateRsp
		return e.onUploadInitiateRsp(req, r)
	}
	if r.raw[0]&blkFlagSizeIndicated == 0 {
		e.finishError(AbortTypeMismatch, true)
		return true
	}
	req.declaredSize = binary.LittleEndian.Uint32(r.raw[4:8])
	req.seqno = 1
	req.ackseq = 0
	req.errorFlag = false
	req.state = stateUploadBlkSubblockRsp
	e.send(blockUploadStartFrame(e.cobidC2S))
	return false
}

// nextUploadBlockSize picks the window size for the sub-block the server is
// about to send, per spec.md §4.4.3 step 5: enough segments to cover what's
// left, capped at BlockMaxSize, never less than one.
func nextUploadBlockSize(req *request) uint8 {
	remaining := req.declaredSize - uint32(req.buf.GetOccupied())
	segs := (remaining + BlockSeqSize - 1) / BlockSeqSize
	switch {
	case segs < 1:
		return 1
	case segs > BlockMaxSize:
		return BlockMaxSize
	default:
		return uint8(segs)
	}
}

func (e *engine) onUploadBlkFrame(req *request, r *response) bool {
	actualSeq := r.raw[0] & 0x7F
	last := r.raw[0]&0x80 != 0

	if !req.errorFlag {
		if actualSeq == req.seqno {
			req.buf.Write(r.raw[1:8], nil)
			req.ackseq = actualSeq
			req.seqno++
		} else {
			req.errorFlag = true
		}
	}

	if last || actualSeq >= req.blockSize {
		nextBlockSize := nextUploadBlockSize(req)
		e.send(blockUploadAckFrame(e.cobidC2S, req.ackseq, nextBlockSize))
		if last {
			req.state = stateUploadBlkEndRsp
			return false
		}
		req.seqno = 1
		req.errorFlag = false
	}
	return false
}

func (e *engine) onUploadBlkEndRsp(req *request, r *response) bool {
	if (r.raw[0] & 0xE3) != 0xC1 {
		e.finishError(AbortCmd, true)
		return true
	}
	noData := (r.raw[0] >> 2) & 0x07
	data := readAll(req.buf)
	if int(noData) > len(data) {
		e.finishError(AbortBlockSize, true)
		return true
	}
	data = data[:len(data)-int(noData)]
	if uint32(len(data)) != req.declaredSize {
		e.finishError(AbortBlockSize, true)
		return true
	}
	value, err := decodeValue(data, req.declaredType)
	if err != nil {
		e.finishError(AbortTypeMismatch, true)
		return true
	}
	if !e.send(blockUploadEndFrame(e.cobidC2S)) {
		return true
	}
	e.finishSuccess(req, Read, value)
	return true
}

// --- terminal transitions ---

func (e *engine) finishSuccess(req *request, flag Flag, value any) {
	log.Debugf("[SDO] x%x:x%x finished (%v)", req.index, req.subindex, flag)
	e.dict.Update(req.index, req.subindex, value, flag)
	req.result.finish(value, nil)
	e.active = nil
}

// finishError ends the active request with code. When sendAbort is true,
// the engine emits a client-abort frame (protocol violations and timeouts,
// Error Handling Design items 2-3); server-initiated aborts and transport
// errors do not get one echoed back.
func (e *engine) finishError(code SDOAbortCode, sendAbort bool) {
	req := e.active
	if req == nil {
		return
	}
	if sendAbort {
		_ = e.bus.Send(abortFrame(e.cobidC2S, req.index, req.subindex, code))
	}
	log.Warnf("[SDO] x%x:x%x aborted: %v", req.index, req.subindex, code)
	e.dict.Update(req.index, req.subindex, nil, Error)
	e.dict.SetError(req.index, req.subindex, code)
	req.result.finish(nil, code)
	e.active = nil
}

// readAll drains every byte currently buffered in f.
func readAll(f *fifo.Fifo) []byte {
	out := make([]byte, f.GetOccupied())
	f.Read(out, nil)
	return out
}
