package sdo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDownloadInitiateFrameExpedited(t *testing.T) {
	// spec.md §8 scenario 2: expedited download of 16-bit 0x1234 to (0x6040, 0).
	frame := downloadInitiateFrame(0x601, 0x6040, 0, true, []byte{0x34, 0x12}, 0)
	assert.Equal(t, [8]byte{0x2B, 0x40, 0x60, 0x00, 0x34, 0x12, 0x00, 0x00}, frame.Data)
}

func TestUploadInitiateFrame(t *testing.T) {
	// spec.md §8 scenario 1: expedited upload of (0x1018, 1).
	frame := uploadInitiateFrame(0x601, 0x1018, 1)
	assert.Equal(t, [8]byte{0x40, 0x18, 0x10, 0x01, 0x00, 0x00, 0x00, 0x00}, frame.Data)
}

func TestAbortFrame(t *testing.T) {
	frame := abortFrame(0x601, 0x1018, 1, AbortToggleBit)
	assert.Equal(t, [8]byte{0x80, 0x18, 0x10, 0x01, 0x00, 0x00, 0x03, 0x05}, frame.Data)
}

func TestDownloadSegmentFrameLastSegmentTail(t *testing.T) {
	// 3 data bytes on the final segment, toggle=1: n = 7-3 = 4, c=1.
	frame := downloadSegmentFrame(0x601, 1, []byte{0xAA, 0xBB, 0xCC}, true)
	assert.Equal(t, byte(0x10|4<<1|1), frame.Data[0])
	assert.Equal(t, [3]byte{0xAA, 0xBB, 0xCC}, [3]byte(frame.Data[1:4]))
}

func TestBlockDownloadInitiateFrame(t *testing.T) {
	// spec.md §8 scenario 5: block download of 200 bytes to (0x1F50, 1).
	frame := blockDownloadInitiateFrame(0x601, 0x1F50, 1, 200)
	assert.Equal(t, [8]byte{0xC6, 0x50, 0x1F, 0x01, 0xC8, 0x00, 0x00, 0x00}, frame.Data)
}

func TestBlockDownloadSubFrameLastFlag(t *testing.T) {
	frame := blockDownloadSubFrame(0x601, 29, []byte{1, 2, 3, 4}, true)
	assert.Equal(t, byte(0x80|29), frame.Data[0])
}

func TestBlockDownloadEndFrame(t *testing.T) {
	// scenario 5: n = 7-4 = 3 -> encoded in bits 4:2: 0xC1 | (3<<2) = 0xCD.
	frame := blockDownloadEndFrame(0x601, 3)
	assert.Equal(t, byte(0xCD), frame.Data[0])
}

func TestBlockUploadInitiateFrame(t *testing.T) {
	frame := blockUploadInitiateFrame(0x601, 0x1008, 0, BlockMaxSize)
	assert.Equal(t, byte(0xA0), frame.Data[0])
	assert.Equal(t, byte(BlockMaxSize), frame.Data[4])
}

func TestNewFramePadsToEightBytes(t *testing.T) {
	frame := newFrame(0x601, 0x40, 0x1018, 1, []byte{0xAB})
	assert.Len(t, frame.Data, 8)
	assert.Equal(t, byte(0xAB), frame.Data[4])
	assert.Equal(t, byte(0), frame.Data[5])
}
