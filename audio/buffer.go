package audio

import (
	"io"
	"sync"
)

// FrameBuffer is a FIFO of PCM frames sitting between the stream manager and
// the playback device. It never reorders frames: a frame either plays in
// arrival order or is dropped by Flush. Readers block until data arrives or
// the buffer closes, so it can back an audio player directly as an io.Reader.
type FrameBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	offset int // consumed bytes of frames[0]
	size   int
	cap    int
	closed bool
}

func NewFrameBuffer(fixedCap int) *FrameBuffer {
	fb := &FrameBuffer{
		cap: fixedCap,
	}
	fb.cond = sync.NewCond(&fb.mu)
	return fb
}

// Write appends a frame, dropping the oldest buffered frames when the byte
// cap would be exceeded. Returns the number of dropped bytes.
func (fb *FrameBuffer) Write(frame []byte) (dropped int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.closed {
		return len(frame)
	}
	for fb.size+len(frame) > fb.cap && len(fb.frames) > 0 {
		head := fb.frames[0]
		dropped += len(head) - fb.offset
		fb.size -= len(head) - fb.offset
		fb.frames = fb.frames[1:]
		fb.offset = 0
	}
	fb.frames = append(fb.frames, frame)
	fb.size += len(frame)
	fb.cond.Signal()
	return dropped
}

// Read blocks until buffered audio is available, then copies as much as fits.
// It returns io.EOF only after Close.
func (fb *FrameBuffer) Read(p []byte) (n int, err error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for fb.size == 0 && !fb.closed {
		fb.cond.Wait()
	}
	if fb.size == 0 && fb.closed {
		return 0, io.EOF
	}
	for n < len(p) && len(fb.frames) > 0 {
		head := fb.frames[0][fb.offset:]
		c := copy(p[n:], head)
		n += c
		fb.size -= c
		if c == len(head) {
			fb.frames = fb.frames[1:]
			fb.offset = 0
		} else {
			fb.offset += c
		}
	}
	return n, nil
}

// Flush atomically discards every buffered frame, including the partially
// consumed head. This is the barge-in primitive: nothing queued before the
// call will ever reach the device. Returns the number of dropped bytes.
func (fb *FrameBuffer) Flush() (dropped int) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	dropped = fb.size
	fb.frames = nil
	fb.offset = 0
	fb.size = 0
	return dropped
}

// Len reports the buffered byte count.
func (fb *FrameBuffer) Len() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.size
}

// FrameCount reports the number of whole or partial frames buffered.
func (fb *FrameBuffer) FrameCount() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.frames)
}

// Close wakes blocked readers; subsequent reads drain whatever remains, then
// return io.EOF.
func (fb *FrameBuffer) Close() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.closed = true
	fb.cond.Broadcast()
	return nil
}
