package bridge

import (
	"context"
	"sync"
	"time"
)

// frameQueue is an unbounded FIFO of encoded telephony frames with blocking
// pop. The downlink side is unbounded on purpose: playback drains at a fixed
// real-time cadence, so the model bursting a whole turn ahead of playback is
// normal and must not drop audio. Clear discards everything queued, which is
// how barge-in cuts the model off mid-sentence.
type frameQueue struct {
	mu     sync.Mutex
	frames [][]byte
	notify chan struct{}
}

func newFrameQueue() *frameQueue {
	return &frameQueue{notify: make(chan struct{}, 1)}
}

func (q *frameQueue) Push(frame []byte) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop returns the oldest frame without blocking.
func (q *frameQueue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

// PopWait blocks until a frame is available, the timeout passes, or ctx is
// done. A false return with nil error state means timeout.
func (q *frameQueue) PopWait(ctx context.Context, timeout time.Duration) ([]byte, bool) {
	if frame, ok := q.TryPop(); ok {
		return frame, true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if frame, ok := q.TryPop(); ok {
				return frame, true
			}
		case <-timer.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (q *frameQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.frames)
	q.frames = nil
	return n
}

func (q *frameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}
