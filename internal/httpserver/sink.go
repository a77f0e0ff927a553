package httpserver

import (
	"sync"
	"time"
)

const (
	// 20ms of 48kHz mono PCM16.
	frameSamples = 960
	frameBytes   = frameSamples * 2
)

// PacedPCMWriter buffers synthesized 48kHz PCM and emits fixed 20ms frames at
// playback rate, so a burst from the synthesizer does not flood the socket and
// Reset can drop queued audio for an instant interruption.
type PacedPCMWriter struct {
	emit func(frame []byte)

	mu      sync.Mutex
	pcmBuf  []byte
	frames  chan []byte
	stopCh  chan struct{}
	stopped bool
}

// NewPacedPCMWriter starts the pacer. emit is called from the pacer goroutine
// with one audio frame at a time.
func NewPacedPCMWriter(emit func(frame []byte)) *PacedPCMWriter {
	w := &PacedPCMWriter{
		emit:   emit,
		frames: make(chan []byte, 512),
		stopCh: make(chan struct{}),
	}
	go w.pacer()
	return w
}

// WritePCM buffers PCM bytes and queues every full frame.
func (w *PacedPCMWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	w.pcmBuf = append(w.pcmBuf, pcm...)
	var full [][]byte
	for len(w.pcmBuf) >= frameBytes {
		frame := make([]byte, frameBytes)
		copy(frame, w.pcmBuf[:frameBytes])
		full = append(full, frame)
		w.pcmBuf = w.pcmBuf[frameBytes:]
	}
	w.mu.Unlock()
	for _, f := range full {
		w.pushFrame(f)
	}
}

// FlushTail zero-pads the remainder to a full frame and appends a short
// silence tail so the last audible word is not clipped.
func (w *PacedPCMWriter) FlushTail() {
	w.mu.Lock()
	var tail []byte
	if len(w.pcmBuf) > 0 {
		tail = make([]byte, frameBytes)
		copy(tail, w.pcmBuf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	w.mu.Unlock()
	if tail != nil {
		w.pushFrame(tail)
	}
	for i := 0; i < 5; i++ {
		w.pushFrame(make([]byte, frameBytes))
	}
}

// Reset drops buffered PCM and all queued frames.
func (w *PacedPCMWriter) Reset() {
	w.mu.Lock()
	w.pcmBuf = w.pcmBuf[:0]
	w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			return
		}
	}
}

// Close stops the pacer.
func (w *PacedPCMWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedPCMWriter) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				w.emit(frame)
			default:
			}
		}
	}
}

func (w *PacedPCMWriter) pushFrame(frame []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- frame:
	}
}
