package tts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	delay time.Duration
}

func (f *fakeSynth) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	pcm := make(chan []byte, 4)
	errc := make(chan error, 1)
	go func() {
		defer close(pcm)
		defer close(errc)
		for i := 0; i < 3; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.delay):
			}
			pcm <- []byte{1, 0, 2, 0}
		}
	}()
	return pcm, errc
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.texts))
	copy(out, f.texts)
	return out
}

type fakeSink struct {
	wrote   int32
	flushes int32
	resets  int32
}

func (s *fakeSink) WritePCM([]byte) { atomic.AddInt32(&s.wrote, 1) }
func (s *fakeSink) FlushTail()      { atomic.AddInt32(&s.flushes, 1) }
func (s *fakeSink) Reset()          { atomic.AddInt32(&s.resets, 1) }

func TestSpeaker_NaturalCompletionAfterTail(t *testing.T) {
	synth := &fakeSynth{delay: time.Millisecond}
	sink := &fakeSink{}
	sp := NewSpeaker(synth, sink, 20*time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	start := time.Now()
	sp.Speak(context.Background(), "One latte coming right up.", func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("completion never fired")
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("completion fired before trailing buffer: %s", elapsed)
	}
	if atomic.LoadInt32(&sink.flushes) != 1 {
		t.Fatalf("expected one tail flush, got %d", sink.flushes)
	}
	if atomic.LoadInt32(&sink.wrote) == 0 {
		t.Fatalf("expected audio written")
	}
}

func TestSpeaker_StopSuppressesCompletion(t *testing.T) {
	synth := &fakeSynth{delay: 10 * time.Millisecond}
	sink := &fakeSink{}
	sp := NewSpeaker(synth, sink, 10*time.Millisecond, zerolog.Nop())

	var fired int32
	sp.Speak(context.Background(), "This will be interrupted mid sentence.", func() { atomic.AddInt32(&fired, 1) })
	time.Sleep(15 * time.Millisecond)
	sp.Stop()
	sp.Stop() // idempotent

	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("stop must not fire the completion callback")
	}
	if atomic.LoadInt32(&sink.resets) < 2 {
		t.Fatalf("expected sink resets on speak+stop, got %d", sink.resets)
	}
}

func TestSpeaker_SpeakCancelsInFlight(t *testing.T) {
	synth := &fakeSynth{delay: 10 * time.Millisecond}
	sink := &fakeSink{}
	sp := NewSpeaker(synth, sink, 5*time.Millisecond, zerolog.Nop())

	var firstDone, secondDone int32
	sp.Speak(context.Background(), "First reply that takes a while to play.", func() { atomic.AddInt32(&firstDone, 1) })
	time.Sleep(15 * time.Millisecond)
	done := make(chan struct{})
	sp.Speak(context.Background(), "Second reply.", func() { atomic.AddInt32(&secondDone, 1); close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("second completion never fired")
	}
	if atomic.LoadInt32(&firstDone) != 0 {
		t.Fatalf("superseded playback must not complete")
	}
	if atomic.LoadInt32(&secondDone) != 1 {
		t.Fatalf("expected exactly one completion for second speak")
	}
}

func TestSpeaker_PadsTrailingFragment(t *testing.T) {
	synth := &fakeSynth{delay: time.Millisecond}
	sink := &fakeSink{}
	sp := NewSpeaker(synth, sink, time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	sp.Speak(context.Background(), "Sure thing", func() { close(done) })
	<-done

	spoken := synth.spoken()
	if len(spoken) == 0 {
		t.Fatalf("nothing synthesized")
	}
	last := spoken[len(spoken)-1]
	if last != "Sure thing." {
		t.Fatalf("trailing fragment not padded: %q", last)
	}
}

func TestSpeaker_ChunksBySentence(t *testing.T) {
	synth := &fakeSynth{delay: time.Millisecond}
	sink := &fakeSink{}
	sp := NewSpeaker(synth, sink, time.Millisecond, zerolog.Nop())

	done := make(chan struct{})
	sp.Speak(context.Background(), "That's a medium mocha. Anything else?", func() { close(done) })
	<-done

	if got := synth.spoken(); len(got) != 2 {
		t.Fatalf("expected 2 sentence chunks, got %d: %v", len(got), got)
	}
}
