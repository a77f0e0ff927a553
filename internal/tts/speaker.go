package tts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"github.com/rs/zerolog"
)

// Synthesizer streams 48kHz PCM16LE mono audio for the given text.
type Synthesizer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// AudioSink consumes PCM bytes and performs delivery (e.g. paced frames over a
// session WebSocket). Implementations should buffer internally and pace output.
type AudioSink interface {
	WritePCM(pcm []byte)
	// FlushTail pads and emits any buffered remainder so the last word is not cut.
	FlushTail()
	// Reset drops queued audio immediately (interruption).
	Reset()
}

// Speaker turns response text into played audio. At most one playback session
// is active at a time: Speak cancels any in-flight session first. The onDone
// callback fires exactly once per Speak, only when playback ends naturally
// (synthesis failures are soft and still complete) and only after a fixed
// trailing buffer past the last audio. Stop never fires onDone.
type Speaker struct {
	synth Synthesizer
	sink  AudioSink
	tail  time.Duration
	log   zerolog.Logger

	tokenizer *sentences.DefaultSentenceTokenizer

	mu      sync.Mutex
	cancel  context.CancelFunc
	session int
}

func NewSpeaker(synth Synthesizer, sink AudioSink, tail time.Duration, log zerolog.Logger) *Speaker {
	tok, err := english.NewSentenceTokenizer(nil)
	if err != nil {
		tok = nil
	}
	return &Speaker{
		synth:     synth,
		sink:      sink,
		tail:      tail,
		log:       log.With().Str("component", "speaker").Logger(),
		tokenizer: tok,
	}
}

// Speak starts speaking text, cancelling any in-flight playback first.
func (s *Speaker) Speak(ctx context.Context, text string, onDone func()) {
	s.mu.Lock()
	s.session++
	id := s.session
	if s.cancel != nil {
		s.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.sink.Reset()
	go s.run(runCtx, id, text, onDone)
}

// Stop cancels playback. Idempotent; does not fire the completion callback, so
// callers can tell "user interrupted" apart from "message finished".
func (s *Speaker) Stop() {
	s.mu.Lock()
	s.session++
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

func (s *Speaker) run(ctx context.Context, id int, text string, onDone func()) {
	for _, chunk := range s.chunk(text) {
		if ctx.Err() != nil {
			return
		}
		s.streamChunk(ctx, chunk)
	}
	if ctx.Err() != nil {
		return
	}
	s.sink.FlushTail()

	// Trailing buffer before signalling completion, so the tail of the audio
	// is heard before the microphone can reopen.
	select {
	case <-ctx.Done():
		return
	case <-time.After(s.tail):
	}

	s.mu.Lock()
	current := s.session == id
	if current {
		s.cancel = nil
	}
	s.mu.Unlock()
	if current && onDone != nil {
		onDone()
	}
}

// streamChunk plays one sentence-sized chunk. Synthesis errors are logged and
// swallowed: a missing sentence of audio must not stall the conversation.
func (s *Speaker) streamChunk(ctx context.Context, chunk string) {
	pcmCh, errCh := s.synth.StreamPCM48k(ctx, chunk)
	openPCM, openErr := true, true
	for openPCM || openErr {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				openPCM = false
				continue
			}
			if len(b) > 0 && ctx.Err() == nil {
				s.sink.WritePCM(b)
			}
		case e, ok := <-errCh:
			if ok && e != nil {
				s.log.Warn().Err(e).Msg("synthesis error")
			}
			openErr = false
		case <-ctx.Done():
			return
		}
	}
}

// chunk splits text into sentence-sized pieces so cancellation between
// sentences is prompt, padding the trailing fragment with terminal punctuation
// to avoid a clipped final syllable.
func (s *Speaker) chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	if s.tokenizer != nil {
		for _, sent := range s.tokenizer.Tokenize(text) {
			if t := strings.TrimSpace(sent.Text); t != "" {
				chunks = append(chunks, t)
			}
		}
	}
	if len(chunks) == 0 {
		chunks = []string{text}
	}
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(last, ".") && !strings.HasSuffix(last, "!") && !strings.HasSuffix(last, "?") {
		chunks[len(chunks)-1] = last + "."
	}
	return chunks
}
