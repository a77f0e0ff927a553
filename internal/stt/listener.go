package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the AssemblyAI v3 realtime streaming endpoint.
const DefaultEndpoint = "wss://streaming.assemblyai.com/v3/ws"

// Events lets the host react to recognition output. OnInterim may fire zero or
// more times per listening session; OnFinal fires at most once. OnError is
// terminal for the session.
type Events struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

// Listener wraps a streaming speech-to-text WebSocket into discrete
// final-transcript events. One Listener serves one listening session; the
// controller constructs a fresh one each time the microphone opens.
type Listener struct {
	apiKey   string
	endpoint string
	events   Events
	log      zerolog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	finalSent bool
	aborted   bool
	latest    string
	audioData chan []byte
	stopCh    chan struct{}
}

// Transcript message types from the recognition service.
type beginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type turnMessage struct {
	Type          string `json:"type"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// NewListener constructs a capture session against the default endpoint.
func NewListener(apiKey string, events Events, log zerolog.Logger) *Listener {
	return &Listener{
		apiKey:    apiKey,
		endpoint:  DefaultEndpoint,
		events:    events,
		log:       log.With().Str("component", "stt").Logger(),
		audioData: make(chan []byte, 1000),
		stopCh:    make(chan struct{}),
	}
}

// WithEndpoint overrides the streaming endpoint (tests, self-hosted gateways).
func (l *Listener) WithEndpoint(endpoint string) *Listener {
	l.endpoint = endpoint
	return l
}

// Start dials the recognition service and begins pumping audio and messages.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connected {
		return nil
	}
	if l.apiKey == "" {
		return fmt.Errorf("stt: api key missing")
	}

	params := url.Values{}
	params.Set("sample_rate", "16000")
	params.Set("format_turns", "true")
	params.Set("encoding", "pcm_s16le")
	wsURL := fmt.Sprintf("%s?%s", l.endpoint, params.Encode())

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, map[string][]string{"Authorization": {l.apiKey}})
	if err != nil {
		if resp != nil {
			l.log.Error().Int("status", resp.StatusCode).Msg("stt connect failed")
		}
		return fmt.Errorf("stt: connect: %w", err)
	}
	l.conn = conn
	l.connected = true

	go l.readLoop()
	go l.writeLoop()
	l.log.Debug().Msg("listening session opened")
	return nil
}

// SendPCM16KLE queues 16kHz little-endian mono PCM for recognition.
func (l *Listener) SendPCM16KLE(pcm []byte) error {
	l.mu.Lock()
	connected := l.connected
	l.mu.Unlock()
	if !connected {
		return fmt.Errorf("stt: not connected")
	}
	select {
	case l.audioData <- pcm:
	default:
		l.log.Warn().Msg("audio buffer full, dropping packet")
	}
	return nil
}

// Stop ends the session gracefully: if the service never marked a turn final,
// the latest transcript is flushed as the session's one final so words said
// right before the stop are not lost.
func (l *Listener) Stop() {
	l.close(true)
}

// Abort ends the session discarding any pending transcript. No final is emitted.
func (l *Listener) Abort() {
	l.close(false)
}

func (l *Listener) close(flush bool) {
	l.mu.Lock()
	if !l.connected {
		l.mu.Unlock()
		return
	}
	l.connected = false
	if !flush {
		l.aborted = true
	}
	conn := l.conn
	l.conn = nil
	pending := ""
	if flush && !l.finalSent {
		pending = l.latest
		l.finalSent = pending != ""
	}
	close(l.stopCh)
	l.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		_ = conn.Close()
	}
	if pending != "" && l.events.OnFinal != nil {
		l.events.OnFinal(pending)
	}
	l.log.Debug().Msg("listening session closed")
}

func (l *Listener) readLoop() {
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.mu.Lock()
		conn := l.conn
		l.mu.Unlock()
		if conn == nil {
			return
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-l.stopCh:
			default:
				l.fail(fmt.Errorf("stt: read: %w", err))
			}
			return
		}
		l.processMessage(message)
	}
}

func (l *Listener) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		l.log.Error().Err(err).Msg("unmarshal message")
		return
	}
	switch base.Type {
	case "Begin":
		var msg beginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		l.log.Debug().Str("session", msg.ID).Msg("recognition session began")
	case "Turn":
		var msg turnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		if msg.Transcript == "" {
			return
		}
		l.mu.Lock()
		l.latest = msg.Transcript
		done := msg.EndOfTurn && msg.TurnFormatted && !l.finalSent
		if done {
			l.finalSent = true
		}
		l.mu.Unlock()
		if done {
			if l.events.OnFinal != nil {
				l.events.OnFinal(msg.Transcript)
			}
		} else if l.events.OnInterim != nil {
			l.events.OnInterim(msg.Transcript)
		}
	case "Termination":
		l.log.Debug().Msg("recognition session terminated")
	case "Error":
		var msg errorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			return
		}
		l.fail(fmt.Errorf("stt: service error: %s", msg.Error))
	default:
		l.log.Debug().Str("type", base.Type).Msg("unknown message type")
	}
}

func (l *Listener) fail(err error) {
	l.mu.Lock()
	already := l.aborted || !l.connected
	l.mu.Unlock()
	if already {
		return
	}
	l.log.Error().Err(err).Msg("capture session failed")
	if l.events.OnError != nil {
		l.events.OnError(err)
	}
}

func (l *Listener) writeLoop() {
	for {
		select {
		case <-l.stopCh:
			return
		case audio := <-l.audioData:
			l.mu.Lock()
			conn := l.conn
			l.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
				l.log.Error().Err(err).Msg("send audio failed")
				return
			}
		}
	}
}
