package httpserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/cashier"
)

// clientMessage is one JSON control frame from the kiosk client. Microphone
// audio arrives separately as binary frames of 16kHz PCM16LE.
type clientMessage struct {
	Type    string `json:"type"` // text | start_listening | stop_listening | mute | voice | new_order | modify_order
	Text    string `json:"text,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// session bridges one WebSocket client to one turn controller: control frames
// in, update events and paced audio frames out.
type session struct {
	conn *websocket.Conn
	ctrl *cashier.Controller
	sink *PacedPCMWriter
	log  zerolog.Logger

	// gorilla connections allow one concurrent writer; the update pump and
	// the audio pacer share the socket.
	writeMu sync.Mutex
}

func newSession(conn *websocket.Conn, h *Handler) *session {
	s := &session{conn: conn, log: h.log.With().Str("component", "session").Logger()}
	s.sink = NewPacedPCMWriter(s.writeBinary)
	var orders cashier.OrderStore
	if h.orders != nil {
		orders = h.orders
	}
	s.ctrl = cashier.New(cashier.Config{
		SystemPrompt:      h.cfg.Persona.SystemPrompt,
		Greeting:          h.cfg.Persona.Greeting,
		EarlyTriggerChars: h.cfg.EarlyTriggerChars,
		SilenceGuard:      h.cfg.SilenceGuard,
	}, cashier.Deps{
		Capture: h.captureFactory(),
		Voice:   h.newVoice(s.sink),
		Model:   h.newModel(),
		Orders:  orders,
	}, h.log)
	return s
}

// run drives the session until the client goes away.
func (s *session) run() {
	defer s.close()

	s.ctrl.Start()
	go s.pumpUpdates()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.log.Debug().Err(err).Msg("client disconnected")
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			s.ctrl.FeedAudio(data)
		case websocket.TextMessage:
			s.dispatch(data)
		}
	}
}

func (s *session) dispatch(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("bad client frame")
		return
	}
	switch msg.Type {
	case "text":
		s.ctrl.SubmitText(msg.Text)
	case "start_listening":
		s.ctrl.StartListening()
	case "stop_listening":
		s.ctrl.StopListening()
	case "mute":
		s.ctrl.SetMuted(msg.Enabled)
	case "voice":
		s.ctrl.SetVoiceEnabled(msg.Enabled)
	case "new_order":
		s.ctrl.NewOrder()
	case "modify_order":
		s.ctrl.ModifyOrder()
	default:
		s.log.Debug().Str("type", msg.Type).Msg("unknown client frame")
	}
}

func (s *session) pumpUpdates() {
	for u := range s.ctrl.Updates() {
		payload, err := json.Marshal(u)
		if err != nil {
			continue
		}
		s.writeMu.Lock()
		err = s.conn.WriteMessage(websocket.TextMessage, payload)
		s.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *session) writeBinary(frame []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *session) close() {
	s.ctrl.Close()
	s.sink.Close()
	_ = s.conn.Close()
}
