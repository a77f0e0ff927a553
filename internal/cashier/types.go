package cashier

import (
	"context"
	"time"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/order"
)

// State is the controller's machine state. Exactly one is active at a time and
// only the controller's event loop mutates it.
type State string

const (
	StateIdle           State = "idle"
	StateListening      State = "listening"
	StateStreaming      State = "streaming_response"
	StateSpeaking       State = "speaking"
	StateOrderComplete  State = "order_complete"
	StateModifyingOrder State = "modifying_order"
)

// CaptureEvents is how a capture session reports back. OnInterim may fire any
// number of times; OnFinal at most once per session.
type CaptureEvents struct {
	OnInterim func(text string)
	OnFinal   func(text string)
	OnError   func(err error)
}

// Capture is one live microphone session.
type Capture interface {
	SendPCM16KLE(pcm []byte) error
	// Stop closes the session, flushing a pending transcript as the final.
	Stop()
	// Abort closes the session discarding everything.
	Abort()
}

// CaptureFactory dials a fresh capture session. The controller constructs one
// per listening window and never reuses it.
type CaptureFactory func(ev CaptureEvents) (Capture, error)

// Voice plays synthesized speech. Speak supersedes any in-flight playback and
// fires onDone exactly once on natural completion; Stop never fires it.
type Voice interface {
	Speak(ctx context.Context, text string, onDone func())
	Stop()
}

// ResponseStreamer produces the cashier's reply as an incremental text stream.
type ResponseStreamer interface {
	Stream(ctx context.Context, system string, history []order.ConversationTurn, onDelta func(delta string)) (string, error)
}

// OrderStore persists completed and revised orders.
type OrderStore interface {
	CreateOrder(ctx context.Context, r *order.OrderReceipt) (orderID string, orderNumber int, err error)
	UpdateOrder(ctx context.Context, orderID string, items []order.ReceiptItem, total float64) error
}

// UpdateKind tags events published to the session transport.
type UpdateKind string

const (
	UpdateState        UpdateKind = "state"
	UpdateInterim      UpdateKind = "interim"
	UpdatePartial      UpdateKind = "partial"
	UpdateTurn         UpdateKind = "turn"
	UpdateSpeechStart  UpdateKind = "speech_start"
	UpdateSpeechEnd    UpdateKind = "speech_end"
	UpdateOrderPlaced  UpdateKind = "order_placed"
	UpdateOrderRevised UpdateKind = "order_revised"
)

// Update is one event on the controller's outbound feed. The WS session relays
// these to the client as JSON.
type Update struct {
	Kind        UpdateKind `json:"kind"`
	State       State      `json:"state,omitempty"`
	Role        order.Role `json:"role,omitempty"`
	Text        string     `json:"text,omitempty"`
	OrderID     string     `json:"order_id,omitempty"`
	OrderNumber int        `json:"order_number,omitempty"`
	At          time.Time  `json:"at"`
}

// NopVoice is used when no synthesis engine is configured. Completion still
// fires so the turn machine advances without audio.
type NopVoice struct{}

func (NopVoice) Speak(_ context.Context, _ string, onDone func()) {
	if onDone != nil {
		go onDone()
	}
}

func (NopVoice) Stop() {}
