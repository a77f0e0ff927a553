package cashier

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/order"
)

const fallbackLine = "Sorry, I'm having trouble right now. Could you say that again?"
const modifyPrompt = "Of course, what would you like to change?"

// Config tunes one cashier session.
type Config struct {
	SystemPrompt string
	Greeting     string
	// EarlyTriggerChars is the receipt-stripped length at which speech starts
	// before the stream is finished.
	EarlyTriggerChars int
	// SilenceGuard bounds how long the microphone stays open without a final
	// transcript.
	SilenceGuard time.Duration
}

// Deps are the collaborators one controller drives.
type Deps struct {
	Capture CaptureFactory
	Voice   Voice
	Model   ResponseStreamer
	Orders  OrderStore
}

// Controller is the turn orchestrator for one cashier session. A single event
// loop goroutine owns all mutable state; adapter callbacks and timers post
// closures into the loop, each tagged with the epoch of the turn that armed
// them, so completions from a superseded turn are dropped rather than applied.
type Controller struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	ops     chan func()
	updates chan Update
	done    chan struct{}
	once    sync.Once

	// liveCapture is the only state touched off-loop: audio frames arrive at
	// packet rate and are forwarded without a loop round trip.
	captureMu   sync.Mutex
	liveCapture Capture

	// Everything below is owned by the event loop.
	state        State
	history      []order.ConversationTurn
	voiceEnabled bool
	muted        bool
	epoch        int
	gen          int
	silence      *time.Timer
	streamCancel context.CancelFunc
	streamOpen   bool
	partial      strings.Builder
	spoke        bool
	deferred     bool
	modifying    bool
	orderID      string
	orderNumber  int
}

// New builds a controller. Voice may be nil (no audio engine configured) and
// Orders may be nil (orders will not persist).
func New(cfg Config, deps Deps, log zerolog.Logger) *Controller {
	if deps.Voice == nil {
		deps.Voice = NopVoice{}
	}
	if cfg.EarlyTriggerChars <= 0 {
		cfg.EarlyTriggerChars = 80
	}
	if cfg.SilenceGuard <= 0 {
		cfg.SilenceGuard = 12 * time.Second
	}
	return &Controller{
		cfg:          cfg,
		deps:         deps,
		log:          log.With().Str("component", "cashier").Logger(),
		ops:          make(chan func(), 128),
		updates:      make(chan Update, 256),
		done:         make(chan struct{}),
		state:        StateIdle,
		voiceEnabled: true,
	}
}

// Start runs the event loop and greets the customer.
func (c *Controller) Start() {
	go c.run()
	c.post(c.greet)
}

// Close tears the session down: everything in flight is cancelled and the
// updates channel is closed once the loop drains.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.done) })
}

// Updates is the controller's outbound event feed.
func (c *Controller) Updates() <-chan Update { return c.updates }

func (c *Controller) run() {
	for {
		select {
		case <-c.done:
			c.cancelTurn()
			close(c.updates)
			return
		case fn := <-c.ops:
			fn()
		}
	}
}

// post hands a closure to the event loop. Falls back to a goroutine when the
// buffer is full so a callback running on the loop itself can never deadlock.
func (c *Controller) post(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	default:
		go func() {
			select {
			case c.ops <- fn:
			case <-c.done:
			}
		}()
	}
}

func (c *Controller) publish(u Update) {
	u.At = time.Now()
	select {
	case c.updates <- u:
	default:
		c.log.Warn().Str("kind", string(u.Kind)).Msg("update feed full, dropping event")
	}
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.publish(Update{Kind: UpdateState, State: s})
}

// ---- external inputs (safe from any goroutine) ----

// SubmitText handles a typed customer message.
func (c *Controller) SubmitText(text string) {
	c.post(func() {
		text := strings.TrimSpace(text)
		if text == "" {
			return
		}
		if c.state == StateOrderComplete {
			c.log.Debug().Msg("text ignored while order complete")
			return
		}
		c.beginTurn(text)
	})
}

// StartListening opens the microphone on the customer's request.
func (c *Controller) StartListening() {
	c.post(func() { c.beginListening() })
}

// StopListening closes the microphone, flushing any pending transcript as the
// session's final.
func (c *Controller) StopListening() {
	c.post(func() { c.stopListening() })
}

// FeedAudio forwards microphone PCM to the live capture session, if any.
func (c *Controller) FeedAudio(pcm []byte) {
	c.captureMu.Lock()
	sess := c.liveCapture
	c.captureMu.Unlock()
	if sess != nil {
		_ = sess.SendPCM16KLE(pcm)
	}
}

// SetMuted mutes or unmutes audio output. Muting stops current playback and
// cancels any deferred microphone reactivation.
func (c *Controller) SetMuted(muted bool) {
	c.post(func() {
		c.muted = muted
		if !muted {
			return
		}
		c.deferred = false
		c.deps.Voice.Stop()
		if c.state == StateSpeaking {
			c.setState(StateIdle)
		}
	})
}

// SetVoiceEnabled switches between voice and text-only conversation.
func (c *Controller) SetVoiceEnabled(enabled bool) {
	c.post(func() {
		c.voiceEnabled = enabled
		if enabled {
			return
		}
		c.deferred = false
		c.deps.Voice.Stop()
		if c.state == StateListening {
			c.abortCapture()
			c.stopSilenceGuard()
			c.setState(StateIdle)
		} else if c.state == StateSpeaking {
			c.setState(StateIdle)
		}
	})
}

// NewOrder resets the conversation and greets again.
func (c *Controller) NewOrder() {
	c.post(func() {
		c.cancelTurn()
		c.epoch++
		c.gen++
		c.history = nil
		c.orderID = ""
		c.orderNumber = 0
		c.modifying = false
		c.setState(StateIdle)
		c.greet()
	})
}

// ModifyOrder re-arms the conversation to revise the order just placed. The
// next receipt must be an update against the known order id.
func (c *Controller) ModifyOrder() {
	c.post(func() {
		if c.state != StateOrderComplete {
			c.log.Debug().Str("state", string(c.state)).Msg("modify ignored outside order complete")
			return
		}
		if c.orderID == "" {
			c.log.Warn().Msg("modify requested but no order id is available")
			return
		}
		c.modifying = true
		c.appendTurn(order.ConversationTurn{
			Role:        order.RoleCashier,
			DisplayText: modifyPrompt,
			RawText:     modifyPrompt,
			CreatedAt:   time.Now(),
		})
		c.setState(StateModifyingOrder)
		if c.voiceEnabled && !c.muted {
			c.speak(modifyPrompt)
		}
	})
}

// State reports the current machine state (loop round trip, so it reflects all
// events posted before the call).
func (c *Controller) State() State {
	ch := make(chan State, 1)
	c.post(func() { ch <- c.state })
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return StateIdle
	}
}

// History returns a copy of the resolved conversation turns.
func (c *Controller) History() []order.ConversationTurn {
	ch := make(chan []order.ConversationTurn, 1)
	c.post(func() {
		out := make([]order.ConversationTurn, len(c.history))
		copy(out, c.history)
		ch <- out
	})
	select {
	case h := <-ch:
		return h
	case <-c.done:
		return nil
	}
}

// ---- loop internals ----

func (c *Controller) greet() {
	if c.cfg.Greeting == "" {
		return
	}
	// The greeting is synthetic: shown and spoken, but dropped from the
	// model-visible history by the streaming client.
	c.appendTurn(order.ConversationTurn{
		Role:        order.RoleCashier,
		DisplayText: c.cfg.Greeting,
		RawText:     c.cfg.Greeting,
		CreatedAt:   time.Now(),
	})
	if c.voiceEnabled && !c.muted {
		c.setState(StateSpeaking)
		c.speak(c.cfg.Greeting)
	}
}

func (c *Controller) appendTurn(t order.ConversationTurn) {
	c.history = append(c.history, t)
	c.publish(Update{Kind: UpdateTurn, Role: t.Role, Text: t.DisplayText, OrderID: t.OrderID})
}

// cancelTurn tears down everything belonging to the current turn: playback,
// the in-flight stream, the silence guard, the capture session and any
// deferred reactivation. Stale completions are then dropped by the epoch gate.
func (c *Controller) cancelTurn() {
	c.deps.Voice.Stop()
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}
	c.streamOpen = false
	c.stopSilenceGuard()
	c.abortCapture()
	c.deferred = false
}

func (c *Controller) abortCapture() {
	c.captureMu.Lock()
	sess := c.liveCapture
	c.liveCapture = nil
	c.captureMu.Unlock()
	if sess != nil {
		sess.Abort()
	}
}

func (c *Controller) stopSilenceGuard() {
	if c.silence != nil {
		c.silence.Stop()
		c.silence = nil
	}
}

func (c *Controller) beginListening() {
	if c.state == StateOrderComplete {
		c.log.Debug().Msg("listening ignored while order complete")
		return
	}
	if c.deps.Capture == nil {
		c.log.Warn().Msg("no capture engine configured")
		return
	}
	c.cancelTurn()
	c.epoch++
	e := c.epoch

	sess, err := c.deps.Capture(CaptureEvents{
		OnInterim: func(text string) {
			c.post(func() { c.onInterim(e, text) })
		},
		OnFinal: func(text string) {
			c.post(func() { c.onFinalTranscript(e, text) })
		},
		OnError: func(err error) {
			c.post(func() { c.onCaptureError(e, err) })
		},
	})
	if err != nil {
		c.log.Error().Err(err).Msg("open capture session")
		c.setState(StateIdle)
		return
	}
	c.captureMu.Lock()
	c.liveCapture = sess
	c.captureMu.Unlock()

	c.silence = time.AfterFunc(c.cfg.SilenceGuard, func() {
		c.post(func() { c.onSilenceGuard(e) })
	})
	c.setState(StateListening)
}

// stopListening behaves the same whether the user tapped stop or the silence
// guard fired: the capture session is closed and a pending transcript, if any,
// is flushed as the final and starts the next turn.
func (c *Controller) stopListening() {
	if c.state != StateListening {
		return
	}
	c.stopSilenceGuard()
	c.captureMu.Lock()
	sess := c.liveCapture
	c.liveCapture = nil
	c.captureMu.Unlock()
	c.setState(StateIdle)
	if sess != nil {
		sess.Stop()
	}
}

func (c *Controller) onSilenceGuard(e int) {
	if e != c.epoch || c.state != StateListening {
		return
	}
	c.log.Debug().Msg("silence guard expired, closing microphone")
	c.stopListening()
}

func (c *Controller) onInterim(e int, text string) {
	if e != c.epoch || c.state != StateListening {
		return
	}
	c.publish(Update{Kind: UpdateInterim, Text: text})
}

func (c *Controller) onFinalTranscript(e int, text string) {
	if e != c.epoch {
		return
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.beginTurn(text)
}

func (c *Controller) onCaptureError(e int, err error) {
	if e != c.epoch {
		return
	}
	c.log.Error().Err(err).Msg("capture session failed")
	if c.state == StateListening {
		c.stopSilenceGuard()
		c.abortCapture()
		c.setState(StateIdle)
	}
}

// beginTurn finalizes the customer's input and opens the model stream.
// Starting turn n+1 first cancels turn n's playback, stream and timers, so no
// stale effect can land after the new turn's first event.
func (c *Controller) beginTurn(text string) {
	c.cancelTurn()
	c.epoch++
	e := c.epoch

	c.appendTurn(order.ConversationTurn{
		Role:        order.RoleCustomer,
		DisplayText: text,
		RawText:     text,
		CreatedAt:   time.Now(),
	})

	c.partial.Reset()
	c.spoke = false
	c.streamOpen = true
	c.setState(StateStreaming)

	ctx, cancel := context.WithCancel(context.Background())
	c.streamCancel = cancel
	hist := make([]order.ConversationTurn, len(c.history))
	copy(hist, c.history)

	go func() {
		full, err := c.deps.Model.Stream(ctx, c.cfg.SystemPrompt, hist, func(delta string) {
			c.post(func() { c.onDelta(e, delta) })
		})
		c.post(func() { c.onStreamEnd(e, full, err) })
	}()
}

func (c *Controller) onDelta(e int, delta string) {
	if e != c.epoch {
		return
	}
	c.partial.WriteString(delta)
	stripped := order.StripReceiptBlock(c.partial.String())
	c.publish(Update{Kind: UpdatePartial, Text: stripped})

	// Early trigger: at most one speech start per turn, fired on the
	// receipt-stripped length so a half-open fence never reaches the speaker.
	if !c.spoke && c.voiceEnabled && !c.muted && len(stripped) >= c.cfg.EarlyTriggerChars {
		c.setState(StateSpeaking)
		c.speak(stripped)
	}
}

func (c *Controller) onStreamEnd(e int, full string, err error) {
	if e != c.epoch {
		return
	}
	c.streamOpen = false
	if c.streamCancel != nil {
		c.streamCancel()
		c.streamCancel = nil
	}

	if err != nil {
		c.log.Error().Err(err).Msg("response stream failed")
		c.deferred = false
		c.appendTurn(order.ConversationTurn{
			Role:        order.RoleCashier,
			DisplayText: fallbackLine,
			RawText:     fallbackLine,
			CreatedAt:   time.Now(),
		})
		c.setState(StateIdle)
		if !c.spoke && c.voiceEnabled && !c.muted {
			c.speak(fallbackLine)
		}
		return
	}

	display, receipt := order.ExtractReceipt(full)
	turn := order.ConversationTurn{
		Role:        order.RoleCashier,
		DisplayText: display,
		RawText:     full,
		Receipt:     receipt,
		CreatedAt:   time.Now(),
	}
	idx := len(c.history)
	c.appendTurn(turn)

	if receipt != nil {
		c.persist(idx, receipt)
		c.modifying = false
		c.deferred = false
		c.setState(StateOrderComplete)
		if !c.spoke && c.voiceEnabled && !c.muted && display != "" {
			c.speak(display)
		}
		return
	}

	if !c.spoke {
		if c.voiceEnabled && !c.muted && display != "" {
			c.setState(StateSpeaking)
			c.speak(display)
		} else {
			c.setState(StateIdle)
		}
		return
	}
	if c.deferred {
		// Playback finished while the stream was still open; the queued
		// reactivation is drained exactly once, now.
		c.deferred = false
		if c.canReactivate() {
			c.beginListening()
		} else {
			c.setState(StateIdle)
		}
	}
	// Otherwise playback is still running; onSpeechDone takes it from here.
}

// speak starts the turn's one playback session. Callers decide the machine
// state; completion is routed back through the loop with the turn's epoch.
func (c *Controller) speak(text string) {
	c.spoke = true
	e := c.epoch
	c.publish(Update{Kind: UpdateSpeechStart})
	c.deps.Voice.Speak(context.Background(), text, func() {
		c.post(func() { c.onSpeechDone(e) })
	})
}

func (c *Controller) onSpeechDone(e int) {
	if e != c.epoch {
		return
	}
	c.publish(Update{Kind: UpdateSpeechEnd})
	if c.streamOpen {
		// The model is slower than the early-triggered speech: record the
		// reactivation intent, execute it when the stream ends.
		c.deferred = true
		return
	}
	if c.state != StateSpeaking && c.state != StateModifyingOrder {
		return
	}
	if c.canReactivate() {
		c.beginListening()
	} else if c.state == StateSpeaking {
		c.setState(StateIdle)
	}
}

func (c *Controller) canReactivate() bool {
	return c.voiceEnabled && !c.muted && c.state != StateOrderComplete && c.deps.Capture != nil
}

// persist writes the receipt asynchronously. Failures are logged and the turn
// keeps its confirmation text with no order id attached.
func (c *Controller) persist(idx int, r *order.OrderReceipt) {
	if c.deps.Orders == nil {
		c.log.Warn().Msg("no order store configured, receipt not persisted")
		return
	}
	g := c.gen
	switch {
	case c.modifying && r.Kind == order.ReceiptUpdate && c.orderID != "":
		id := c.orderID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := c.deps.Orders.UpdateOrder(ctx, id, r.Items, r.TotalPrice)
			c.post(func() { c.onOrderRevised(g, id, err) })
		}()
	case !c.modifying && r.Kind == order.ReceiptComplete:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			id, number, err := c.deps.Orders.CreateOrder(ctx, r)
			c.post(func() { c.onOrderPlaced(g, idx, id, number, err) })
		}()
	default:
		c.log.Warn().Str("kind", string(r.Kind)).Bool("modifying", c.modifying).
			Msg("receipt kind does not match the conversation phase, not persisted")
	}
}

// onOrderPlaced lands whenever the round trip finishes, even if later turns
// have started, but never across a conversation reset.
func (c *Controller) onOrderPlaced(g, idx int, id string, number int, err error) {
	if g != c.gen {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("order create failed")
		return
	}
	c.orderID = id
	c.orderNumber = number
	if idx < len(c.history) && c.history[idx].Role == order.RoleCashier {
		c.history[idx].OrderID = id
	}
	c.publish(Update{Kind: UpdateOrderPlaced, OrderID: id, OrderNumber: number})
}

func (c *Controller) onOrderRevised(g int, id string, err error) {
	if g != c.gen {
		return
	}
	if err != nil {
		c.log.Error().Err(err).Msg("order update failed")
		return
	}
	c.publish(Update{Kind: UpdateOrderRevised, OrderID: id, OrderNumber: c.orderNumber})
}
