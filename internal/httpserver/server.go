package httpserver

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/cashier"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/config"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/llm"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/store"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/stt"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/tts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Kiosk clients are served from other origins during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler owns the per-process dependencies and builds one controller per
// connected session.
type Handler struct {
	cfg    config.Config
	log    zerolog.Logger
	orders *store.Orders
}

// NewHandler wires the shared dependencies. A missing Supabase config leaves
// orders unpersisted; the session still works.
func NewHandler(cfg config.Config, log zerolog.Logger) *Handler {
	h := &Handler{cfg: cfg, log: log}
	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		orders, err := store.NewOrders(cfg.SupabaseURL, cfg.SupabaseServiceKey, log)
		if err != nil {
			log.Error().Err(err).Msg("supabase client init failed, orders will not persist")
		} else {
			h.orders = orders
		}
	}
	return h
}

// New creates the configured Echo server with all routes.
func New(cfg config.Config, log zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	h := NewHandler(cfg, log)
	e.GET("/healthz", h.Health)
	e.GET("/session", h.Session)
	return e
}

// Health reports liveness.
func (h *Handler) Health(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// Session upgrades to a WebSocket and runs one cashier conversation until the
// client disconnects.
func (h *Handler) Session(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	h.log.Info().Str("remote", c.RealIP()).Msg("session opened")
	s := newSession(conn, h)
	s.run()
	h.log.Info().Str("remote", c.RealIP()).Msg("session closed")
	return nil
}

func (h *Handler) captureFactory() cashier.CaptureFactory {
	if h.cfg.AssemblyAIKey == "" {
		return nil
	}
	return func(ev cashier.CaptureEvents) (cashier.Capture, error) {
		l := stt.NewListener(h.cfg.AssemblyAIKey, stt.Events{
			OnInterim: ev.OnInterim,
			OnFinal:   ev.OnFinal,
			OnError:   ev.OnError,
		}, h.log)
		if err := l.Start(context.Background()); err != nil {
			return nil, err
		}
		return l, nil
	}
}

func (h *Handler) newVoice(sink tts.AudioSink) cashier.Voice {
	var synth tts.Synthesizer
	switch h.cfg.TTSEngine {
	case "elevenlabs":
		if h.cfg.ElevenLabsKey != "" {
			synth = tts.NewElevenLabsSynthesizer(h.cfg.ElevenLabsKey, h.cfg.ElevenLabsVoiceID, h.log)
		}
	default:
		if h.cfg.DeepgramKey != "" {
			synth = tts.NewDeepgramSynthesizer(h.cfg.DeepgramKey, h.cfg.DeepgramModel, h.log)
		}
	}
	if synth == nil {
		return cashier.NopVoice{}
	}
	return tts.NewSpeaker(synth, sink, h.cfg.SpeechTail, h.log)
}

func (h *Handler) newModel() cashier.ResponseStreamer {
	return llm.NewClient(h.cfg.OpenAIKey, h.cfg.OpenAIBaseURL, h.cfg.ModelID)
}
