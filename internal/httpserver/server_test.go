package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/kiraec123-web/tarro-coffee-nyc/internal/cashier"
	"github.com/kiraec123-web/tarro-coffee-nyc/internal/config"
)

func testConfig() config.Config {
	return config.Config{
		Persona: config.Persona{
			SystemPrompt: "You are a cashier.",
			Greeting:     "Welcome to the shop!",
		},
		EarlyTriggerChars: 80,
		SilenceGuard:      time.Second,
	}
}

func TestHealthz(t *testing.T) {
	e := New(testConfig(), zerolog.Nop())
	srv := httptest.NewServer(e)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

// readTurns collects turn updates from the session socket until cond is
// satisfied or the deadline passes.
func readTurns(t *testing.T, conn *websocket.Conn, cond func(texts []string) bool) []string {
	t.Helper()
	var texts []string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (turns so far: %v)", err, texts)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var u cashier.Update
		if err := json.Unmarshal(data, &u); err != nil {
			t.Fatalf("bad update frame: %v", err)
		}
		if u.Kind == cashier.UpdateTurn {
			texts = append(texts, u.Text)
		}
		if cond(texts) {
			return texts
		}
	}
	t.Fatalf("condition not met, turns: %v", texts)
	return nil
}

func TestSession_GreetsAndFallsBackWithoutModel(t *testing.T) {
	e := New(testConfig(), zerolog.Nop())
	srv := httptest.NewServer(e)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	readTurns(t, conn, func(texts []string) bool {
		return len(texts) == 1 && texts[0] == "Welcome to the shop!"
	})

	// No model key is configured, so a typed turn surfaces the fallback line
	// instead of stalling the machine.
	msg := `{"type":"text","text":"one latte please"}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readTurns(t, conn, func(texts []string) bool {
		if len(texts) < 2 {
			return false
		}
		return strings.Contains(texts[len(texts)-1], "trouble")
	})
}
