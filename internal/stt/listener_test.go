package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// newRecognizerServer plays back the given JSON messages to any client that
// connects, then keeps the socket open until the client goes away.
func newRecognizerServer(t *testing.T, messages []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range messages {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestListener_InterimThenOneFinal(t *testing.T) {
	srv := newRecognizerServer(t, []string{
		`{"type":"Begin","id":"s1"}`,
		`{"type":"Turn","transcript":"a medium","end_of_turn":false}`,
		`{"type":"Turn","transcript":"a medium latte","end_of_turn":true,"turn_is_formatted":true}`,
		`{"type":"Turn","transcript":"a medium latte","end_of_turn":true,"turn_is_formatted":true}`,
	})
	defer srv.Close()

	var interims, finals int32
	var finalText atomic.Value
	l := NewListener("key", Events{
		OnInterim: func(string) { atomic.AddInt32(&interims, 1) },
		OnFinal: func(text string) {
			atomic.AddInt32(&finals, 1)
			finalText.Store(text)
		},
	}, zerolog.Nop()).WithEndpoint(wsURL(srv))

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Abort()

	waitFor(t, func() bool { return atomic.LoadInt32(&finals) == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := atomic.LoadInt32(&finals); got != 1 {
		t.Fatalf("expected exactly one final, got %d", got)
	}
	if atomic.LoadInt32(&interims) == 0 {
		t.Fatalf("expected at least one interim")
	}
	if finalText.Load().(string) != "a medium latte" {
		t.Fatalf("final text: got %q", finalText.Load())
	}
}

func TestListener_StopFlushesPendingFinal(t *testing.T) {
	srv := newRecognizerServer(t, []string{
		`{"type":"Turn","transcript":"an iced oat","end_of_turn":false}`,
	})
	defer srv.Close()

	var finals int32
	var finalText atomic.Value
	l := NewListener("key", Events{
		OnFinal: func(text string) {
			atomic.AddInt32(&finals, 1)
			finalText.Store(text)
		},
	}, zerolog.Nop()).WithEndpoint(wsURL(srv))

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.latest != ""
	})
	l.Stop()
	if got := atomic.LoadInt32(&finals); got != 1 {
		t.Fatalf("expected flushed final, got %d", got)
	}
	if finalText.Load().(string) != "an iced oat" {
		t.Fatalf("flushed text: got %q", finalText.Load())
	}
}

func TestListener_AbortEmitsNothing(t *testing.T) {
	srv := newRecognizerServer(t, []string{
		`{"type":"Turn","transcript":"never mind","end_of_turn":false}`,
	})
	defer srv.Close()

	var finals, errs int32
	l := NewListener("key", Events{
		OnFinal: func(string) { atomic.AddInt32(&finals, 1) },
		OnError: func(error) { atomic.AddInt32(&errs, 1) },
	}, zerolog.Nop()).WithEndpoint(wsURL(srv))

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.latest != ""
	})
	l.Abort()
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&finals) != 0 {
		t.Fatalf("abort must not emit a final")
	}
	if atomic.LoadInt32(&errs) != 0 {
		t.Fatalf("abort must not surface the read teardown as an error")
	}
}

func TestListener_ServiceError(t *testing.T) {
	srv := newRecognizerServer(t, []string{
		`{"type":"Error","error":"quota exceeded"}`,
	})
	defer srv.Close()

	var errs int32
	l := NewListener("key", Events{
		OnError: func(error) { atomic.AddInt32(&errs, 1) },
	}, zerolog.Nop()).WithEndpoint(wsURL(srv))

	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Abort()
	waitFor(t, func() bool { return atomic.LoadInt32(&errs) >= 1 })
}

func TestListener_NoKey(t *testing.T) {
	l := NewListener("", Events{}, zerolog.Nop())
	if err := l.Start(context.Background()); err == nil {
		t.Fatalf("expected error with missing key")
	}
}
