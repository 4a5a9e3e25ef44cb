package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nullspace-games/casino-gateway/internal/admission"
	"github.com/nullspace-games/casino-gateway/internal/gwerrors"
)

func TestHandshakeRefusedWritesProblemJSON(t *testing.T) {
	srv := New(Config{
		Origins: admission.NewOriginPolicy([]string{"https://play.example.com"}, false),
	}, Callbacks{}, zap.NewNop())
	hs := httptest.NewServer(http.HandlerFunc(srv.Handle))
	defer hs.Close()

	req, _ := http.NewRequest(http.MethodGet, hs.URL, nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/problem+json" {
		t.Fatalf("content type = %q", ct)
	}
	var p gwerrors.Problem
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if p.Code != gwerrors.CodeOriginNotAllowed || p.Status != http.StatusForbidden {
		t.Fatalf("problem = %+v", p)
	}
}

// ── Live socket lifecycle ───────────────────────────────────────────────────

type recorder struct {
	connected chan string
	messages  chan []byte
	closed    chan string
}

func newRecorder() *recorder {
	return &recorder{
		connected: make(chan string, 4),
		messages:  make(chan []byte, 16),
		closed:    make(chan string, 4),
	}
}

func (r *recorder) callbacks(hello []byte) Callbacks {
	return Callbacks{
		OnConnect: func(c *Client) error {
			if hello != nil {
				if err := c.Enqueue(hello); err != nil {
					return err
				}
			}
			r.connected <- c.ID()
			return nil
		},
		OnMessage: func(c *Client, data []byte) { r.messages <- append([]byte(nil), data...) },
		OnClose:   func(c *Client) { r.closed <- c.ID() },
	}
}

func dialTest(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.Handle))
	t.Cleanup(hs.Close)
	url := "ws" + strings.TrimPrefix(hs.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recv(t *testing.T, ch chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func TestSocketLifecycle(t *testing.T) {
	rec := newRecorder()
	srv := New(Config{}, rec.callbacks([]byte(`{"type":"hello"}`)), zap.NewNop())
	conn := dialTest(t, srv)

	id := recv(t, rec.connected, "connect callback")
	if id == "" {
		t.Fatal("empty socket id")
	}
	if srv.Clients() != 1 {
		t.Fatalf("clients = %d, want 1", srv.Clients())
	}

	// The hello enqueued during OnConnect arrives first.
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read hello: %v", err)
	}
	if string(frame) != `{"type":"hello"}` {
		t.Fatalf("hello = %s", frame)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case msg := <-rec.messages:
		if string(msg) != `{"type":"ping"}` {
			t.Fatalf("message = %s", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never dispatched")
	}

	conn.Close()
	if got := recv(t, rec.closed, "close callback"); got != id {
		t.Fatalf("closed socket = %q, want %q", got, id)
	}
	deadline := time.After(2 * time.Second)
	for srv.Clients() != 0 {
		select {
		case <-deadline:
			t.Fatalf("clients = %d after close", srv.Clients())
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestSendToAndCloseSocket(t *testing.T) {
	rec := newRecorder()
	srv := New(Config{}, rec.callbacks(nil), zap.NewNop())
	conn := dialTest(t, srv)
	id := recv(t, rec.connected, "connect callback")

	if !srv.SendTo(id, []byte(`{"type":"balance"}`)) {
		t.Fatal("SendTo refused a live socket")
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(frame) != `{"type":"balance"}` {
		t.Fatalf("frame = %s", frame)
	}

	if !srv.CloseSocket(id, websocket.CloseGoingAway, "session expired") {
		t.Fatal("CloseSocket missed a live socket")
	}
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
		t.Fatalf("read after close = %v, want close 1001", err)
	}
	recv(t, rec.closed, "close callback")

	if srv.SendTo(id, []byte("late")) {
		t.Fatal("SendTo succeeded on a closed socket")
	}
	if srv.CloseSocket(id, websocket.CloseNormalClosure, "") {
		t.Fatal("CloseSocket reported an already-removed socket")
	}
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	rec := newRecorder()
	srv := New(Config{}, rec.callbacks(nil), zap.NewNop())
	conn := dialTest(t, srv)
	id := recv(t, rec.connected, "connect callback")

	// Queue several frames and close before the client has read any of them.
	// Every queued frame must still arrive, in order, ahead of the close.
	for i := 0; i < 5; i++ {
		if !srv.SendTo(id, []byte(fmt.Sprintf(`{"n":%d}`, i))) {
			t.Fatalf("SendTo %d refused", i)
		}
	}
	srv.CloseSocket(id, websocket.CloseGoingAway, "session expired")

	var frames int
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway {
				t.Fatalf("terminal read = %v, want close 1001", err)
			}
			break
		}
		if want := fmt.Sprintf(`{"n":%d}`, frames); string(data) != want {
			t.Fatalf("frame %d = %s, want %s", frames, data, want)
		}
		frames++
	}
	if frames != 5 {
		t.Fatalf("client received %d frames before close, want 5", frames)
	}
}

func TestBinaryFramesRefused(t *testing.T) {
	rec := newRecorder()
	srv := New(Config{}, rec.callbacks(nil), zap.NewNop())
	conn := dialTest(t, srv)
	recv(t, rec.connected, "connect callback")

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseUnsupportedData {
		t.Fatalf("read = %v, want close 1003", err)
	}
	recv(t, rec.closed, "close callback")
}

func TestCloseAll(t *testing.T) {
	rec := newRecorder()
	srv := New(Config{}, rec.callbacks(nil), zap.NewNop())
	c1 := dialTest(t, srv)
	recv(t, rec.connected, "first connect")
	c2 := dialTest(t, srv)
	recv(t, rec.connected, "second connect")

	srv.CloseAll(websocket.CloseServiceRestart, "service restarting")
	for _, conn := range []*websocket.Conn{c1, c2} {
		_, _, err := conn.ReadMessage()
		var ce *websocket.CloseError
		if !errors.As(err, &ce) || ce.Code != websocket.CloseServiceRestart {
			t.Fatalf("read = %v, want close 1012", err)
		}
	}
	recv(t, rec.closed, "first close")
	recv(t, rec.closed, "second close")
}
