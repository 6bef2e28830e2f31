package sink

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocketSinkBroadcasts(t *testing.T) {
	s := NewWebSocketSink(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return s.Clients() == 1 })

	data := []byte("+PONG\r\n")
	if err := s.PartialData(testConn, true, data, 0, len(data), true, false); err != nil {
		t.Fatalf("PartialData: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var ev CaptureEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Conn != testConn.String() || ev.Direction != "recv" || ev.Length != len(data) {
		t.Errorf("event = %+v", ev)
	}
	if ev.Protocol != "redis" {
		t.Errorf("Protocol = %q, want redis", ev.Protocol)
	}
	if ev.Text != "+PONG\r\n" {
		t.Errorf("Text = %q", ev.Text)
	}
}

func TestWebSocketSinkDisconnectsOnShutdown(t *testing.T) {
	s := NewWebSocketSink(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(s)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitFor(t, func() bool { return s.Clients() == 1 })

	cancel()
	<-done

	if n := s.Clients(); n != 0 {
		t.Errorf("Clients() = %d after shutdown, want 0", n)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed by the server")
	}
}
