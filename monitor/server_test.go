package monitor

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/stats"
	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T) (*Server, *stats.History, *httptest.Server) {
	t.Helper()
	h := &stats.History{}
	s := New(h, params.Default())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, h, srv
}

func get(t *testing.T, url string) (string, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: %s", url, resp.Status)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b), resp.Header.Get("Content-Type")
}

func TestEndpoints(t *testing.T) {
	_, h, srv := newTestServer(t)
	h.Add(stats.Epoch{Epoch: 1, Updates: 4, Loss: 0.69, Accuracy: 0.62})

	body, ct := get(t, srv.URL+"/stats")
	var epochs []stats.Epoch
	if err := json.Unmarshal([]byte(body), &epochs); err != nil {
		t.Fatal(err)
	}
	if ct != "application/json" || len(epochs) != 1 || epochs[0].Accuracy != 0.62 {
		t.Fatalf("stats = %s (%s)", body, ct)
	}

	body, _ = get(t, srv.URL+"/config")
	var cfg params.TrainingConfig
	if err := json.Unmarshal([]byte(body), &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.RNNType != "lstm" {
		t.Fatalf("config = %+v", cfg)
	}

	body, ct = get(t, srv.URL+"/plot.svg")
	if ct != "image/svg+xml" || !strings.Contains(body, "<svg") {
		t.Fatalf("plot content type %q", ct)
	}
}

func dial(t *testing.T, s *Server, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 1 {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatal("websocket never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebsocketReceivesEpochs(t *testing.T) {
	s, h, srv := newTestServer(t)
	conn := dial(t, s, srv)

	h.Add(stats.Epoch{Epoch: 7, Accuracy: 0.7})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e stats.Epoch
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatal(err)
	}
	if e.Epoch != 7 || e.Accuracy != 0.7 {
		t.Fatalf("got %+v", e)
	}
}

func TestBroadcastDropsClientPastWriteDeadline(t *testing.T) {
	s, h, srv := newTestServer(t)
	dial(t, s, srv)
	s.writeWait = -time.Second

	done := make(chan struct{})
	go func() {
		h.Add(stats.Epoch{Epoch: 1})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a client")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) != 0 {
		t.Fatalf("%d clients still registered", len(s.conns))
	}
}
