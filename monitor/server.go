// Package monitor serves the training history while a run is in progress.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Andrey-Tkachev/DrQA/params"
	"github.com/Andrey-Tkachev/DrQA/stats"
	"github.com/Andrey-Tkachev/DrQA/utils"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// writeWait bounds each websocket write.
const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type Server struct {
	history *stats.History
	config  params.TrainingConfig

	writeWait time.Duration

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

// New wires a server to history; every epoch added afterwards is pushed to
// the connected websockets.
func New(history *stats.History, config params.TrainingConfig) *Server {
	s := &Server{history: history, config: config, writeWait: writeWait, conns: map[*websocket.Conn]bool{}}
	history.Subscribe(s.broadcast)
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/", http.RedirectHandler("/plot.svg", http.StatusFound))
	r.HandleFunc("/stats", s.statsHandler).Methods("GET")
	r.HandleFunc("/plot.svg", s.plotHandler).Methods("GET")
	r.HandleFunc("/config", s.configHandler).Methods("GET")
	r.HandleFunc("/ws", s.wsHandler)
	return r
}

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	utils.Infof("[monitor at http://%s]", addr)
	return http.ListenAndServe(addr, s.Router())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.history.Epochs())
}

func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.config)
}

func (s *Server) plotHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	if err := s.history.WritePlot(w, 800, 500); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) wsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		utils.Warnf("monitor: websocket upgrade: %v", err)
		return
	}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()
	// drain client frames so close messages are noticed
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) broadcast(e stats.Epoch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.SetWriteDeadline(time.Now().Add(s.writeWait))
		if err := conn.WriteJSON(e); err != nil {
			utils.Warnf("monitor: websocket write: %v", err)
			delete(s.conns, conn)
			conn.Close()
		}
	}
}
