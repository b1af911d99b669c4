package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"
)

// Server is the HTTP face of the relay: a health endpoint and the
// websocket upgrade path. All switching happens in the Switchboard.
type Server struct {
	board *Switchboard
	mux   *http.ServeMux
}

func NewServer(token string) *Server {
	s := &Server{
		board: NewSwitchboard(token),
		mux:   http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", getOnly(s.handleHealth))
	s.mux.HandleFunc("/ws", getOnly(s.handleWS))
	return s
}

// getOnly emulates the Go 1.22+ "GET /path" ServeMux patterns, which the
// go 1.21 toolchain does not support: GET and HEAD are routed, anything
// else gets 405 with an Allow header, as the 1.22 mux would respond.
func getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run drives the heartbeat loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.board.Run(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	agent, clients := s.board.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"agent":   agent,
		"clients": clients,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("relay: websocket accept: %v", err)
		return
	}
	s.board.HandlePeer(r.Context(), conn, r.RemoteAddr)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
