package supervisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"
)

// StandbyResponse is the body served by the standby server's `GET /`
// while no child is READY (spec §4.1 Standby HTTP server).
type StandbyResponse struct {
	Status  string         `json:"status"`
	Metrics map[string]any `json:"metrics"`
}

// Standby binds the external port and answers liveness checks with
// {status:"restarting"} so a reconnecting client can distinguish "server
// restarting" from "tunnel dead". It must be stopped the instant a child
// becomes READY, before the child binds the same port.
type Standby struct {
	mu        sync.Mutex
	srv       *http.Server
	restarts  int
	startedAt time.Time
}

// NewStandby constructs a Standby; it does not start listening until
// Start is called with the address to bind.
func NewStandby() *Standby { return &Standby{startedAt: time.Now()} }

// Start binds addr and begins serving. Returns immediately; errors from
// ListenAndServe after a clean Stop are swallowed.
func (s *Standby) Start(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StandbyResponse{
			Status: "restarting",
			Metrics: map[string]any{
				"restartCount": s.restartCount(),
				"uptime":       time.Since(s.startedAt).Seconds(),
				"goVersion":    runtime.Version(),
				"os":           runtime.GOOS,
				"arch":         runtime.GOARCH,
			},
		})
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{Handler: mux}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return nil
}

func (s *Standby) restartCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// NoteRestart increments the restart counter surfaced in metrics.
func (s *Standby) NoteRestart() {
	s.mu.Lock()
	s.restarts++
	s.mu.Unlock()
}

// Stop shuts the standby server down; safe to call even if never started.
func (s *Standby) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
