// Package octoprinttest runs a simulated OctoPrint instance for tests.
package octoprinttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Server simulates one printer behind the OctoPrint REST API. A started job
// reports Printing for a number of job polls, then the bed cools a fixed
// step per printer poll.
type Server struct {
	*httptest.Server

	apiKey string

	mu         sync.Mutex
	files      []string
	selected   string
	state      string
	bedTemp    float64
	hotBed     float64
	ambient    float64
	coolStep   float64
	printPolls int
	remaining  int
	running    bool
	failNext   int
	failStatus int
	selects    []string
	starts     int
	cancels    int
	delays     map[string]time.Duration
}

// TB is the part of testing.TB the server uses. GinkgoT() satisfies it.
type TB interface {
	Helper()
	Cleanup(func())
}

func NewServer(t TB, apiKey string, files ...string) *Server {
	t.Helper()

	s := &Server{
		apiKey:     apiKey,
		files:      files,
		state:      "Operational",
		bedTemp:    22,
		hotBed:     60,
		ambient:    22,
		coolStep:   10,
		printPolls: 3,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)

	return s
}

// SetPrintPolls sets how many job polls a started job stays Printing.
func (s *Server) SetPrintPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.printPolls = n
}

// SetBed sets the bed temperature after a print and the cooling per poll.
func (s *Server) SetBed(hot, coolStep float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hotBed = hot
	s.coolStep = coolStep
}

// SetState pins the printer state; only a job started through the API
// advances on its own.
func (s *Server) SetState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// FailNext makes the next n requests answer with status.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
	s.failStatus = status
}

// SetDelay holds every request to path for d before answering, like a
// printer host that is slow to respond.
func (s *Server) SetDelay(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delays == nil {
		s.delays = make(map[string]time.Duration)
	}
	s.delays[path] = d
}

// Selects returns every file name selected so far, in order.
func (s *Server) Selects() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.selects...)
}

func (s *Server) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts
}

func (s *Server) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	delay := s.delays[r.URL.Path]
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Header.Get("X-Api-Key") != s.apiKey {
		http.Error(w, "Invalid API key", http.StatusForbidden)
		return
	}
	if s.failNext > 0 {
		s.failNext--
		http.Error(w, "simulated failure", s.failStatus)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/version":
		writeJSON(w, map[string]any{"api": "0.1", "server": "1.9.3", "text": "OctoPrint 1.9.3"})

	case r.Method == http.MethodGet && r.URL.Path == "/api/files/local":
		files := make([]map[string]any, 0, len(s.files))
		for _, f := range s.files {
			files = append(files, map[string]any{"name": f, "path": f, "origin": "local", "size": 1024})
		}
		writeJSON(w, map[string]any{"files": files, "free": 1 << 30})

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/api/files/local/"):
		s.handleSelect(w, r, strings.TrimPrefix(r.URL.Path, "/api/files/local/"))

	case r.Method == http.MethodPost && r.URL.Path == "/api/job":
		s.handleJobCommand(w, r)

	case r.Method == http.MethodGet && r.URL.Path == "/api/job":
		s.advancePrint()
		writeJSON(w, map[string]any{
			"job":      map[string]any{"file": map[string]any{"name": nullable(s.selected)}},
			"progress": map[string]any{"completion": nil},
			"state":    s.state,
		})

	case r.Method == http.MethodGet && r.URL.Path == "/api/printer":
		if s.state != "Printing" && s.bedTemp > s.ambient {
			s.bedTemp -= s.coolStep
			if s.bedTemp < s.ambient {
				s.bedTemp = s.ambient
			}
		}
		writeJSON(w, map[string]any{
			"temperature": map[string]any{
				"bed":   map[string]any{"actual": s.bedTemp, "target": 0},
				"tool0": map[string]any{"actual": 25.0, "target": 0},
			},
			"state": map[string]any{
				"text":  s.state,
				"flags": map[string]any{"printing": s.state == "Printing", "operational": true},
			},
		})

	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, name string) {
	var body struct {
		Command string `json:"command"`
		Print   bool   `json:"print"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Command != "select" {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	found := false
	for _, f := range s.files {
		if f == name {
			found = true
		}
	}
	if !found {
		http.NotFound(w, r)
		return
	}
	if s.state == "Printing" {
		http.Error(w, "Printer is busy", http.StatusConflict)
		return
	}

	s.selected = name
	s.selects = append(s.selects, name)
	if body.Print {
		s.startLocked()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJobCommand(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Command string `json:"command"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch body.Command {
	case "start":
		if s.selected == "" || s.state != "Operational" {
			http.Error(w, "Printer is not operational or no file selected", http.StatusConflict)
			return
		}
		s.startLocked()
	case "cancel":
		if s.state != "Printing" {
			http.Error(w, "No job running", http.StatusConflict)
			return
		}
		s.state = "Operational"
		s.running = false
		s.cancels++
	default:
		http.Error(w, "unknown command", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) startLocked() {
	s.state = "Printing"
	s.remaining = s.printPolls
	s.running = true
	s.starts++
}

func (s *Server) advancePrint() {
	if !s.running {
		return
	}
	if s.remaining <= 0 {
		s.state = "Operational"
		s.running = false
		s.bedTemp = s.hotBed
		return
	}
	s.remaining--
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
