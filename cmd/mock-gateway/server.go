package main

import (
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

type config struct {
	Port              string  `envconfig:"PORT" default:"3001"`
	LogFormat         string  `envconfig:"LOG_FORMAT" default:"json"`
	Connected         bool    `envconfig:"MOCK_CONNECTED" default:"true"`
	PhoneNumber       string  `envconfig:"MOCK_PHONE" default:"6281200000000"`
	OutcomeMode       string  `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw       string  `envconfig:"MOCK_OUTCOMES" default:"ok"`
	SuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	FailureWeightsRaw string  `envconfig:"MOCK_FAILURE_WEIGHTS" default:"rejected:1"`
	DelayMs           int     `envconfig:"MOCK_DELAY_MS" default:"0"`
	TimeoutDelayMs    int     `envconfig:"MOCK_TIMEOUT_DELAY_MS" default:"35000"`

	Outcomes       []string
	FailureWeights []weightedOutcome
	Delay          time.Duration
	TimeoutDelay   time.Duration
}

func (c config) normalize() config {
	c.OutcomeMode = strings.ToLower(strings.TrimSpace(c.OutcomeMode))
	c.Outcomes = parseCSV(c.OutcomesRaw)
	c.FailureWeights = parseWeightedOutcomes(c.FailureWeightsRaw)
	if len(c.FailureWeights) == 0 {
		c.FailureWeights = []weightedOutcome{{Kind: "rejected", Weight: 1}}
	}
	c.Delay = time.Duration(c.DelayMs) * time.Millisecond
	c.TimeoutDelay = time.Duration(c.TimeoutDelayMs) * time.Millisecond
	return c
}

type weightedOutcome struct {
	Kind   string
	Weight float64
}

type sendBody struct {
	Destination     string `json:"destination"`
	Message         string `json:"message"`
	AttachmentImage []byte `json:"attachmentImage,omitempty"`
	AttachmentMIME  string `json:"attachmentMime,omitempty"`
}

type presenceBody struct {
	Destination string `json:"destination"`
	State       string `json:"state"`
}

type reply struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type statusReply struct {
	Connected      bool   `json:"connected"`
	PendingQRImage string `json:"pendingQrImage,omitempty"`
	PhoneNumber    string `json:"phoneNumber,omitempty"`
}

type server struct {
	cfg       config
	idx       uint64
	connected atomic.Bool
	sent      atomic.Int64

	rngMu sync.Mutex
	rng   *rand.Rand
}

func newServer(cfg config, rng *rand.Rand) *server {
	s := &server{cfg: cfg, rng: rng}
	s.connected.Store(cfg.Connected)
	return s
}

func (s *server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/send", s.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/presence", s.handlePresence).Methods(http.MethodPost)
	r.HandleFunc("/reconnect", s.handleReconnect).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.handleLogout).Methods(http.MethodPost)
	return r
}

func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if s.connected.Load() {
		writeJSON(w, http.StatusOK, statusReply{Connected: true, PhoneNumber: s.cfg.PhoneNumber})
		return
	}
	writeJSON(w, http.StatusOK, statusReply{PendingQRImage: "data:image/png;base64,bW9jay1xcg=="})
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, reply{Message: "invalid body"})
		return
	}
	if strings.TrimSpace(req.Destination) == "" || (strings.TrimSpace(req.Message) == "" && len(req.AttachmentImage) == 0) {
		writeJSON(w, http.StatusBadRequest, reply{Message: "destination and message are required"})
		return
	}
	if !s.connected.Load() {
		writeJSON(w, http.StatusServiceUnavailable, reply{Message: "WhatsApp not connected"})
		return
	}
	if !sleepCtx(r.Context(), s.cfg.Delay) {
		return
	}

	status, body := classifyOutcome(s.nextOutcome())
	if status == http.StatusGatewayTimeout {
		sleepCtx(r.Context(), s.cfg.TimeoutDelay)
	}
	if body.Success {
		s.sent.Add(1)
	}
	writeJSON(w, status, body)
}

func (s *server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Destination == "" {
		writeJSON(w, http.StatusBadRequest, reply{Message: "invalid body"})
		return
	}
	if !s.connected.Load() {
		writeJSON(w, http.StatusServiceUnavailable, reply{Message: "WhatsApp not connected"})
		return
	}
	writeJSON(w, http.StatusOK, reply{Success: true, Message: req.State})
}

func (s *server) handleReconnect(w http.ResponseWriter, _ *http.Request) {
	s.connected.Store(true)
	writeJSON(w, http.StatusOK, reply{Success: true, Message: "reconnecting"})
}

func (s *server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.connected.Store(false)
	writeJSON(w, http.StatusOK, reply{Success: true, Message: "logged out"})
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx%uint64(len(s.cfg.Outcomes)))]
	case "weighted":
		s.rngMu.Lock()
		ok := s.rng.Float64() <= s.cfg.SuccessRate
		r := s.rng.Float64()
		s.rngMu.Unlock()
		if ok {
			return "ok"
		}
		return pickWeighted(r, s.cfg.FailureWeights)
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

// classifyOutcome maps an outcome token to the gateway's reply. "rejected" is a 200 with
// success=false, the shape a real session returns for an unknown number.
func classifyOutcome(raw string) (int, reply) {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "", "ok", "success":
		return http.StatusOK, reply{Success: true, Message: "sent"}
	case "rejected":
		return http.StatusOK, reply{Message: "number is not on WhatsApp"}
	case "unavailable", "503":
		return http.StatusServiceUnavailable, reply{Message: "WhatsApp not connected"}
	case "bad_request", "400":
		return http.StatusBadRequest, reply{Message: "bad request"}
	case "timeout", "504":
		return http.StatusGatewayTimeout, reply{Message: "request timed out"}
	case "server_error", "500":
		return http.StatusInternalServerError, reply{Message: "send failed"}
	}
	return http.StatusInternalServerError, reply{Message: "mock error: " + raw}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}

func parseWeightedOutcomes(s string) []weightedOutcome {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []weightedOutcome
	for _, p := range strings.Split(s, ",") {
		kind, weight, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			continue
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(weight), 64)
		if err != nil || w <= 0 || strings.TrimSpace(kind) == "" {
			continue
		}
		out = append(out, weightedOutcome{Kind: strings.TrimSpace(kind), Weight: w})
	}
	return out
}

func pickWeighted(r float64, items []weightedOutcome) string {
	if len(items) == 0 {
		return "rejected"
	}
	var total float64
	for _, it := range items {
		total += it.Weight
	}
	target := r * total
	var cumulative float64
	for _, it := range items {
		cumulative += it.Weight
		if target <= cumulative {
			return it.Kind
		}
	}
	return items[len(items)-1].Kind
}
