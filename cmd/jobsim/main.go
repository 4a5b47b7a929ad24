// Package main provides an in-memory job backend simulator for testing the
// client. Jobs complete after a configurable number of polls; busy responses,
// paused queue states, and transient errors can be injected with flags.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dskow/jobclient-core/internal/protocol"
)

type job struct {
	id      string
	payload json.RawMessage
	polls   int
}

type simulator struct {
	mu   sync.Mutex
	jobs map[string]*job

	pollsToComplete int
	queueState      protocol.QueueState
	retryAfter      time.Duration
	errorRate       float64
	failRate        float64
}

func main() {
	addr := flag.String("addr", ":3100", "address to listen on")
	pollsToComplete := flag.Int("polls", 3, "busy responses before a job completes")
	queueState := flag.String("queue-state", "active", "queue state on busy responses (active, paused_rate_limit, paused_capacity, unknown)")
	retryAfter := flag.Duration("retry-after", 0, "retry_after_ms hint on busy responses (0 = no hint)")
	errorRate := flag.Float64("error-rate", 0, "probability of a 503 on any request")
	failRate := flag.Float64("fail-rate", 0, "probability a job resolves as failed instead of completed")
	flag.Parse()

	sim := &simulator{
		jobs:            make(map[string]*job),
		pollsToComplete: *pollsToComplete,
		queueState:      protocol.ParseQueueState(*queueState),
		retryAfter:      *retryAfter,
		errorRate:       *errorRate,
		failRate:        *failRate,
	}

	http.HandleFunc("/v1/jobs", sim.submit)
	http.HandleFunc("/v1/jobs/", sim.status)

	log.Printf("job simulator listening on %s (polls=%d queue_state=%s error_rate=%.2f)",
		*addr, *pollsToComplete, sim.queueState, *errorRate)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

func (s *simulator) submit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.injectError(w) {
		return
	}

	var req protocol.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("bad submit body: %v", err), http.StatusBadRequest)
		return
	}

	id := req.RequestID
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	// Resubmission with a known ID is idempotent: the existing job keeps
	// its poll count.
	if _, ok := s.jobs[id]; !ok {
		s.jobs[id] = &job{id: id, payload: req.Payload}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, protocol.SubmitResponse{RequestID: id})
	log.Printf("accepted job %s (%d payload bytes)", id, len(req.Payload))
}

func (s *simulator) status(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.injectError(w) {
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/v1/jobs/")

	// Capture the poll count and payload under the lock; concurrent polls
	// for the same ID would otherwise race on the counter.
	s.mu.Lock()
	j, ok := s.jobs[id]
	var polls int
	var payload json.RawMessage
	if ok {
		j.polls++
		polls = j.polls
		payload = j.payload
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "unknown request_id", http.StatusNotFound)
		return
	}

	if polls <= s.pollsToComplete {
		body, err := protocol.EncodeTryAgain(id, s.queueState, s.retryAfter, "")
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeRaw(w, http.StatusOK, body)
		return
	}

	if s.failRate > 0 && rand.Float64() < s.failRate {
		body, _ := protocol.EncodeFailed(id, "SIMULATED_FAILURE", "injected by -fail-rate")
		writeRaw(w, http.StatusOK, body)
		log.Printf("job %s failed (injected)", id)
		return
	}

	result, _ := json.Marshal(map[string]interface{}{
		"echo":         payload,
		"polls":        polls,
		"completed_at": time.Now().UTC().Format(time.RFC3339),
	})
	body, _ := protocol.EncodeCompleted(id, result)
	writeRaw(w, http.StatusOK, body)
	log.Printf("job %s completed after %d polls", id, polls)
}

// injectError writes a 503 with probability errorRate.
func (s *simulator) injectError(w http.ResponseWriter) bool {
	if s.errorRate > 0 && rand.Float64() < s.errorRate {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "injected transient error", http.StatusServiceUnavailable)
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body) //nolint:errcheck
}
