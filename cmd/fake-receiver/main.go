package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/austindbirch/guildhook/internal/config"
	"github.com/austindbirch/guildhook/internal/logging"
	"github.com/austindbirch/guildhook/internal/signer"
	"github.com/austindbirch/guildhook/internal/worker"
)

var logger = logging.New("fake-receiver")

// receiver is a test webhook target. It verifies signatures, fails the
// first N requests with a configurable status and counts redeliveries of
// the same event id.
type receiver struct {
	cfg   config.FakeReceiver
	sleep func(time.Duration)
	now   func() time.Time

	mu       sync.Mutex
	requests int
	seen     map[string]int // event id -> deliveries
}

func newReceiver(cfg config.FakeReceiver) *receiver {
	if cfg.FailStatus == 0 {
		cfg.FailStatus = http.StatusInternalServerError
	}
	return &receiver{cfg: cfg, sleep: time.Sleep, now: time.Now, seen: make(map[string]int)}
}

func (rc *receiver) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", rc.handleHook)
	mux.HandleFunc("/stats", rc.handleStats)
	return mux
}

func (rc *receiver) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	b, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	defer r.Body.Close()
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	if rc.cfg.EndpointSecret != "" {
		leeway := time.Duration(rc.cfg.SigningLeewaySeconds) * time.Second
		if err := signer.Verify(r.Header.Get(worker.HeaderSignature), b, rc.cfg.EndpointSecret, rc.now(), leeway); err != nil {
			logger.Plain().WithError(err).Warn("signature verification failed")
			http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	eventID := r.Header.Get(worker.HeaderID)
	rc.mu.Lock()
	rc.requests++
	n := rc.requests
	rc.seen[eventID]++
	deliveries := rc.seen[eventID]
	rc.mu.Unlock()

	if rc.cfg.ResponseDelayMS > 0 {
		rc.sleep(time.Duration(rc.cfg.ResponseDelayMS) * time.Millisecond)
	}

	entry := logger.Plain().WithEvent(eventID).WithFields(map[string]any{
		"event_type": r.Header.Get(worker.HeaderEvent),
		"attempt":    r.Header.Get(worker.HeaderAttempt),
		"sequence":   r.Header.Get(worker.HeaderSequence),
		"deliveries": deliveries,
		"body":       truncate(string(b), 160),
	})

	// Simulate flakiness: first N requests fail
	if n <= rc.cfg.FailFirstN {
		entry.WithField("status", rc.cfg.FailStatus).Infof("FAILING (%d/%d)", n, rc.cfg.FailFirstN)
		if rc.cfg.FailStatus == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, "temporary failure", rc.cfg.FailStatus)
		return
	}

	entry.Info("fake-receiver OK")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

type stats struct {
	Requests     int `json:"requests"`
	UniqueEvents int `json:"unique_events"`
	Redelivered  int `json:"redelivered"`
}

func (rc *receiver) handleStats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	st := stats{Requests: rc.requests, UniqueEvents: len(rc.seen)}
	for _, n := range rc.seen {
		if n > 1 {
			st.Redelivered++
		}
	}
	rc.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(st)
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}

func main() {
	failFirst := flag.Int("fail-first", -1, "override FAIL_FIRST_N")
	flag.Parse()

	cfg := config.FromEnv().FakeReceiver
	if *failFirst >= 0 {
		cfg.FailFirstN = *failFirst
	}
	rc := newReceiver(cfg)

	srv := &http.Server{
		Addr:         cfg.Port,
		Handler:      rc.routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	logger.Plain().WithFields(map[string]any{
		"addr":        cfg.Port,
		"fail_first":  cfg.FailFirstN,
		"fail_status": strconv.Itoa(cfg.FailStatus),
		"verify":      cfg.EndpointSecret != "",
	}).Info("fake-receiver listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Fatal("fake-receiver failed")
	}
}
