// Package api is the external KV surface: a single HTTP endpoint that
// accepts an encoded kvop.Operation, submits it through the FSM driver,
// and waits for the committed result. There is no RPC framework here —
// requests are plain JSON, mirroring kvop.Operation's own wire format.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/rhea/pkg/kvop"
	"github.com/cuemby/rhea/pkg/log"
	"github.com/cuemby/rhea/pkg/metrics"
)

// Applier is the subset of the FSM driver the API needs: submit an
// encoded operation and learn whether this node can currently serve
// writes. Defined here, not imported from pkg/driver, to keep the API
// surface independent of raft's concrete types.
type Applier interface {
	ApplyOperation(data []byte, timeout time.Duration) (interface{}, error)
	IsLeader() bool
	LeaderAddr() string
}

// Server exposes the KV store over HTTP.
type Server struct {
	applier    Applier
	mux        *http.ServeMux
	httpServer *http.Server
	log        zerolog.Logger
	timeout    time.Duration
}

// NewServer builds a Server backed by applier. Write operations that
// arrive on a non-leader node are rejected with a pointer to the
// current leader rather than silently forwarded.
func NewServer(applier Applier) *Server {
	s := &Server{
		applier: applier,
		mux:     http.NewServeMux(),
		log:     log.WithComponent("api"),
		timeout: 10 * time.Second,
	}
	s.mux.HandleFunc("/v1/kv", s.handleOperation)
	s.mux.HandleFunc("/health", metrics.HealthHandler())
	s.mux.HandleFunc("/ready", metrics.ReadyHandler())
	s.mux.HandleFunc("/live", metrics.LivenessHandler())
	s.mux.Handle("/metrics", metrics.Handler())
	return s
}

// Start runs the HTTP server until Stop is called or it errors out.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	s.log.Info().Str("addr", addr).Msg("kv http api listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: listen: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Close()
}

// writesRequireLeader lists the operation kinds that mutate state and
// therefore must be proposed by the leader. Reads are not exempted from
// that proposal path here: they still go through raft.Apply like a
// write, so a follower returns ErrNotLeader for them too. That trades
// away follower-local reads for a simpler, single apply path; a future
// revision wanting stale-read scalability would need to route
// KindGet/KindMultiGet/KindScan straight at this node's own engine
// instead of through Applier.ApplyOperation.
func writesRequireLeader(kind kvop.Kind) bool {
	switch kind {
	case kvop.KindGet, kvop.KindMultiGet, kvop.KindScan:
		return false
	default:
		return true
	}
}

func (s *Server) handleOperation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var op kvop.Operation
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}
	if op.RequestID == "" {
		op.RequestID = kvop.NewRequestID()
	}
	s.log.Debug().Str("request_id", op.RequestID).Str("kind", op.Kind.String()).Msg("received operation")

	if writesRequireLeader(op.Kind) && !s.applier.IsLeader() {
		w.Header().Set("X-Rhea-Leader-Addr", s.applier.LeaderAddr())
		writeError(w, http.StatusMisdirectedRequest, "not the leader")
		return
	}

	data, err := kvop.EncodeOperation(&op)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	response, err := s.applier.ApplyOperation(data, s.timeout)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	result, ok := response.(kvop.Result)
	if !ok {
		writeError(w, http.StatusInternalServerError, "unexpected apply response type")
		return
	}

	status := http.StatusOK
	if !result.Succeeded() {
		status = http.StatusUnprocessableEntity
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(result)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
