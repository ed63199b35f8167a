package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"HedgeLedger/internal/core"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/query"
	"HedgeLedger/internal/state"
)

// HTTPServer exposes the ledger operations and projection queries over
// HTTP/JSON. Mutating requests go straight into the engine; reads come
// from the projection tables or the live engine state.
type HTTPServer struct {
	addr    string
	engine  *core.Engine
	queries *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewHTTPServer(
	addr string,
	engine *core.Engine,
	queries *query.QueryService,
	health *observability.HealthChecker,
	metrics *observability.Metrics,
) *HTTPServer {
	return &HTTPServer{
		addr:    addr,
		engine:  engine,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     observability.NewLogger("http"),
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	// Operations
	mux.HandleFunc("POST /v1/positions", s.handleOpenPosition)
	mux.HandleFunc("POST /v1/positions/{id}/close", s.handleClosePosition)
	mux.HandleFunc("POST /v1/positions/{id}/margin/add", s.handleAddMargin)
	mux.HandleFunc("POST /v1/positions/{id}/margin/remove", s.handleRemoveMargin)
	mux.HandleFunc("POST /v1/positions/{id}/emergency-close", s.handleEmergencyClose)
	mux.HandleFunc("POST /v1/liquidations/commit", s.handleCommitLiquidation)
	mux.HandleFunc("POST /v1/liquidations/execute", s.handleExecuteLiquidation)
	mux.HandleFunc("POST /v1/liquidations/cancel", s.handleCancelCommitment)
	mux.HandleFunc("POST /v1/liquidations/clear-expired", s.handleClearExpired)
	mux.HandleFunc("POST /v1/rewards/claim", s.handleClaimRewards)
	mux.HandleFunc("POST /v1/admin/pause", s.handlePause)
	mux.HandleFunc("POST /v1/admin/unpause", s.handleUnpause)

	// Queries
	mux.HandleFunc("GET /v1/positions/{id}", s.handleGetPosition)
	mux.HandleFunc("GET /v1/hedgers/{owner}/positions", s.handleGetPositions)
	mux.HandleFunc("GET /v1/hedgers/{owner}/summary", s.handleGetSummary)
	mux.HandleFunc("GET /v1/hedgers/{owner}/rewards", s.handleGetRewards)
	mux.HandleFunc("GET /v1/hedgers/{owner}/liquidations", s.handleGetLiquidations)
	mux.HandleFunc("GET /v1/positions/{id}/fills", s.handleGetFillHistory)
	mux.HandleFunc("GET /v1/totals", s.handleGetTotals)
	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/admin/integrity", s.handleIntegrity)

	// Health
	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.instrument(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if s.metrics != nil {
			s.metrics.QueryRequests.Inc()
			s.metrics.QueryDuration.Observe(time.Since(start).Seconds())
		}
	})
}

// --- request/response shapes ---

type openPositionRequest struct {
	Caller   uuid.UUID `json:"caller"`
	Margin   int64     `json:"margin"`
	Leverage int64     `json:"leverage"`
}

type positionRequest struct {
	Caller uuid.UUID `json:"caller"`
}

type marginRequest struct {
	Caller uuid.UUID `json:"caller"`
	Amount int64     `json:"amount"`
}

type commitRequest struct {
	Caller     uuid.UUID `json:"caller"`
	Owner      uuid.UUID `json:"owner"`
	PositionID uint64    `json:"position_id"`
	Salt       string    `json:"salt"` // hex, 32 bytes
}

type executeRequest struct {
	Caller     uuid.UUID `json:"caller"`
	PositionID uint64    `json:"position_id"`
	Salt       string    `json:"salt"` // hex, 32 bytes
}

type cancelRequest struct {
	Caller    uuid.UUID `json:"caller"`
	CommitKey string    `json:"commit_key"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- operation handlers ---

func (s *HTTPServer) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.engine.OpenPosition(req.Caller, req.Margin, req.Leverage)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]uint64{"position_id": id})
}

func (s *HTTPServer) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	pnl, payout, err := s.engine.ClosePosition(req.Caller, id)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"pnl": pnl, "payout": payout})
}

func (s *HTTPServer) handleAddMargin(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req marginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.AddMargin(req.Caller, id, req.Amount); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleRemoveMargin(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req marginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.RemoveMargin(req.Caller, id, req.Amount); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleEmergencyClose(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	payout, err := s.engine.EmergencyClose(req.Caller, id)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"payout": payout})
}

func (s *HTTPServer) handleCommitLiquidation(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	salt, err := decodeKey32(req.Salt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CommitLiquidation(req.Caller, req.Owner, req.PositionID, salt); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

func (s *HTTPServer) handleExecuteLiquidation(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	salt, err := decodeKey32(req.Salt)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.ExecuteLiquidation(req.Caller, req.PositionID, salt); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "executed"})
}

func (s *HTTPServer) handleCancelCommitment(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := decodeKey32(req.CommitKey)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.CancelCommitment(req.Caller, state.CommitKey(key)); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *HTTPServer) handleClearExpired(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	cleared, err := s.engine.ClearExpiredCommitments(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}

func (s *HTTPServer) handleClaimRewards(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	total, err := s.engine.ClaimRewards(req.Caller)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"total": total})
}

func (s *HTTPServer) handlePause(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Pause(req.Caller); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *HTTPServer) handleUnpause(w http.ResponseWriter, r *http.Request) {
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Unpause(req.Caller); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// --- query handlers ---

func (s *HTTPServer) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	pos, err := s.queries.GetPosition(r.Context(), id)
	if err != nil {
		s.queryError(w, err)
		return
	}
	if pos == nil {
		s.writeError(w, http.StatusNotFound, errNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, pos)
}

func (s *HTTPServer) handleGetPositions(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathOwner(w, r)
	if !ok {
		return
	}
	positions, err := s.queries.GetPositions(r.Context(), owner)
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, positions)
}

func (s *HTTPServer) handleGetSummary(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathOwner(w, r)
	if !ok {
		return
	}
	summary, err := s.queries.GetHedgerSummary(r.Context(), owner)
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleGetRewards(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathOwner(w, r)
	if !ok {
		return
	}
	rewards, err := s.queries.GetRewardHistory(r.Context(), owner, queryLimit(r))
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, rewards)
}

func (s *HTTPServer) handleGetLiquidations(w http.ResponseWriter, r *http.Request) {
	owner, ok := s.pathOwner(w, r)
	if !ok {
		return
	}
	liqs, err := s.queries.GetLiquidationHistory(r.Context(), owner, queryLimit(r))
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, liqs)
}

func (s *HTTPServer) handleGetFillHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r)
	if !ok {
		return
	}
	var after *int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
		after = &n
	}
	fills, err := s.queries.GetFillHistory(r.Context(), id, queryLimit(r), after)
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fills)
}

func (s *HTTPServer) handleGetTotals(w http.ResponseWriter, r *http.Request) {
	totals, err := s.queries.GetTotals(r.Context())
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

// handleStatus reads live engine state, not projections.
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	margin, exposure, filled, hedgers := s.engine.Totals()
	rate, fresh := s.engine.CurrentRate()
	hash := s.engine.StateHash()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sequence":        s.engine.Sequence(),
		"state_hash":      hex.EncodeToString(hash[:]),
		"paused":          s.engine.Paused(),
		"total_margin":    margin,
		"total_exposure":  exposure,
		"filled_exposure": filled,
		"active_hedgers":  hedgers,
		"rate":            rate,
		"rate_fresh":      fresh,
	})
}

func (s *HTTPServer) handleIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := s.queries.VerifyIntegrity(r.Context())
	if err != nil {
		s.queryError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// --- helpers ---

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (*notFoundError) Error() string { return "not found" }

func (s *HTTPServer) pathID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

func (s *HTTPServer) pathOwner(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	owner, err := uuid.Parse(r.PathValue("owner"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return uuid.Nil, false
	}
	return owner, true
}

func queryLimit(r *http.Request) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return 100
}

func decodeKey32(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return key, err
	}
	if len(raw) != sha256.Size {
		return key, errBadKeyLength
	}
	copy(key[:], raw)
	return key, nil
}

var errBadKeyLength = &keyLengthError{}

type keyLengthError struct{}

func (*keyLengthError) Error() string { return "key must be 32 hex-encoded bytes" }

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, err error) {
	if s.metrics != nil && status >= 500 {
		s.metrics.QueryErrors.Inc()
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (s *HTTPServer) queryError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("query failed")
	s.writeError(w, http.StatusInternalServerError, err)
}
