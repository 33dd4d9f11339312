// Package server is the HTTP edge: request validation, rate limiting,
// read caching, and the mapping from engine errors to status codes.
package server

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"clawquest.ai/internal/engine"
	"clawquest.ai/internal/gangs"
	"clawquest.ai/internal/hex"
	"clawquest.ai/internal/protocol"
	"clawquest.ai/internal/season"
	"clawquest.ai/internal/storage"
	"clawquest.ai/internal/tuning"
	"clawquest.ai/internal/validation"
)

const maxBodyBytes = 64 * 1024

type Notifier interface {
	Publish(event string, payload any)
}

type Server struct {
	store    *storage.Store
	engine   *engine.Engine
	gangs    *gangs.Service
	season   *season.Service
	schemas  *protocol.SchemaSet
	limiter  *Limiter
	cache    *Cache
	cfg      *tuning.Tuning
	notifier Notifier
	log      *log.Logger
	now      func() time.Time
	newID    func() string
}

func New(store *storage.Store, eng *engine.Engine, gangSvc *gangs.Service, seasonSvc *season.Service, cfg *tuning.Tuning, n Notifier, logger *log.Logger) (*Server, error) {
	schemas, err := protocol.CompileSchemas()
	if err != nil {
		return nil, fmt.Errorf("compile schemas: %w", err)
	}
	return &Server{
		store:    store,
		engine:   eng,
		gangs:    gangSvc,
		season:   seasonSvc,
		schemas:  schemas,
		limiter:  NewLimiter(cfg.RateLimits.BucketSize, cfg.RateLimits.RefillPerSec),
		cache:    NewCache(),
		cfg:      cfg,
		notifier: n,
		log:      logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}, nil
}

// Routes registers every API handler on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /v1/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /v1/agents", s.handleListAgents)
	mux.HandleFunc("GET /v1/agents/{id}", s.handleGetAgent)

	mux.HandleFunc("POST /v1/wallet/deposit", s.handleDeposit)
	mux.HandleFunc("GET /v1/wallet/{agentId}", s.handleGetWallet)

	mux.HandleFunc("POST /v1/claim", s.handleClaim)
	mux.HandleFunc("POST /v1/challenge", s.handleChallenge)

	mux.HandleFunc("GET /v1/cells", s.handleListCells)
	mux.HandleFunc("GET /v1/cells/nearby", s.handleNearby)
	mux.HandleFunc("GET /v1/cells/{id}", s.handleGetCell)
	mux.HandleFunc("GET /v1/cells/{id}/history", s.handleCellHistory)

	mux.HandleFunc("POST /v1/gangs", s.handleCreateGang)
	mux.HandleFunc("POST /v1/gangs/join", s.handleJoinGang)
	mux.HandleFunc("GET /v1/gangs", s.handleListGangs)
	mux.HandleFunc("GET /v1/gangs/{id}", s.handleGetGang)

	mux.HandleFunc("GET /v1/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /v1/stats/overview", s.handleOverview)
	mux.HandleFunc("GET /v1/stats/export", s.handleExport)
}

// ---- views ----

// cellView is a cell as the world sees it: the answer stays secret.
// Answer is only populated for the cell's owner.
type cellView struct {
	ID        string    `json:"id"`
	Q         int       `json:"q"`
	R         int       `json:"r"`
	OwnerID   string    `json:"ownerId"`
	GangID    string    `json:"gangId,omitempty"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer,omitempty"`
	ClaimedAt time.Time `json:"claimedAt"`
	Defended  int       `json:"defended"`
}

func toCellView(c storage.Cell) cellView {
	return cellView{
		ID: c.ID, Q: c.Q, R: c.R, OwnerID: c.OwnerID, GangID: c.GangID,
		Question: c.Question, ClaimedAt: c.ClaimedAt, Defended: c.Defended,
	}
}

type agentView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	GangID    string    `json:"gangId,omitempty"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"createdAt"`
}

func toAgentView(a storage.Agent) agentView {
	return agentView{ID: a.ID, Name: a.Name, Color: a.Color, GangID: a.GangID, Score: a.Score, CreatedAt: a.CreatedAt}
}

type walletView struct {
	AgentID        string  `json:"agentId"`
	Balance        float64 `json:"balance"`
	TotalDeposited float64 `json:"totalDeposited"`
	TotalSpent     float64 `json:"totalSpent"`
	TotalWon       float64 `json:"totalWon"`
}

func toValidation(v validation.Result) protocol.Validation {
	return protocol.Validation{
		IsValid:     v.IsValid,
		Similarity:  v.Similarity,
		Explanation: v.Explanation,
		Confidence:  v.Confidence,
		Method:      v.Method,
	}
}

type gangView struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	LeaderID    string    `json:"leaderId"`
	Color       string    `json:"color"`
	EmblemSVG   string    `json:"emblemSvg"`
	MemberCount int       `json:"memberCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toGangView(g storage.Gang) gangView {
	return gangView{
		ID: g.ID, Name: g.Name, LeaderID: g.LeaderID, Color: g.Color,
		EmblemSVG: g.EmblemSVG, MemberCount: g.MemberCount, CreatedAt: g.CreatedAt,
	}
}

type historyView struct {
	Event           string    `json:"event"`
	ActorID         string    `json:"actorId"`
	PrevOwner       string    `json:"prevOwnerId,omitempty"`
	Question        string    `json:"question,omitempty"`
	SubmittedAnswer string    `json:"submittedAnswer,omitempty"`
	Similarity      float64   `json:"similarity"`
	Method          string    `json:"method,omitempty"`
	Explanation     string    `json:"explanation,omitempty"`
	Fee             float64   `json:"fee"`
	CreatedAt       time.Time `json:"createdAt"`
}

func toHistoryView(h storage.HistoryEntry) historyView {
	return historyView{
		Event: h.Event, ActorID: h.ActorID, PrevOwner: h.PrevOwner,
		Question: h.Question, SubmittedAnswer: h.SubmittedAnswer,
		Similarity: h.Similarity, Method: h.Method, Explanation: h.Explanation,
		Fee: h.Fee, CreatedAt: h.CreatedAt,
	}
}

// ---- helpers ----

func (s *Server) readBody(r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "unreadable body")
	}
	if len(raw) > maxBodyBytes {
		return nil, protocol.Errorf(protocol.ErrBadRequest, "body too large")
	}
	return raw, nil
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

var statusByCode = map[string]int{
	protocol.ErrBadRequest:          http.StatusBadRequest,
	protocol.ErrNotFound:            http.StatusNotFound,
	protocol.ErrConflict:            http.StatusConflict,
	protocol.ErrValidation:          http.StatusUnprocessableEntity,
	protocol.ErrInsufficientBalance: http.StatusPaymentRequired,
	protocol.ErrRateLimit:           http.StatusTooManyRequests,
	protocol.ErrInternal:            http.StatusInternalServerError,
}

func (s *Server) writeError(rw http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := protocol.ErrorBody{Code: code}
	if pe := protocol.AsError(err); pe != nil {
		body.Error = pe.Message
		body.Detail = pe.Detail
	} else {
		// Internal details stay in the log, not on the wire.
		body.Error = "internal error"
		if s.log != nil {
			s.log.Printf("internal error: %v", err)
		}
	}
	writeJSON(rw, status, body)
}

func (s *Server) allow(agentID string) error {
	if s.limiter == nil || s.limiter.Allow(agentID) {
		return nil
	}
	return protocol.Errorf(protocol.ErrRateLimit, "too many requests, slow down")
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ---- agents & wallets ----

// agentColor derives a stable display color from the agent's name.
func agentColor(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return fmt.Sprintf("hsl(%d, 70%%, 50%%)", h.Sum32()%360)
}

func (s *Server) handleCreateAgent(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.CreateAgentRequest
	if err := protocol.ValidateJSON(s.schemas.AgentCreate, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}

	color := req.Color
	if color == "" {
		color = agentColor(req.Name)
	}
	agent := storage.Agent{ID: s.newID(), Name: req.Name, Color: color, CreatedAt: s.now()}
	err = s.store.WithTx(r.Context(), func(tx *storage.Tx) error {
		if err := tx.CreateAgent(agent); err != nil {
			if errors.Is(err, storage.ErrExists) {
				return protocol.Errorf(protocol.ErrConflict, "agent name %q is taken", req.Name)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	if s.notifier != nil {
		s.notifier.Publish(protocol.EventAgentCreated, toAgentView(agent))
	}
	writeJSON(rw, http.StatusCreated, map[string]any{"success": true, "agent": toAgentView(agent)})
}

func (s *Server) handleListAgents(rw http.ResponseWriter, r *http.Request) {
	rows, err := s.store.Leaderboard(r.Context(), 0)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := make([]agentView, len(rows))
	for i, row := range rows {
		out[i] = toAgentView(row.Agent)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "agents": out})
}

func (s *Server) handleGetAgent(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	agent, err := s.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = protocol.Errorf(protocol.ErrNotFound, "agent %s not found", id)
		}
		s.writeError(rw, err)
		return
	}
	wallet, err := s.store.GetWallet(r.Context(), id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.writeError(rw, err)
		return
	}
	cells, err := s.store.ListCellsByOwner(r.Context(), id)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{
		"success": true,
		"agent":   toAgentView(agent),
		"wallet":  walletView(wallet),
		"cells":   len(cells),
	})
}

func (s *Server) handleDeposit(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.DepositRequest
	if err := protocol.ValidateJSON(s.schemas.Deposit, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}
	err = s.store.WithTx(r.Context(), func(tx *storage.Tx) error {
		if err := tx.Deposit(req.AgentID, req.Amount); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return protocol.Errorf(protocol.ErrNotFound, "agent %s not found", req.AgentID)
			}
			return err
		}
		return nil
	})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.cache.Invalidate(cacheKeyOverview)
	wallet, err := s.store.GetWallet(r.Context(), req.AgentID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "wallet": walletView(wallet)})
}

func (s *Server) handleGetWallet(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("agentId")
	wallet, err := s.store.GetWallet(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = protocol.Errorf(protocol.ErrNotFound, "wallet %s not found", id)
		}
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "wallet": walletView(wallet)})
}

// ---- territory ----

func (s *Server) handleClaim(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.ClaimRequest
	if err := protocol.ValidateJSON(s.schemas.Claim, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}
	if err := s.allow(req.AgentID); err != nil {
		s.writeError(rw, err)
		return
	}

	res, err := s.engine.Claim(r.Context(), req)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.invalidateViews()
	writeJSON(rw, http.StatusCreated, map[string]any{
		"success":   true,
		"cell":      toCellView(res.Cell),
		"economics": res.Economics,
	})
}

func (s *Server) handleChallenge(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.ChallengeRequest
	if err := protocol.ValidateJSON(s.schemas.Challenge, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}
	if err := s.allow(req.AgentID); err != nil {
		s.writeError(rw, err)
		return
	}

	res, err := s.engine.Challenge(r.Context(), req)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	// An evaluated challenge is a 200 either way; Stolen carries the
	// outcome and the validation detail explains it.
	s.invalidateViews()
	writeJSON(rw, http.StatusOK, map[string]any{
		"success":    true,
		"stolen":     res.Stolen,
		"cell":       toCellView(res.Cell),
		"validation": toValidation(res.Validation),
		"economics":  res.Economics,
	})
}

func (s *Server) handleListCells(rw http.ResponseWriter, r *http.Request) {
	cells, err := s.store.ListCells(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := make([]cellView, len(cells))
	for i, c := range cells {
		out[i] = toCellView(c)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "cells": out})
}

func (s *Server) handleGetCell(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cell, err := s.store.GetCell(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = protocol.Errorf(protocol.ErrNotFound, "cell %s not found", id)
		}
		s.writeError(rw, err)
		return
	}
	view := toCellView(cell)
	// The owner may read back its own secret answer.
	if agentID := r.URL.Query().Get("agentId"); agentID != "" && agentID == cell.OwnerID {
		view.Answer = cell.Answer
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "cell": view})
}

func (s *Server) handleCellHistory(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetCell(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = protocol.Errorf(protocol.ErrNotFound, "cell %s not found", id)
		}
		s.writeError(rw, err)
		return
	}
	limit := queryInt(r, "limit", 50)
	hist, err := s.store.CellHistory(r.Context(), id, limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := make([]historyView, len(hist))
	for i, h := range hist {
		out[i] = toHistoryView(h)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "history": out})
}

func (s *Server) handleNearby(rw http.ResponseWriter, r *http.Request) {
	q := queryInt(r, "q", 0)
	rr := queryInt(r, "r", 0)
	radius := queryInt(r, "radius", 3)
	if radius < 1 {
		radius = 1
	}
	if radius > 10 {
		radius = 10
	}

	cells, err := s.store.CellsInBox(r.Context(), q-radius, q+radius, rr-radius, rr+radius)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	center := hex.Coord{Q: q, R: rr}
	out := make([]cellView, 0, len(cells))
	for _, c := range cells {
		if hex.WithinRadius(center, hex.Coord{Q: c.Q, R: c.R}, radius) {
			out = append(out, toCellView(c))
		}
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "center": center, "radius": radius, "cells": out})
}

// ---- gangs ----

func (s *Server) handleCreateGang(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.CreateGangRequest
	if err := protocol.ValidateJSON(s.schemas.GangCreate, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}
	gang, err := s.gangs.Create(r.Context(), req.AgentID, req.Name)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusCreated, map[string]any{"success": true, "gang": toGangView(gang)})
}

func (s *Server) handleJoinGang(rw http.ResponseWriter, r *http.Request) {
	raw, err := s.readBody(r)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	var req protocol.JoinGangRequest
	if err := protocol.ValidateJSON(s.schemas.GangJoin, raw, &req); err != nil {
		s.writeError(rw, err)
		return
	}
	gang, err := s.gangs.Join(r.Context(), req.AgentID, req.GangID)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "gang": toGangView(gang)})
}

func (s *Server) handleListGangs(rw http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListGangs(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	out := make([]gangView, len(list))
	for i, g := range list {
		out[i] = toGangView(g)
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "gangs": out})
}

func (s *Server) handleGetGang(rw http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	gang, err := s.store.GetGang(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			err = protocol.Errorf(protocol.ErrNotFound, "gang %s not found", id)
		}
		s.writeError(rw, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]any{"success": true, "gang": toGangView(gang)})
}

// ---- season views ----

const cacheKeyOverview = "overview"

func (s *Server) invalidateViews() {
	s.cache.Invalidate(cacheKeyOverview, leaderboardKey(0), leaderboardKey(50))
}

func leaderboardKey(limit int) string { return "leaderboard:" + strconv.Itoa(limit) }

func (s *Server) handleLeaderboard(rw http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	key := leaderboardKey(limit)
	if b, ok := s.cache.Get(key); ok {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(b)
		return
	}
	entries, err := s.season.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeError(rw, err)
		return
	}
	body, err := json.Marshal(map[string]any{"success": true, "leaderboard": entries})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.cache.Set(key, body, time.Duration(s.cfg.Cache.LeaderboardTTLSec)*time.Second)
	rw.Header().Set("Content-Type", "application/json")
	_, _ = rw.Write(body)
}

func (s *Server) handleOverview(rw http.ResponseWriter, r *http.Request) {
	if b, ok := s.cache.Get(cacheKeyOverview); ok {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(b)
		return
	}
	st, err := s.season.Overview(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}
	body, err := json.Marshal(map[string]any{"success": true, "stats": st})
	if err != nil {
		s.writeError(rw, err)
		return
	}
	s.cache.Set(cacheKeyOverview, body, time.Duration(s.cfg.Cache.StatsTTLSec)*time.Second)
	rw.Header().Set("Content-Type", "application/json")
	_, _ = rw.Write(body)
}

// handleExport streams the full history ledger as CSV or JSON.
func (s *Server) handleExport(rw http.ResponseWriter, r *http.Request) {
	hist, err := s.store.AllHistory(r.Context())
	if err != nil {
		s.writeError(rw, err)
		return
	}

	switch format := r.URL.Query().Get("format"); format {
	case "", "json":
		out := make([]map[string]any, len(hist))
		for i, h := range hist {
			out[i] = map[string]any{
				"id": h.ID, "cellId": h.CellID, "event": h.Event, "actorId": h.ActorID,
				"prevOwnerId": h.PrevOwner, "question": h.Question, "submittedAnswer": h.SubmittedAnswer,
				"similarity": h.Similarity, "method": h.Method, "explanation": h.Explanation,
				"fee": h.Fee, "createdAt": h.CreatedAt,
			}
		}
		writeJSON(rw, http.StatusOK, map[string]any{"success": true, "history": out})
	case "csv":
		rw.Header().Set("Content-Type", "text/csv")
		rw.Header().Set("Content-Disposition", `attachment; filename="history.csv"`)
		w := csv.NewWriter(rw)
		_ = w.Write([]string{"id", "cell_id", "event", "actor_id", "prev_owner_id", "question", "submitted_answer", "similarity", "method", "explanation", "fee", "created_at"})
		for _, h := range hist {
			_ = w.Write([]string{
				strconv.FormatInt(h.ID, 10), h.CellID, h.Event, h.ActorID, h.PrevOwner,
				h.Question, h.SubmittedAnswer,
				strconv.FormatFloat(h.Similarity, 'f', -1, 64), h.Method, h.Explanation,
				strconv.FormatFloat(h.Fee, 'f', -1, 64), h.CreatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		w.Flush()
	default:
		s.writeError(rw, protocol.Errorf(protocol.ErrBadRequest, "unknown export format %q", format))
	}
}
