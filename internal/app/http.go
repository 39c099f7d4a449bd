// Package app wires the voting engine into an HTTP surface: REST routes,
// the live-update websocket, health probes, and Prometheus metrics.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"boardroom/api/internal/auth"
	"boardroom/api/internal/broadcast"
	"boardroom/api/internal/search"
	"boardroom/api/internal/store"
	"boardroom/api/internal/voting"
)

type memberLister interface {
	ListMembers(ctx context.Context, orgID string) ([]store.Member, error)
}

// HTTPServer exposes the engine over REST plus a websocket for live updates.
type HTTPServer struct {
	service   *voting.Service
	members   memberLister
	hub       *broadcast.Hub
	search    *search.Service
	jwtSecret []byte
	cors      string
}

func NewHTTPServer(service *voting.Service, members memberLister, hub *broadcast.Hub, searchService *search.Service, jwtSecret []byte, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:   service,
		members:   members,
		hub:       hub,
		search:    searchService,
		jwtSecret: jwtSecret,
		cors:      corsOrigin,
	}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{s.cors},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/api/events", s.handleEvents)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/orgs/{orgID}", func(r chi.Router) {
			r.Get("/", s.handleGetOrg)
			r.Get("/members", s.handleListMembers)
			r.Get("/proposals", s.handleListProposals)
			r.Post("/proposals", s.handleCreateProposal)
		})

		r.Route("/api/proposals/{proposalID}", func(r chi.Router) {
			r.Get("/", s.handleGetProposal)
			r.Get("/tally", s.handleGetTally)
			r.Get("/votes", s.handleListVotes)
			r.Post("/votes", s.handleCastVote)
			r.Post("/close", s.handleCloseProposal)
			r.Post("/execute", s.handleExecuteProposal)
		})

		r.Get("/api/search", s.handleSearch)
		r.Get("/api/sync/status", s.handleSyncStatus)
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "NOT_READY", "Database unreachable", nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleGetOrg(w http.ResponseWriter, r *http.Request) {
	org, err := s.service.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIOrganization(org))
}

func (s *HTTPServer) handleListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := s.members.ListMembers(r.Context(), chi.URLParam(r, "orgID"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]apiMember, 0, len(members))
	for _, m := range members {
		out = append(out, toAPIMember(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": out})
}

func (s *HTTPServer) handleListProposals(w http.ResponseWriter, r *http.Request) {
	proposals, err := s.service.ListProposals(r.Context(), chi.URLParam(r, "orgID"), r.URL.Query().Get("status"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]apiProposal, 0, len(proposals))
	for _, p := range proposals {
		out = append(out, toAPIProposal(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"proposals": out})
}

func (s *HTTPServer) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role == auth.RoleViewer {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Viewers cannot create proposals", nil)
		return
	}

	var body struct {
		Title             string          `json:"title"`
		Description       string          `json:"description"`
		Category          string          `json:"category"`
		VotingStartsAt    time.Time       `json:"votingStartsAt"`
		VotingEndsAt      time.Time       `json:"votingEndsAt"`
		ApprovalThreshold decimal.Decimal `json:"approvalThreshold"`
		QuorumRequired    decimal.Decimal `json:"quorumRequired"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	proposal, err := s.service.CreateProposal(r.Context(), voting.CreateProposalInput{
		OrgID:       chi.URLParam(r, "orgID"),
		AuthorID:    claims.UserID(),
		Title:       body.Title,
		Description: body.Description,
		Category:    body.Category,
		WindowStart: body.VotingStartsAt,
		WindowEnd:   body.VotingEndsAt,
		Threshold:   body.ApprovalThreshold,
		Quorum:      body.QuorumRequired,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAPIProposal(proposal))
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetProposal(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIProposalDetail(detail))
}

func (s *HTTPServer) handleGetTally(w http.ResponseWriter, r *http.Request) {
	tally, err := s.service.GetTally(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPITally(tally))
}

func (s *HTTPServer) handleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := s.service.ListVotes(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, err)
		return
	}
	out := make([]apiVote, 0, len(votes))
	for _, v := range votes {
		out = append(out, toAPIVote(v))
	}
	writeJSON(w, http.StatusOK, map[string]any{"votes": out})
}

func (s *HTTPServer) handleCastVote(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r)
	if claims.Role == auth.RoleViewer {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Viewers cannot vote", nil)
		return
	}

	var body struct {
		Choice    string `json:"choice"`
		Rationale string `json:"rationale"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	vote, err := s.service.CastVote(r.Context(), voting.CastVoteInput{
		ProposalID: chi.URLParam(r, "proposalID"),
		VoterID:    claims.UserID(),
		Choice:     body.Choice,
		Rationale:  body.Rationale,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAPIVote(vote))
}

func (s *HTTPServer) handleCloseProposal(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	proposal, err := s.service.Close(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIProposal(proposal))
}

func (s *HTTPServer) handleExecuteProposal(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	proposal, err := s.service.MarkExecuted(r.Context(), chi.URLParam(r, "proposalID"))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAPIProposal(proposal))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	resp := s.search.Search(search.Query{
		Text:         query.Get("q"),
		FilterOrgID:  query.Get("orgId"),
		FilterStatus: query.Get("status"),
		Limit:        limit,
		Offset:       offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.service.SyncOverview(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (s *HTTPServer) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if claimsFrom(r).Role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Admin role required", nil)
		return false
	}
	return true
}

func (s *HTTPServer) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing bearer token", nil)
			return
		}
		claims, err := auth.ParseToken(s.jwtSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
	})
}

func (s *HTTPServer) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		observeRequest(r.Method, routePattern(r), writer.status, time.Since(started))
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *voting.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
