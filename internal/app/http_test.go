package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"boardroom/api/internal/auth"
	"boardroom/api/internal/broadcast"
	"boardroom/api/internal/store"
	"boardroom/api/internal/voting"
)

var testSecret = []byte("test-secret")

type stubStore struct {
	proposals map[string]store.Proposal
	votes     []store.Vote
}

func (s *stubStore) InsertProposal(_ context.Context, p store.Proposal) error {
	s.proposals[p.ID] = p
	return nil
}
func (s *stubStore) GetProposal(_ context.Context, id string) (store.Proposal, error) {
	p, ok := s.proposals[id]
	if !ok {
		return store.Proposal{}, sql.ErrNoRows
	}
	return p, nil
}
func (s *stubStore) ListProposals(_ context.Context, orgID, status string) ([]store.Proposal, error) {
	var out []store.Proposal
	for _, p := range s.proposals {
		if p.OrgID == orgID && (status == "" || p.Status == status) {
			out = append(out, p)
		}
	}
	return out, nil
}
func (s *stubStore) TransitionProposal(_ context.Context, id, from, to string) (bool, error) {
	p, ok := s.proposals[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	s.proposals[id] = p
	return true, nil
}
func (s *stubStore) ActivateDueProposals(context.Context) ([]string, error) { return nil, nil }
func (s *stubStore) ListExpiredActive(context.Context, int) ([]string, error) {
	return nil, nil
}
func (s *stubStore) InsertVote(_ context.Context, v store.Vote) error {
	for _, existing := range s.votes {
		if existing.ProposalID == v.ProposalID && existing.VoterID == v.VoterID {
			return store.ErrDuplicateVote
		}
	}
	s.votes = append(s.votes, v)
	return nil
}
func (s *stubStore) ListVotes(_ context.Context, proposalID string) ([]store.Vote, error) {
	var out []store.Vote
	for _, v := range s.votes {
		if v.ProposalID == proposalID {
			out = append(out, v)
		}
	}
	return out, nil
}
func (s *stubStore) TallyVotes(_ context.Context, proposalID string) ([]store.TallyRow, error) {
	rows := map[string]*store.TallyRow{}
	for _, v := range s.votes {
		if v.ProposalID != proposalID {
			continue
		}
		row, ok := rows[v.Choice]
		if !ok {
			row = &store.TallyRow{Choice: v.Choice, Power: decimal.Zero}
			rows[v.Choice] = row
		}
		row.Power = row.Power.Add(v.VotingPower)
		row.Count++
	}
	var out []store.TallyRow
	for _, row := range rows {
		out = append(out, *row)
	}
	return out, nil
}
func (s *stubStore) GetSyncStatus(context.Context, string, string) (store.SyncJob, error) {
	return store.SyncJob{}, sql.ErrNoRows
}
func (s *stubStore) SyncCounts(context.Context) (map[string]int, error) {
	return map[string]int{"pending": 2}, nil
}
func (s *stubStore) GetOrganization(_ context.Context, orgID string) (store.Organization, error) {
	return store.Organization{ID: orgID, Name: "Acme Collective", Status: "active"}, nil
}
func (s *stubStore) CountOrganizations(context.Context) (int, error)        { return 1, nil }
func (s *stubStore) InsertOrganization(context.Context, store.Organization) error { return nil }
func (s *stubStore) InsertMember(context.Context, store.Member) error       { return nil }
func (s *stubStore) Ping(context.Context) error                             { return nil }

type stubResolver struct{}

func (stubResolver) IsMember(context.Context, string, string) (bool, error) { return true, nil }
func (stubResolver) GetVotingPower(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(30), nil
}
func (stubResolver) TotalEligiblePower(context.Context, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(100), nil
}
func (stubResolver) ListMembers(context.Context, string) ([]store.Member, error) {
	return []store.Member{{ID: "m1", UserID: "user-1", DisplayName: "Avery", Role: "founder", VotingPower: decimal.NewFromInt(50)}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubStore) {
	t.Helper()
	ss := &stubStore{proposals: map[string]store.Proposal{}}
	now := time.Now().UTC()
	ss.proposals["prop-1"] = store.Proposal{
		ID:                "prop-1",
		OrgID:             "org-1",
		AuthorID:          "user-1",
		Title:             "Adopt the new budget",
		Category:          "finance",
		Status:            store.StatusActive,
		ApprovalThreshold: decimal.RequireFromString("0.6"),
		QuorumRequired:    decimal.RequireFromString("0.5"),
		VotingStartsAt:    now.Add(-time.Hour),
		VotingEndsAt:      now.Add(time.Hour),
	}

	resolver := stubResolver{}
	service := voting.New(ss, resolver, voting.NewAggregator(ss, nil), broadcast.NewHub(), nil)
	server := NewHTTPServer(service, resolver, broadcast.NewHub(), nil, testSecret, "*")

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts, ss
}

func issueTestToken(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := auth.IssueToken(testSecret, userID, "Test User", role, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func doRequest(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodeResponse(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthIsPublic(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/api/health", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAPIRequiresBearerToken(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doRequest(t, http.MethodGet, ts.URL+"/api/proposals/prop-1", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestGetProposalDetail(t *testing.T) {
	ts, _ := newTestServer(t)
	token := issueTestToken(t, "user-2", auth.RoleMember)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/proposals/prop-1", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["id"] != "prop-1" || payload["status"] != "active" {
		t.Fatalf("unexpected payload %v", payload)
	}
	if _, ok := payload["tally"]; !ok {
		t.Fatalf("detail must embed the tally")
	}
}

func TestGetProposalNotFound(t *testing.T) {
	ts, _ := newTestServer(t)
	token := issueTestToken(t, "user-2", auth.RoleMember)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/proposals/missing", token, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestCastVoteEndToEnd(t *testing.T) {
	ts, ss := newTestServer(t)
	token := issueTestToken(t, "user-2", auth.RoleMember)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/proposals/prop-1/votes", token,
		`{"choice":"for","rationale":"sound plan"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["choice"] != "for" {
		t.Fatalf("choice = %v", payload["choice"])
	}
	if len(ss.votes) != 1 {
		t.Fatalf("expected one persisted vote, got %d", len(ss.votes))
	}

	// Retry is a conflict, not a success or a server error.
	resp = doRequest(t, http.MethodPost, ts.URL+"/api/proposals/prop-1/votes", token,
		`{"choice":"against"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", resp.StatusCode)
	}
	payload = decodeResponse(t, resp)
	if payload["code"] != "ALREADY_VOTED" {
		t.Fatalf("code = %v", payload["code"])
	}
}

func TestViewerCannotVote(t *testing.T) {
	ts, _ := newTestServer(t)
	token := issueTestToken(t, "user-3", auth.RoleViewer)

	resp := doRequest(t, http.MethodPost, ts.URL+"/api/proposals/prop-1/votes", token,
		`{"choice":"for"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCloseRequiresAdmin(t *testing.T) {
	ts, _ := newTestServer(t)

	memberToken := issueTestToken(t, "user-2", auth.RoleMember)
	resp := doRequest(t, http.MethodPost, ts.URL+"/api/proposals/prop-1/close", memberToken, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("member close status = %d, want 403", resp.StatusCode)
	}
	resp.Body.Close()

	adminToken := issueTestToken(t, "user-1", auth.RoleAdmin)
	resp = doRequest(t, http.MethodPost, ts.URL+"/api/proposals/prop-1/close", adminToken, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin close status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	if payload["status"] != "closed" {
		t.Fatalf("status = %v, want closed", payload["status"])
	}
}

func TestListMembers(t *testing.T) {
	ts, _ := newTestServer(t)
	token := issueTestToken(t, "user-2", auth.RoleMember)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/orgs/org-1/members", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	members, ok := payload["members"].([]any)
	if !ok || len(members) != 1 {
		t.Fatalf("unexpected members payload %v", payload)
	}
}

func TestSyncStatus(t *testing.T) {
	ts, _ := newTestServer(t)
	token := issueTestToken(t, "user-2", auth.RoleMember)

	resp := doRequest(t, http.MethodGet, ts.URL+"/api/sync/status", token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	payload := decodeResponse(t, resp)
	counts, ok := payload["counts"].(map[string]any)
	if !ok {
		t.Fatalf("unexpected payload %v", payload)
	}
	if counts["pending"] != float64(2) {
		t.Fatalf("pending = %v, want 2", counts["pending"])
	}
}

func TestRequestIDEchoedBack(t *testing.T) {
	ts, _ := newTestServer(t)
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Request-ID") != "req-abc" {
		t.Fatalf("X-Request-ID = %q", resp.Header.Get("X-Request-ID"))
	}
}
