package app

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"boardroom/api/internal/auth"
	"boardroom/api/internal/store"
	"boardroom/api/internal/voting"
)

type claimsKey struct{}

func withClaims(ctx context.Context, claims auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

func claimsFrom(r *http.Request) auth.Claims {
	claims, _ := r.Context().Value(claimsKey{}).(auth.Claims)
	return claims
}

type apiOrganization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
}

type apiMember struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName"`
	Role        string          `json:"role"`
	ShareCount  int64           `json:"shareCount"`
	VotingPower decimal.Decimal `json:"votingPower"`
	JoinedAt    time.Time       `json:"joinedAt"`
}

type apiProposal struct {
	ID                string          `json:"id"`
	OrgID             string          `json:"orgId"`
	AuthorID          string          `json:"authorId"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	Category          string          `json:"category"`
	Status            string          `json:"status"`
	ApprovalThreshold decimal.Decimal `json:"approvalThreshold"`
	QuorumRequired    decimal.Decimal `json:"quorumRequired"`
	VotingStartsAt    time.Time       `json:"votingStartsAt"`
	VotingEndsAt      time.Time       `json:"votingEndsAt"`
	AnchorRef         string          `json:"anchorRef,omitempty"`
	ClosedAt          *time.Time      `json:"closedAt,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

type apiVote struct {
	ID          string          `json:"id"`
	ProposalID  string          `json:"proposalId"`
	VoterID     string          `json:"voterId"`
	Choice      string          `json:"choice"`
	VotingPower decimal.Decimal `json:"votingPower"`
	Rationale   string          `json:"rationale,omitempty"`
	AnchorRef   string          `json:"anchorRef,omitempty"`
	CastAt      time.Time       `json:"castAt"`
}

type apiTally struct {
	ProposalID    string          `json:"proposalId"`
	For           decimal.Decimal `json:"for"`
	Against       decimal.Decimal `json:"against"`
	Abstain       decimal.Decimal `json:"abstain"`
	CastPower     decimal.Decimal `json:"castPower"`
	DecisivePower decimal.Decimal `json:"decisivePower"`
	VoterCount    int             `json:"voterCount"`
	ComputedAt    time.Time       `json:"computedAt"`
}

type apiProposalDetail struct {
	apiProposal
	Tally        apiTally `json:"tally"`
	AnchorStatus string   `json:"anchorStatus,omitempty"`
}

func toAPIOrganization(org store.Organization) apiOrganization {
	return apiOrganization{
		ID:          org.ID,
		Name:        org.Name,
		Description: org.Description,
		Status:      org.Status,
		CreatedAt:   org.CreatedAt,
	}
}

func toAPIMember(m store.Member) apiMember {
	return apiMember{
		ID:          m.ID,
		UserID:      m.UserID,
		DisplayName: m.DisplayName,
		Role:        m.Role,
		ShareCount:  m.ShareCount,
		VotingPower: m.VotingPower,
		JoinedAt:    m.JoinedAt,
	}
}

func toAPIProposal(p store.Proposal) apiProposal {
	return apiProposal{
		ID:                p.ID,
		OrgID:             p.OrgID,
		AuthorID:          p.AuthorID,
		Title:             p.Title,
		Description:       p.Description,
		Category:          p.Category,
		Status:            p.Status,
		ApprovalThreshold: p.ApprovalThreshold,
		QuorumRequired:    p.QuorumRequired,
		VotingStartsAt:    p.VotingStartsAt,
		VotingEndsAt:      p.VotingEndsAt,
		AnchorRef:         p.AnchorRef,
		ClosedAt:          p.ClosedAt,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

func toAPIVote(v store.Vote) apiVote {
	return apiVote{
		ID:          v.ID,
		ProposalID:  v.ProposalID,
		VoterID:     v.VoterID,
		Choice:      v.Choice,
		VotingPower: v.VotingPower,
		Rationale:   v.Rationale,
		AnchorRef:   v.AnchorRef,
		CastAt:      v.CastAt,
	}
}

func toAPITally(t voting.Tally) apiTally {
	return apiTally{
		ProposalID:    t.ProposalID,
		For:           t.For,
		Against:       t.Against,
		Abstain:       t.Abstain,
		CastPower:     t.CastPower(),
		DecisivePower: t.DecisivePower(),
		VoterCount:    t.VoterCount,
		ComputedAt:    t.ComputedAt,
	}
}

func toAPIProposalDetail(d voting.ProposalDetail) apiProposalDetail {
	return apiProposalDetail{
		apiProposal:  toAPIProposal(d.Proposal),
		Tally:        toAPITally(d.Tally),
		AnchorStatus: d.AnchorStatus,
	}
}
