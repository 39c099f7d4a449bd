// Package voting is the proposal/voting engine: proposal lifecycle, vote
// admission, weighted tallying, and the hooks that feed the anchor mirror
// and the live-update broadcaster.
package voting

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"boardroom/api/internal/broadcast"
	"boardroom/api/internal/member"
	"boardroom/api/internal/store"
)

type dataStore interface {
	InsertProposal(context.Context, store.Proposal) error
	GetProposal(context.Context, string) (store.Proposal, error)
	ListProposals(context.Context, string, string) ([]store.Proposal, error)
	TransitionProposal(context.Context, string, string, string) (bool, error)
	ActivateDueProposals(context.Context) ([]string, error)
	ListExpiredActive(context.Context, int) ([]string, error)
	InsertVote(context.Context, store.Vote) error
	ListVotes(context.Context, string) ([]store.Vote, error)
	TallyVotes(context.Context, string) ([]store.TallyRow, error)
	GetSyncStatus(context.Context, string, string) (store.SyncJob, error)
	SyncCounts(context.Context) (map[string]int, error)
	GetOrganization(context.Context, string) (store.Organization, error)
	CountOrganizations(context.Context) (int, error)
	InsertOrganization(context.Context, store.Organization) error
	InsertMember(context.Context, store.Member) error
	Ping(ctx context.Context) error
}

type eventPublisher interface {
	Publish(context.Context, broadcast.Event)
}

// proposalIndexer pushes proposals into the search index, best effort.
type proposalIndexer interface {
	IndexProposal(p store.Proposal)
}

type CreateProposalInput struct {
	OrgID       string
	AuthorID    string
	Title       string
	Description string
	Category    string
	WindowStart time.Time
	WindowEnd   time.Time
	Threshold   decimal.Decimal
	Quorum      decimal.Decimal
}

type CastVoteInput struct {
	ProposalID string
	VoterID    string
	Choice     string
	Rationale  string
}

// Transition reports the outcome of one expiry evaluation. Performed is false
// both for no-ops and for races another evaluator won; To always carries the
// state the proposal ended up in.
type Transition struct {
	ProposalID string
	From       string
	To         string
	Performed  bool
}

// ProposalDetail is a proposal plus its derived tally and mirror status.
type ProposalDetail struct {
	Proposal     store.Proposal
	Tally        Tally
	AnchorStatus string
}

type Service struct {
	store   dataStore
	members member.Resolver
	tally   *Aggregator
	events  eventPublisher
	search  proposalIndexer
	now     func() time.Time
}

func New(dataStore dataStore, members member.Resolver, tally *Aggregator, events eventPublisher, search proposalIndexer) *Service {
	return &Service{
		store:   dataStore,
		members: members,
		tally:   tally,
		events:  events,
		search:  search,
		now:     time.Now,
	}
}

var (
	fractionFloor = decimal.Zero
	fractionCeil  = decimal.NewFromInt(1)
)

const maxTitleLength = 200

// CreateProposal validates the window and the fractions, checks authorship
// against the membership resolver, and persists the proposal together with
// its pending mirror job.
func (s *Service) CreateProposal(ctx context.Context, input CreateProposalInput) (store.Proposal, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Proposal{}, validationError("title is required")
	}
	if len(title) > maxTitleLength {
		return store.Proposal{}, validationError("title is too long")
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = "governance"
	}

	now := s.now().UTC()
	windowStart := input.WindowStart.UTC()
	if input.WindowStart.IsZero() {
		windowStart = now
	}
	windowEnd := input.WindowEnd.UTC()
	if windowEnd.IsZero() {
		return store.Proposal{}, validationError("voting window end is required")
	}
	// Small grace for clock skew between the caller and this host.
	if windowStart.Before(now.Add(-time.Minute)) {
		return store.Proposal{}, validationError("voting window must not start in the past")
	}
	if !windowEnd.After(windowStart) {
		return store.Proposal{}, validationError("voting window must end after it starts")
	}
	if !validFraction(input.Threshold) {
		return store.Proposal{}, validationError("approval threshold must be in (0, 1]")
	}
	if !validFraction(input.Quorum) {
		return store.Proposal{}, validationError("quorum must be in (0, 1]")
	}

	isMember, err := s.members.IsMember(ctx, input.OrgID, input.AuthorID)
	if err != nil {
		return store.Proposal{}, fmt.Errorf("resolve author membership: %w", err)
	}
	if !isMember {
		return store.Proposal{}, errNotAMember()
	}

	status := store.StatusDraft
	if !windowStart.After(now) {
		status = store.StatusActive
	}

	proposal := store.Proposal{
		ID:                uuid.NewString(),
		OrgID:             input.OrgID,
		AuthorID:          input.AuthorID,
		Title:             title,
		Description:       strings.TrimSpace(input.Description),
		Category:          category,
		Status:            status,
		ApprovalThreshold: input.Threshold,
		QuorumRequired:    input.Quorum,
		VotingStartsAt:    windowStart,
		VotingEndsAt:      windowEnd,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.InsertProposal(ctx, proposal); err != nil {
		return store.Proposal{}, err
	}

	s.events.Publish(ctx, broadcast.Event{
		Type:       broadcast.EventProposalStateChanged,
		ProposalID: proposal.ID,
		OrgID:      proposal.OrgID,
		Payload:    map[string]any{"status": proposal.Status, "title": proposal.Title},
	})
	s.indexProposal(proposal)
	return proposal, nil
}

func validFraction(value decimal.Decimal) bool {
	return value.Cmp(fractionFloor) > 0 && value.Cmp(fractionCeil) <= 0
}

// CastVote admits one vote per member per proposal. The membership power is
// captured at cast time; the unique constraint on (proposal, voter) decides
// races, not any application-level lock.
func (s *Service) CastVote(ctx context.Context, input CastVoteInput) (store.Vote, error) {
	if !store.ValidChoice(input.Choice) {
		return store.Vote{}, errInvalidChoice(input.Choice)
	}

	proposal, err := s.store.GetProposal(ctx, input.ProposalID)
	if err != nil {
		return store.Vote{}, err
	}

	now := s.now().UTC()
	proposal = s.activateIfDue(ctx, proposal, now)

	if proposal.Status != store.StatusActive {
		return store.Vote{}, errProposalNotActive(proposal.Status)
	}
	if now.Before(proposal.VotingStartsAt) {
		return store.Vote{}, errProposalNotActive(store.StatusDraft)
	}
	if !now.Before(proposal.VotingEndsAt) {
		return store.Vote{}, errWindowClosed()
	}

	power, err := s.members.GetVotingPower(ctx, proposal.OrgID, input.VoterID)
	if errors.Is(err, member.ErrNotMember) {
		return store.Vote{}, errNotAMember()
	}
	if err != nil {
		return store.Vote{}, fmt.Errorf("resolve voter power: %w", err)
	}

	vote := store.Vote{
		ID:          uuid.NewString(),
		ProposalID:  proposal.ID,
		VoterID:     input.VoterID,
		Choice:      input.Choice,
		VotingPower: power,
		Rationale:   strings.TrimSpace(input.Rationale),
		CastAt:      now,
	}
	if err := s.store.InsertVote(ctx, vote); err != nil {
		if errors.Is(err, store.ErrDuplicateVote) {
			return store.Vote{}, errAlreadyVoted()
		}
		return store.Vote{}, err
	}

	s.tally.Invalidate(ctx, proposal.ID)
	tally, err := s.tally.ComputeTally(ctx, proposal.ID)
	if err != nil {
		// The vote is committed; a failed recompute only delays the push.
		log.Printf("voting: tally after vote %s: %v", vote.ID, err)
	} else {
		s.events.Publish(ctx, broadcast.Event{
			Type:       broadcast.EventTallyUpdated,
			ProposalID: proposal.ID,
			OrgID:      proposal.OrgID,
			Payload:    tally,
		})
	}
	s.events.Publish(ctx, broadcast.Event{
		Type:       broadcast.EventVoteCast,
		ProposalID: proposal.ID,
		OrgID:      proposal.OrgID,
		Payload: map[string]any{
			"choice":      vote.Choice,
			"votingPower": vote.VotingPower,
		},
	})
	return vote, nil
}

// activateIfDue lazily opens a draft whose window has started, so a vote
// arriving before the scheduler tick is not turned away.
func (s *Service) activateIfDue(ctx context.Context, proposal store.Proposal, now time.Time) store.Proposal {
	if proposal.Status != store.StatusDraft || now.Before(proposal.VotingStartsAt) {
		return proposal
	}
	performed, err := s.store.TransitionProposal(ctx, proposal.ID, store.StatusDraft, store.StatusActive)
	if err != nil {
		log.Printf("voting: activate proposal %s: %v", proposal.ID, err)
		return proposal
	}
	if performed {
		proposal.Status = store.StatusActive
		s.events.Publish(ctx, broadcast.Event{
			Type:       broadcast.EventProposalStateChanged,
			ProposalID: proposal.ID,
			OrgID:      proposal.OrgID,
			Payload:    map[string]any{"status": store.StatusActive},
		})
		s.indexProposal(proposal)
		return proposal
	}
	// Someone else transitioned it; re-read for the current state.
	current, err := s.store.GetProposal(ctx, proposal.ID)
	if err != nil {
		return proposal
	}
	return current
}

// EvaluateExpiry closes an active proposal whose window has ended. Safe to
// call concurrently: the conditional update in the store lets exactly one
// caller perform the transition, and every caller observes the same result.
//
// Quorum compares all cast power (abstentions included) against the quorum
// fraction of total eligible power; the approval threshold then applies to
// for-versus-against only.
func (s *Service) EvaluateExpiry(ctx context.Context, proposalID string) (Transition, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return Transition{}, err
	}

	result := Transition{ProposalID: proposalID, From: proposal.Status, To: proposal.Status}
	if proposal.Status != store.StatusActive {
		return result, nil
	}
	if s.now().UTC().Before(proposal.VotingEndsAt) {
		return result, nil
	}

	tally, err := s.tally.Recompute(ctx, proposalID)
	if err != nil {
		return Transition{}, err
	}

	// Resolver unavailable: defer, stay active, retry on a later tick.
	// Never force a default outcome.
	totalPower, err := s.members.TotalEligiblePower(ctx, proposal.OrgID)
	if err != nil {
		return Transition{}, fmt.Errorf("resolve eligible power: %w", err)
	}

	outcome := decideOutcome(tally, totalPower, proposal.QuorumRequired, proposal.ApprovalThreshold)

	performed, err := s.store.TransitionProposal(ctx, proposalID, store.StatusActive, outcome)
	if err != nil {
		return Transition{}, err
	}
	if !performed {
		// Lost the race; report the state the winner produced.
		current, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			return Transition{}, err
		}
		result.To = current.Status
		return result, nil
	}

	result.To = outcome
	result.Performed = true
	proposal.Status = outcome
	s.events.Publish(ctx, broadcast.Event{
		Type:       broadcast.EventProposalStateChanged,
		ProposalID: proposalID,
		OrgID:      proposal.OrgID,
		Payload: map[string]any{
			"status": outcome,
			"tally":  tally,
		},
	})
	s.indexProposal(proposal)
	return result, nil
}

func decideOutcome(tally Tally, totalPower, quorum, threshold decimal.Decimal) string {
	if tally.CastPower().Cmp(quorum.Mul(totalPower)) < 0 {
		return store.StatusRejected
	}
	decisive := tally.DecisivePower()
	if decisive.IsZero() {
		// Quorum met purely by abstentions: nothing to approve.
		return store.StatusRejected
	}
	if tally.For.Cmp(threshold.Mul(decisive)) >= 0 {
		return store.StatusPassed
	}
	return store.StatusRejected
}

// Close is the administrative terminal transition, valid from any non-draft
// state that is not already closed.
func (s *Service) Close(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	if proposal.Status == store.StatusDraft {
		return store.Proposal{}, domainError(http.StatusConflict, "CONFLICT",
			"Draft proposals cannot be closed", nil)
	}
	if proposal.Status == store.StatusClosed {
		return proposal, nil
	}
	performed, err := s.store.TransitionProposal(ctx, proposalID, proposal.Status, store.StatusClosed)
	if err != nil {
		return store.Proposal{}, err
	}
	if !performed {
		return store.Proposal{}, domainError(http.StatusConflict, "CONFLICT",
			"Proposal state changed concurrently, re-fetch and retry", nil)
	}
	proposal.Status = store.StatusClosed
	s.events.Publish(ctx, broadcast.Event{
		Type:       broadcast.EventProposalStateChanged,
		ProposalID: proposalID,
		OrgID:      proposal.OrgID,
		Payload:    map[string]any{"status": store.StatusClosed},
	})
	s.indexProposal(proposal)
	return proposal, nil
}

// MarkExecuted records that a passed proposal's decision was carried out.
func (s *Service) MarkExecuted(ctx context.Context, proposalID string) (store.Proposal, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return store.Proposal{}, err
	}
	performed, err := s.store.TransitionProposal(ctx, proposalID, store.StatusPassed, store.StatusExecuted)
	if err != nil {
		return store.Proposal{}, err
	}
	if !performed {
		return store.Proposal{}, domainError(http.StatusConflict, "CONFLICT",
			"Only passed proposals can be marked executed", map[string]any{"status": proposal.Status})
	}
	proposal.Status = store.StatusExecuted
	s.events.Publish(ctx, broadcast.Event{
		Type:       broadcast.EventProposalStateChanged,
		ProposalID: proposalID,
		OrgID:      proposal.OrgID,
		Payload:    map[string]any{"status": store.StatusExecuted},
	})
	s.indexProposal(proposal)
	return proposal, nil
}

// GetProposal assembles the proposal, its current tally, and the mirror
// status. Anchor status is informational only.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (ProposalDetail, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return ProposalDetail{}, err
	}
	proposal = s.activateIfDue(ctx, proposal, s.now().UTC())

	tally, err := s.tally.ComputeTally(ctx, proposalID)
	if err != nil {
		return ProposalDetail{}, err
	}

	detail := ProposalDetail{Proposal: proposal, Tally: tally}
	syncRecord, err := s.store.GetSyncStatus(ctx, store.EntityProposal, proposalID)
	switch {
	case err == nil:
		detail.AnchorStatus = syncRecord.Status
	case errors.Is(err, sql.ErrNoRows):
		detail.AnchorStatus = ""
	default:
		return ProposalDetail{}, err
	}
	return detail, nil
}

func (s *Service) ListProposals(ctx context.Context, orgID, status string) ([]store.Proposal, error) {
	if status != "" {
		switch status {
		case store.StatusDraft, store.StatusActive, store.StatusPassed,
			store.StatusRejected, store.StatusExecuted, store.StatusClosed:
		default:
			return nil, validationError("unknown status filter")
		}
	}
	return s.store.ListProposals(ctx, orgID, status)
}

func (s *Service) ListVotes(ctx context.Context, proposalID string) ([]store.Vote, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListVotes(ctx, proposalID)
}

func (s *Service) GetTally(ctx context.Context, proposalID string) (Tally, error) {
	if _, err := s.store.GetProposal(ctx, proposalID); err != nil {
		return Tally{}, err
	}
	return s.tally.ComputeTally(ctx, proposalID)
}

func (s *Service) GetOrganization(ctx context.Context, orgID string) (store.Organization, error) {
	return s.store.GetOrganization(ctx, orgID)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SyncOverview reports mirror queue depth by status.
func (s *Service) SyncOverview(ctx context.Context) (map[string]int, error) {
	counts, err := s.store.SyncCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, status := range []string{store.SyncPending, store.SyncSynced, store.SyncFailedRetryable, store.SyncFailedPermanent} {
		if _, ok := counts[status]; !ok {
			counts[status] = 0
		}
	}
	return counts, nil
}

func (s *Service) indexProposal(proposal store.Proposal) {
	if s.search != nil {
		s.search.IndexProposal(proposal)
	}
}

// Bootstrap seeds a demo organization on an empty database so the dashboard
// has something to show on first run.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.CountOrganizations(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	org := store.Organization{
		ID:          uuid.NewString(),
		Name:        "Acme Collective",
		Description: "Demo organization seeded on first run.",
		Status:      "active",
	}
	if err := s.store.InsertOrganization(ctx, org); err != nil {
		return err
	}

	seeds := []struct {
		Name  string
		Role  string
		Power int64
	}{
		{Name: "Avery", Role: "founder", Power: 50},
		{Name: "Bao", Role: "investor", Power: 30},
		{Name: "Carmen", Role: "employee", Power: 20},
	}
	for _, seed := range seeds {
		if err := s.store.InsertMember(ctx, store.Member{
			ID:          uuid.NewString(),
			OrgID:       org.ID,
			UserID:      uuid.NewString(),
			DisplayName: seed.Name,
			Role:        seed.Role,
			ShareCount:  seed.Power,
			VotingPower: decimal.NewFromInt(seed.Power),
		}); err != nil {
			return err
		}
	}
	log.Printf("voting: bootstrapped demo organization %s", org.ID)
	return nil
}
