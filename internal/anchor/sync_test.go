package anchor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"boardroom/api/internal/store"
)

type fakeSyncStore struct {
	getProposalFn          func(context.Context, string) (store.Proposal, error)
	getVoteFn              func(context.Context, string) (store.Vote, error)
	setProposalAnchorRefFn func(context.Context, string, string) error
	setVoteAnchorRefFn     func(context.Context, string, string) error
	markSyncedFn           func(context.Context, int64) error
	markFailedFn           func(context.Context, int64, time.Time, string, bool) error
}

func (f *fakeSyncStore) ClaimSyncJobs(context.Context, time.Duration, int) ([]store.SyncJob, error) {
	return nil, nil
}
func (f *fakeSyncStore) MarkSyncSynced(ctx context.Context, jobID int64) error {
	if f.markSyncedFn != nil {
		return f.markSyncedFn(ctx, jobID)
	}
	return nil
}
func (f *fakeSyncStore) MarkSyncFailed(ctx context.Context, jobID int64, nextAttempt time.Time, lastError string, permanent bool) error {
	if f.markFailedFn != nil {
		return f.markFailedFn(ctx, jobID, nextAttempt, lastError, permanent)
	}
	return nil
}
func (f *fakeSyncStore) SyncCounts(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}
func (f *fakeSyncStore) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	if f.getProposalFn != nil {
		return f.getProposalFn(ctx, proposalID)
	}
	return store.Proposal{
		ID:                proposalID,
		OrgID:             "org-1",
		Title:             "Mirror me",
		ApprovalThreshold: decimal.RequireFromString("0.6"),
		QuorumRequired:    decimal.RequireFromString("0.5"),
	}, nil
}
func (f *fakeSyncStore) GetVote(ctx context.Context, voteID string) (store.Vote, error) {
	if f.getVoteFn != nil {
		return f.getVoteFn(ctx, voteID)
	}
	return store.Vote{
		ID:          voteID,
		ProposalID:  "prop-1",
		Choice:      store.ChoiceFor,
		VotingPower: decimal.NewFromInt(30),
	}, nil
}
func (f *fakeSyncStore) SetProposalAnchorRef(ctx context.Context, proposalID, ref string) error {
	if f.setProposalAnchorRefFn != nil {
		return f.setProposalAnchorRefFn(ctx, proposalID, ref)
	}
	return nil
}
func (f *fakeSyncStore) SetVoteAnchorRef(ctx context.Context, voteID, ref string) error {
	if f.setVoteAnchorRefFn != nil {
		return f.setVoteAnchorRefFn(ctx, voteID, ref)
	}
	return nil
}

type fakeClient struct {
	createFn func(context.Context, map[string]any) (string, error)
	appendFn func(context.Context, string, map[string]any) (string, error)
}

func (f *fakeClient) CreateRecord(ctx context.Context, payload map[string]any) (string, error) {
	if f.createFn != nil {
		return f.createFn(ctx, payload)
	}
	return "ref-created", nil
}
func (f *fakeClient) AppendRecord(ctx context.Context, parentRef string, payload map[string]any) (string, error) {
	if f.appendFn != nil {
		return f.appendFn(ctx, parentRef, payload)
	}
	return "ref-appended", nil
}

func newTestSynchronizer(ss *fakeSyncStore, client Client) *Synchronizer {
	sync := NewSynchronizer(ss, client, Options{MaxAttempts: 3, BaseBackoff: time.Second})
	sync.now = func() time.Time { return time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC) }
	return sync
}

func TestProcessProposalStoresRefAndMarksSynced(t *testing.T) {
	var storedRef string
	var syncedJob int64
	ss := &fakeSyncStore{
		setProposalAnchorRefFn: func(_ context.Context, proposalID, ref string) error {
			storedRef = ref
			return nil
		},
		markSyncedFn: func(_ context.Context, jobID int64) error {
			syncedJob = jobID
			return nil
		},
	}
	client := &fakeClient{
		createFn: func(_ context.Context, payload map[string]any) (string, error) {
			if payload["kind"] != "proposal" {
				t.Fatalf("expected proposal payload, got %v", payload["kind"])
			}
			return "QmProposalHash", nil
		},
	}
	sync := newTestSynchronizer(ss, client)

	sync.Process(context.Background(), store.SyncJob{ID: 7, EntityType: store.EntityProposal, EntityID: "prop-1"})

	if storedRef != "QmProposalHash" {
		t.Fatalf("stored ref = %q, want QmProposalHash", storedRef)
	}
	if syncedJob != 7 {
		t.Fatalf("marked job = %d, want 7", syncedJob)
	}
}

func TestProcessVoteAppendsUnderProposalRef(t *testing.T) {
	ss := &fakeSyncStore{
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			return store.Proposal{ID: proposalID, AnchorRef: "QmParent"}, nil
		},
	}
	var parent string
	client := &fakeClient{
		appendFn: func(_ context.Context, parentRef string, payload map[string]any) (string, error) {
			parent = parentRef
			return "QmVoteHash", nil
		},
	}
	sync := newTestSynchronizer(ss, client)

	sync.Process(context.Background(), store.SyncJob{ID: 8, EntityType: store.EntityVote, EntityID: "vote-1"})

	if parent != "QmParent" {
		t.Fatalf("append parent = %q, want QmParent", parent)
	}
}

func TestProcessVoteWithoutMirroredProposalStaysRetryable(t *testing.T) {
	ss := &fakeSyncStore{
		getProposalFn: func(_ context.Context, proposalID string) (store.Proposal, error) {
			return store.Proposal{ID: proposalID}, nil
		},
	}
	var failedPermanent bool
	var gotNext time.Time
	ss.markFailedFn = func(_ context.Context, _ int64, nextAttempt time.Time, _ string, permanent bool) error {
		failedPermanent = permanent
		gotNext = nextAttempt
		return nil
	}
	sync := newTestSynchronizer(ss, &fakeClient{})

	sync.Process(context.Background(), store.SyncJob{ID: 9, EntityType: store.EntityVote, EntityID: "vote-1"})

	if failedPermanent {
		t.Fatalf("missing parent must stay retryable")
	}
	if !gotNext.After(sync.now()) {
		t.Fatalf("next attempt %s must be in the future", gotNext)
	}
}

func TestProcessExhaustedAttemptsGoPermanent(t *testing.T) {
	var failedPermanent bool
	ss := &fakeSyncStore{
		markFailedFn: func(_ context.Context, _ int64, _ time.Time, _ string, permanent bool) error {
			failedPermanent = permanent
			return nil
		},
	}
	client := &fakeClient{
		createFn: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("anchor service down")
		},
	}
	sync := newTestSynchronizer(ss, client)

	// Attempt budget is 3; this failure is attempt 3.
	sync.Process(context.Background(), store.SyncJob{
		ID:         10,
		EntityType: store.EntityProposal,
		EntityID:   "prop-1",
		Attempts:   2,
	})

	if !failedPermanent {
		t.Fatalf("expected permanent failure after exhausting attempts")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 5 * time.Second
	if got := backoff(base, 1); got != 5*time.Second {
		t.Fatalf("attempt 1 backoff = %s", got)
	}
	if got := backoff(base, 3); got != 20*time.Second {
		t.Fatalf("attempt 3 backoff = %s", got)
	}
	if got := backoff(base, 20); got != 10*time.Minute {
		t.Fatalf("backoff must cap at ten minutes, got %s", got)
	}
}
