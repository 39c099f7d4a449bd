package anchor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"boardroom/api/internal/store"
)

type syncStore interface {
	ClaimSyncJobs(ctx context.Context, lease time.Duration, limit int) ([]store.SyncJob, error)
	MarkSyncSynced(ctx context.Context, jobID int64) error
	MarkSyncFailed(ctx context.Context, jobID int64, nextAttempt time.Time, lastError string, permanent bool) error
	SyncCounts(ctx context.Context) (map[string]int, error)
	GetProposal(ctx context.Context, proposalID string) (store.Proposal, error)
	GetVote(ctx context.Context, voteID string) (store.Vote, error)
	SetProposalAnchorRef(ctx context.Context, proposalID, ref string) error
	SetVoteAnchorRef(ctx context.Context, voteID, ref string) error
}

// permanentError marks a failure that retrying cannot fix, independent of the
// attempt budget.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Synchronizer drains the sync queue with a small worker pool. Jobs are
// claimed with a lease, so several API nodes can run workers without
// processing a job twice.
type Synchronizer struct {
	store       syncStore
	client      Client
	workers     int
	maxAttempts int
	baseBackoff time.Duration
	poll        time.Duration
	now         func() time.Time
}

type Options struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	PollInterval time.Duration
}

func NewSynchronizer(syncStore syncStore, client Client, opts Options) *Synchronizer {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	return &Synchronizer{
		store:       syncStore,
		client:      client,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		baseBackoff: opts.BaseBackoff,
		poll:        opts.PollInterval,
		now:         time.Now,
	}
}

// Run polls for due jobs and fans them out to the workers until the context
// is cancelled.
func (s *Synchronizer) Run(ctx context.Context) {
	jobs := make(chan store.SyncJob)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				s.Process(ctx, job)
			}
		}()
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case <-ticker.C:
			claimed, err := s.store.ClaimSyncJobs(ctx, s.lease(), s.workers*4)
			if err != nil {
				log.Printf("anchor: claim sync jobs: %v", err)
				continue
			}
			for _, job := range claimed {
				select {
				case jobs <- job:
				case <-ctx.Done():
					close(jobs)
					wg.Wait()
					return
				}
			}
		}
	}
}

// lease must outlast the slowest plausible mirror attempt so another node
// does not re-claim a job mid-flight.
func (s *Synchronizer) lease() time.Duration {
	return 2 * time.Minute
}

// Process mirrors one claimed job and records the outcome.
func (s *Synchronizer) Process(ctx context.Context, job store.SyncJob) {
	ref, err := s.mirror(ctx, job)
	if err != nil {
		s.recordFailure(ctx, job, err)
		return
	}
	if err := s.MarkSyncedWithRef(ctx, job, ref); err != nil {
		log.Printf("anchor: record success for %s %s: %v", job.EntityType, job.EntityID, err)
		return
	}
	recordAttempt(job.EntityType, "synced")
	log.Printf("anchor: mirrored %s %s as %s", job.EntityType, job.EntityID, ref)
}

// MarkSyncedWithRef stores the remote reference on the entity and closes the
// job. Writing the ref first keeps a crash between the two writes harmless:
// the retry re-mirrors and overwrites the ref.
func (s *Synchronizer) MarkSyncedWithRef(ctx context.Context, job store.SyncJob, ref string) error {
	var err error
	switch job.EntityType {
	case store.EntityProposal:
		err = s.store.SetProposalAnchorRef(ctx, job.EntityID, ref)
	case store.EntityVote:
		err = s.store.SetVoteAnchorRef(ctx, job.EntityID, ref)
	}
	if err != nil {
		return fmt.Errorf("store anchor ref: %w", err)
	}
	return s.store.MarkSyncSynced(ctx, job.ID)
}

func (s *Synchronizer) mirror(ctx context.Context, job store.SyncJob) (string, error) {
	switch job.EntityType {
	case store.EntityProposal:
		return s.mirrorProposal(ctx, job.EntityID)
	case store.EntityVote:
		return s.mirrorVote(ctx, job.EntityID)
	}
	return "", permanentError{fmt.Errorf("unknown entity type %q", job.EntityType)}
}

func (s *Synchronizer) mirrorProposal(ctx context.Context, proposalID string) (string, error) {
	proposal, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return "", fmt.Errorf("load proposal: %w", err)
	}
	return s.client.CreateRecord(ctx, map[string]any{
		"kind":              "proposal",
		"id":                proposal.ID,
		"orgId":             proposal.OrgID,
		"title":             proposal.Title,
		"category":          proposal.Category,
		"approvalThreshold": proposal.ApprovalThreshold.String(),
		"quorumRequired":    proposal.QuorumRequired.String(),
		"votingStartsAt":    proposal.VotingStartsAt.UTC().Format(time.RFC3339),
		"votingEndsAt":      proposal.VotingEndsAt.UTC().Format(time.RFC3339),
	})
}

// mirrorVote appends under the proposal's anchor record. Until the proposal
// itself is mirrored there is no parent to append to, so the vote stays
// retryable and drains after the proposal job succeeds.
func (s *Synchronizer) mirrorVote(ctx context.Context, voteID string) (string, error) {
	vote, err := s.store.GetVote(ctx, voteID)
	if err != nil {
		return "", fmt.Errorf("load vote: %w", err)
	}
	proposal, err := s.store.GetProposal(ctx, vote.ProposalID)
	if err != nil {
		return "", fmt.Errorf("load vote proposal: %w", err)
	}
	if proposal.AnchorRef == "" {
		return "", fmt.Errorf("proposal %s not yet mirrored", proposal.ID)
	}
	return s.client.AppendRecord(ctx, proposal.AnchorRef, map[string]any{
		"kind":        "vote",
		"id":          vote.ID,
		"proposalId":  vote.ProposalID,
		"choice":      vote.Choice,
		"votingPower": vote.VotingPower.String(),
		"castAt":      vote.CastAt.UTC().Format(time.RFC3339),
	})
}

func (s *Synchronizer) recordFailure(ctx context.Context, job store.SyncJob, cause error) {
	attempts := job.Attempts + 1
	_, isPermanent := cause.(permanentError)
	permanent := isPermanent || attempts >= s.maxAttempts

	nextAttempt := s.now().UTC().Add(backoff(s.baseBackoff, attempts))
	if err := s.store.MarkSyncFailed(ctx, job.ID, nextAttempt, cause.Error(), permanent); err != nil {
		log.Printf("anchor: record failure for %s %s: %v", job.EntityType, job.EntityID, err)
		return
	}
	if permanent {
		recordAttempt(job.EntityType, "failed_permanent")
		log.Printf("anchor: giving up on %s %s after %d attempts: %v", job.EntityType, job.EntityID, attempts, cause)
		return
	}
	recordAttempt(job.EntityType, "failed_retryable")
	log.Printf("anchor: mirror %s %s failed (attempt %d), retry at %s: %v",
		job.EntityType, job.EntityID, attempts, nextAttempt.Format(time.RFC3339), cause)
}

// backoff doubles per attempt, capped at ten minutes.
func backoff(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts && delay < 10*time.Minute; i++ {
		delay *= 2
	}
	if delay > 10*time.Minute {
		delay = 10 * time.Minute
	}
	return delay
}

// Reconcile periodically publishes queue depth by status, for dashboards and
// alerting on a growing failed_permanent count.
func (s *Synchronizer) Reconcile(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts, err := s.store.SyncCounts(ctx)
			if err != nil {
				log.Printf("anchor: sync counts: %v", err)
				continue
			}
			setQueueGauges(counts)
			if counts[store.SyncFailedPermanent] > 0 {
				log.Printf("anchor: %d entities permanently failed to mirror", counts[store.SyncFailedPermanent])
			}
		}
	}
}
