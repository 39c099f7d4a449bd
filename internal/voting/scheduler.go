package voting

import (
	"context"
	"log"
	"time"

	"boardroom/api/internal/broadcast"
)

const expiryBatchSize = 50

// Scheduler periodically activates due drafts and evaluates expired active
// proposals. Evaluation is idempotent, so overlapping instances on several
// API nodes are harmless.
type Scheduler struct {
	service  *Service
	interval time.Duration
}

func NewScheduler(service *Service, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Scheduler{service: service, interval: interval}
}

func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	activated, err := s.service.ActivateDue(ctx)
	if err != nil {
		log.Printf("scheduler: activate due proposals: %v", err)
	} else if len(activated) > 0 {
		log.Printf("scheduler: activated %d proposals", len(activated))
	}

	expired, err := s.service.store.ListExpiredActive(ctx, expiryBatchSize)
	if err != nil {
		log.Printf("scheduler: list expired proposals: %v", err)
		return
	}
	for _, proposalID := range expired {
		transition, err := s.service.EvaluateExpiry(ctx, proposalID)
		if err != nil {
			// Deferred: the proposal stays active and gets retried next tick.
			log.Printf("scheduler: evaluate proposal %s: %v", proposalID, err)
			continue
		}
		if transition.Performed {
			log.Printf("scheduler: proposal %s %s -> %s", proposalID, transition.From, transition.To)
		}
	}
}

// ActivateDue opens every draft whose window has started and announces each.
func (s *Service) ActivateDue(ctx context.Context) ([]string, error) {
	activated, err := s.store.ActivateDueProposals(ctx)
	if err != nil {
		return nil, err
	}
	for _, proposalID := range activated {
		proposal, err := s.store.GetProposal(ctx, proposalID)
		if err != nil {
			log.Printf("voting: load activated proposal %s: %v", proposalID, err)
			continue
		}
		s.events.Publish(ctx, broadcast.Event{
			Type:       broadcast.EventProposalStateChanged,
			ProposalID: proposal.ID,
			OrgID:      proposal.OrgID,
			Payload:    map[string]any{"status": proposal.Status},
		})
		s.indexProposal(proposal)
	}
	return activated, nil
}
