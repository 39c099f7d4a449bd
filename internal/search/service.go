package search

import (
	"context"
	"log"

	"boardroom/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to the
// Postgres searcher.
type Service struct {
	meili *Meili
	pg    *PgSearch
}

// NewService creates a search service. meili may be nil if Meilisearch is
// not configured.
func NewService(meili *Meili, pg *PgSearch) *Service {
	return &Service{meili: meili, pg: pg}
}

// Search tries Meilisearch if healthy, otherwise falls back to Postgres.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to postgres: %v", err)
	}

	results, total, err := s.pg.Search(q)
	if err != nil {
		log.Printf("search: postgres error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexProposal pushes a proposal into Meilisearch, fire-and-forget. The
// index is a convenience view; the database stays authoritative.
func (s *Service) IndexProposal(proposal store.Proposal) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := toRecord(proposal)
	go func() {
		if err := s.meili.IndexProposal(record); err != nil {
			log.Printf("search: index proposal %s: %v", record.ID, err)
		}
	}()
}

// DeleteProposal removes a proposal from the index, fire-and-forget.
func (s *Service) DeleteProposal(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteProposal(id); err != nil {
			log.Printf("search: delete proposal %s: %v", id, err)
		}
	}()
}

// ReindexAll reads every proposal from Postgres and pushes the batch into
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pg == nil {
		return
	}
	records, err := s.pg.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexProposals(records); err != nil {
		log.Printf("search: reindex proposals: %v", err)
	}
}

func toRecord(proposal store.Proposal) ProposalRecord {
	return ProposalRecord{
		ID:          proposal.ID,
		OrgID:       proposal.OrgID,
		Title:       proposal.Title,
		Description: proposal.Description,
		Category:    proposal.Category,
		Status:      proposal.Status,
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
