package voting

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"boardroom/api/internal/store"
)

// Tally is a derived projection over the vote ledger. It is always
// recomputable from the ledger rows alone; the cache is a convenience and
// never a source of truth.
type Tally struct {
	ProposalID string          `json:"proposalId"`
	For        decimal.Decimal `json:"for"`
	Against    decimal.Decimal `json:"against"`
	Abstain    decimal.Decimal `json:"abstain"`
	VoterCount int             `json:"voterCount"`
	ComputedAt time.Time       `json:"computedAt"`
}

// CastPower is all weighted participation, abstentions included. Counts
// toward quorum.
func (t Tally) CastPower() decimal.Decimal {
	return t.For.Add(t.Against).Add(t.Abstain)
}

// DecisivePower is the for/against denominator for the approval threshold.
// Abstentions never count here.
func (t Tally) DecisivePower() decimal.Decimal {
	return t.For.Add(t.Against)
}

type tallySource interface {
	TallyVotes(ctx context.Context, proposalID string) ([]store.TallyRow, error)
}

// Aggregator computes weighted tallies, optionally caching them in Redis.
// Cache entries are invalidated on every new vote for the proposal.
type Aggregator struct {
	source tallySource
	cache  *redis.Client
	ttl    time.Duration
}

func NewAggregator(source tallySource, cache *redis.Client) *Aggregator {
	return &Aggregator{source: source, cache: cache, ttl: 30 * time.Second}
}

func tallyKey(proposalID string) string {
	return "tally:" + proposalID
}

func tallyGenKey(proposalID string) string {
	return "tally:" + proposalID + ":gen"
}

// ComputeTally returns the cached tally when present, recomputing from the
// ledger otherwise. Any cache failure degrades to a recompute.
//
// The fill is fenced on a per-proposal generation counter: a vote landing
// between the ledger read and the Set bumps the generation, and a stale
// result is then not cached.
func (a *Aggregator) ComputeTally(ctx context.Context, proposalID string) (Tally, error) {
	var gen string
	if a.cache != nil {
		raw, err := a.cache.Get(ctx, tallyKey(proposalID)).Result()
		if err == nil {
			var cached Tally
			if err := json.Unmarshal([]byte(raw), &cached); err == nil && cached.ProposalID == proposalID {
				return cached, nil
			}
		} else if err != redis.Nil {
			log.Printf("tally: cache read %s: %v", proposalID, err)
		}
		gen = a.generation(ctx, proposalID)
	}

	tally, err := a.Recompute(ctx, proposalID)
	if err != nil {
		return Tally{}, err
	}

	if a.cache != nil && gen != "" && a.generation(ctx, proposalID) == gen {
		if raw, err := json.Marshal(tally); err == nil {
			if err := a.cache.Set(ctx, tallyKey(proposalID), raw, a.ttl).Err(); err != nil {
				log.Printf("tally: cache write %s: %v", proposalID, err)
			}
		}
	}
	return tally, nil
}

// generation reads the invalidation counter for a proposal. An unreadable
// counter returns "" so the caller skips the cache fill.
func (a *Aggregator) generation(ctx context.Context, proposalID string) string {
	val, err := a.cache.Get(ctx, tallyGenKey(proposalID)).Result()
	if err == redis.Nil {
		return "0"
	}
	if err != nil {
		log.Printf("tally: generation read %s: %v", proposalID, err)
		return ""
	}
	return val
}

// Recompute always goes to the vote ledger, bypassing the cache.
func (a *Aggregator) Recompute(ctx context.Context, proposalID string) (Tally, error) {
	rows, err := a.source.TallyVotes(ctx, proposalID)
	if err != nil {
		return Tally{}, err
	}

	tally := Tally{
		ProposalID: proposalID,
		For:        decimal.Zero,
		Against:    decimal.Zero,
		Abstain:    decimal.Zero,
		ComputedAt: time.Now().UTC(),
	}
	for _, row := range rows {
		switch row.Choice {
		case store.ChoiceFor:
			tally.For = tally.For.Add(row.Power)
		case store.ChoiceAgainst:
			tally.Against = tally.Against.Add(row.Power)
		case store.ChoiceAbstain:
			tally.Abstain = tally.Abstain.Add(row.Power)
		}
		tally.VoterCount += row.Count
	}
	return tally, nil
}

// Invalidate drops the cached tally for a proposal. The generation bump
// must precede the delete so an in-flight ComputeTally sees it before
// filling the cache.
func (a *Aggregator) Invalidate(ctx context.Context, proposalID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Incr(ctx, tallyGenKey(proposalID)).Err(); err != nil {
		log.Printf("tally: generation bump %s: %v", proposalID, err)
	}
	if err := a.cache.Expire(ctx, tallyGenKey(proposalID), time.Hour).Err(); err != nil {
		log.Printf("tally: generation expire %s: %v", proposalID, err)
	}
	if err := a.cache.Del(ctx, tallyKey(proposalID)).Err(); err != nil {
		log.Printf("tally: cache invalidate %s: %v", proposalID, err)
	}
}
