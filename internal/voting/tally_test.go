package voting

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"boardroom/api/internal/store"
)

type countingSource struct {
	rows  []store.TallyRow
	calls int
}

func (s *countingSource) TallyVotes(context.Context, string) ([]store.TallyRow, error) {
	s.calls++
	return s.rows, nil
}

type hookedSource struct {
	rows         []store.TallyRow
	calls        int
	onLedgerRead func()
}

func (s *hookedSource) TallyVotes(context.Context, string) ([]store.TallyRow, error) {
	s.calls++
	rows := s.rows
	if s.onLedgerRead != nil {
		hook := s.onLedgerRead
		s.onLedgerRead = nil
		hook()
	}
	return rows, nil
}

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestComputeTallySumsLedgerRows(t *testing.T) {
	source := &countingSource{rows: []store.TallyRow{
		{Choice: store.ChoiceFor, Power: dec("50"), Count: 1},
		{Choice: store.ChoiceAgainst, Power: dec("30"), Count: 1},
		{Choice: store.ChoiceAbstain, Power: dec("20"), Count: 2},
	}}
	agg := NewAggregator(source, nil)

	tally, err := agg.ComputeTally(context.Background(), "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally: %v", err)
	}
	if !tally.For.Equal(dec("50")) || !tally.Against.Equal(dec("30")) || !tally.Abstain.Equal(dec("20")) {
		t.Fatalf("unexpected tally %s/%s/%s", tally.For, tally.Against, tally.Abstain)
	}
	if !tally.CastPower().Equal(dec("100")) {
		t.Fatalf("cast power = %s, want 100", tally.CastPower())
	}
	if !tally.DecisivePower().Equal(dec("80")) {
		t.Fatalf("decisive power = %s, want 80", tally.DecisivePower())
	}
	if tally.VoterCount != 4 {
		t.Fatalf("voter count = %d, want 4", tally.VoterCount)
	}
}

func TestComputeTallyCachedEqualsRecomputed(t *testing.T) {
	source := &countingSource{rows: []store.TallyRow{
		{Choice: store.ChoiceFor, Power: dec("12.5"), Count: 3},
	}}
	agg := NewAggregator(source, testRedis(t))
	ctx := context.Background()

	first, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally: %v", err)
	}
	cached, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally cached: %v", err)
	}
	if source.calls != 1 {
		t.Fatalf("expected a single ledger read, got %d", source.calls)
	}

	recomputed, err := agg.Recompute(ctx, "prop-1")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	for _, tally := range []Tally{first, cached, recomputed} {
		if !tally.For.Equal(dec("12.5")) || tally.VoterCount != 3 {
			t.Fatalf("cache and ledger disagree: %+v", tally)
		}
	}
}

func TestInvalidateForcesLedgerRead(t *testing.T) {
	source := &countingSource{rows: []store.TallyRow{
		{Choice: store.ChoiceFor, Power: dec("10"), Count: 1},
	}}
	agg := NewAggregator(source, testRedis(t))
	ctx := context.Background()

	if _, err := agg.ComputeTally(ctx, "prop-1"); err != nil {
		t.Fatalf("ComputeTally: %v", err)
	}
	agg.Invalidate(ctx, "prop-1")

	source.rows = append(source.rows, store.TallyRow{Choice: store.ChoiceAgainst, Power: dec("5"), Count: 1})
	tally, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally after invalidate: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("expected a fresh ledger read after invalidation, got %d calls", source.calls)
	}
	if !tally.Against.Equal(dec("5")) {
		t.Fatalf("stale tally after invalidation: %+v", tally)
	}
}

func TestVoteDuringRecomputeIsNotMaskedByCache(t *testing.T) {
	source := &hookedSource{rows: []store.TallyRow{
		{Choice: store.ChoiceFor, Power: dec("10"), Count: 1},
	}}
	agg := NewAggregator(source, testRedis(t))
	ctx := context.Background()

	// A vote lands while the first recompute is reading the ledger.
	source.onLedgerRead = func() {
		source.rows = append(source.rows, store.TallyRow{Choice: store.ChoiceAgainst, Power: dec("5"), Count: 1})
		agg.Invalidate(ctx, "prop-1")
	}

	stale, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally: %v", err)
	}
	if !stale.Against.IsZero() {
		t.Fatalf("first compute should predate the concurrent vote, got against=%s", stale.Against)
	}

	fresh, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally after concurrent vote: %v", err)
	}
	if source.calls != 2 {
		t.Fatalf("stale result was cached over the concurrent vote, calls=%d", source.calls)
	}
	if !fresh.Against.Equal(dec("5")) {
		t.Fatalf("expected the concurrent vote in the tally, got against=%s", fresh.Against)
	}
}

func TestCachedTallyIgnoredOnKeyMismatch(t *testing.T) {
	source := &countingSource{rows: []store.TallyRow{
		{Choice: store.ChoiceFor, Power: dec("1"), Count: 1},
	}}
	client := testRedis(t)
	agg := NewAggregator(source, client)
	ctx := context.Background()

	// A corrupt value under the key must fall through to the ledger.
	if err := client.Set(ctx, tallyKey("prop-1"), "{not json", 0).Err(); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	tally, err := agg.ComputeTally(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ComputeTally: %v", err)
	}
	if source.calls != 1 || !tally.For.Equal(dec("1")) {
		t.Fatalf("expected ledger fallback, calls=%d tally=%+v", source.calls, tally)
	}
}
