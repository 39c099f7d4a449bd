// Package member resolves organization membership and voting power. The
// membership table is owned by the onboarding flow; everything here is
// read-only.
package member

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"boardroom/api/internal/store"
)

// Resolver answers the three membership questions the voting engine needs.
// Implementations must never guess: a lookup failure is an error, not a zero.
type Resolver interface {
	IsMember(ctx context.Context, orgID, userID string) (bool, error)
	GetVotingPower(ctx context.Context, orgID, userID string) (decimal.Decimal, error)
	TotalEligiblePower(ctx context.Context, orgID string) (decimal.Decimal, error)
}

// ErrNotMember is returned by GetVotingPower when the user has no active
// membership in the organization.
var ErrNotMember = errors.New("not a member")

type PostgresResolver struct {
	db *sql.DB
}

func NewPostgresResolver(db *sql.DB) *PostgresResolver {
	return &PostgresResolver{db: db}
}

func (r *PostgresResolver) IsMember(ctx context.Context, orgID, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM members
			WHERE org_id=$1 AND user_id=$2 AND removed_at IS NULL
		)
	`, orgID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check membership: %w", err)
	}
	return exists, nil
}

func (r *PostgresResolver) GetVotingPower(ctx context.Context, orgID, userID string) (decimal.Decimal, error) {
	var power decimal.Decimal
	err := r.db.QueryRowContext(ctx, `
		SELECT voting_power FROM members
		WHERE org_id=$1 AND user_id=$2 AND removed_at IS NULL
	`, orgID, userID).Scan(&power)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, ErrNotMember
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("read voting power: %w", err)
	}
	return power, nil
}

func (r *PostgresResolver) TotalEligiblePower(ctx context.Context, orgID string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(voting_power), 0) FROM members
		WHERE org_id=$1 AND removed_at IS NULL
	`, orgID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum eligible power: %w", err)
	}
	return total, nil
}

// ListMembers backs the read-only membership view on the org screen.
func (r *PostgresResolver) ListMembers(ctx context.Context, orgID string) ([]store.Member, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, org_id, user_id, display_name, role, share_count, voting_power, joined_at, removed_at
		FROM members
		WHERE org_id=$1 AND removed_at IS NULL
		ORDER BY voting_power DESC, display_name ASC
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]store.Member, 0)
	for rows.Next() {
		var item store.Member
		if err := rows.Scan(
			&item.ID,
			&item.OrgID,
			&item.UserID,
			&item.DisplayName,
			&item.Role,
			&item.ShareCount,
			&item.VotingPower,
			&item.JoinedAt,
			&item.RemovedAt,
		); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}
