package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const proposalColumns = `
	id, org_id, author_id, title, description, category, status,
	approval_threshold, quorum_required, voting_starts_at, voting_ends_at,
	COALESCE(anchor_ref, ''), closed_at, created_at, updated_at
`

func scanProposal(row interface{ Scan(...any) error }) (Proposal, error) {
	var item Proposal
	err := row.Scan(
		&item.ID,
		&item.OrgID,
		&item.AuthorID,
		&item.Title,
		&item.Description,
		&item.Category,
		&item.Status,
		&item.ApprovalThreshold,
		&item.QuorumRequired,
		&item.VotingStartsAt,
		&item.VotingEndsAt,
		&item.AnchorRef,
		&item.ClosedAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

// InsertProposal persists a proposal and its pending mirror job in one
// transaction, so a crash between the two cannot lose the mirror.
func (s *PostgresStore) InsertProposal(ctx context.Context, proposal Proposal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert proposal: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO proposals (id, org_id, author_id, title, description, category, status,
			approval_threshold, quorum_required, voting_starts_at, voting_ends_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, proposal.ID, proposal.OrgID, proposal.AuthorID, proposal.Title, proposal.Description,
		proposal.Category, proposal.Status, proposal.ApprovalThreshold, proposal.QuorumRequired,
		proposal.VotingStartsAt, proposal.VotingEndsAt); err != nil {
		return fmt.Errorf("insert proposal: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_status (entity_type, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`, EntityProposal, proposal.ID); err != nil {
		return fmt.Errorf("enqueue proposal mirror: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert proposal: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, proposalID string) (Proposal, error) {
	item, err := scanProposal(s.db.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id=$1`, proposalID))
	if err != nil {
		return Proposal{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListProposals(ctx context.Context, orgID, status string) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+proposalColumns+`
		FROM proposals
		WHERE org_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
	`, orgID, status)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	items := make([]Proposal, 0)
	for rows.Next() {
		item, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return items, nil
}

// TransitionProposal moves a proposal from one state to another. The WHERE
// clause on the current state is the single-writer gate: under concurrent
// evaluation exactly one caller sees rows-affected > 0.
func (s *PostgresStore) TransitionProposal(ctx context.Context, proposalID, from, to string) (bool, error) {
	closeRow := TerminalStatus(to)
	result, err := s.db.ExecContext(ctx, `
		UPDATE proposals
		SET status=$3,
			closed_at=CASE WHEN $4::boolean THEN NOW() ELSE closed_at END,
			updated_at=NOW()
		WHERE id=$1 AND status=$2
	`, proposalID, from, to, closeRow)
	if err != nil {
		return false, fmt.Errorf("transition proposal: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition proposal rows: %w", err)
	}
	return affected > 0, nil
}

// ActivateDueProposals flips every draft whose window has opened and returns
// the affected IDs so the caller can broadcast the state changes.
func (s *PostgresStore) ActivateDueProposals(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE proposals
		SET status=$1, updated_at=NOW()
		WHERE status=$2 AND voting_starts_at <= NOW()
		RETURNING id
	`, StatusActive, StatusDraft)
	if err != nil {
		return nil, fmt.Errorf("activate due proposals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan activated proposal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activated proposals: %w", err)
	}
	return ids, nil
}

// ListExpiredActive returns active proposals whose voting window has ended.
func (s *PostgresStore) ListExpiredActive(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM proposals
		WHERE status=$1 AND voting_ends_at <= NOW()
		ORDER BY voting_ends_at ASC
		LIMIT $2
	`, StatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired proposals: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expired proposal: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired proposals: %w", err)
	}
	return ids, nil
}

// InsertVote records a vote and its pending mirror job in one transaction.
// The optimistic insert is the uniqueness check: a constraint violation on
// (proposal_id, voter_id) surfaces as ErrDuplicateVote.
func (s *PostgresStore) InsertVote(ctx context.Context, vote Vote) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert vote: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO votes (id, proposal_id, voter_id, choice, voting_power, rationale, cast_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, vote.ID, vote.ProposalID, vote.VoterID, vote.Choice, vote.VotingPower, vote.Rationale, vote.CastAt); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateVote
		}
		return fmt.Errorf("insert vote: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_status (entity_type, entity_id)
		VALUES ($1, $2)
		ON CONFLICT (entity_type, entity_id) DO NOTHING
	`, EntityVote, vote.ID); err != nil {
		return fmt.Errorf("enqueue vote mirror: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert vote: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVote(ctx context.Context, voteID string) (Vote, error) {
	var item Vote
	err := s.db.QueryRowContext(ctx, `
		SELECT id, proposal_id, voter_id, choice, voting_power, rationale, COALESCE(anchor_ref, ''), cast_at
		FROM votes
		WHERE id=$1
	`, voteID).Scan(
		&item.ID,
		&item.ProposalID,
		&item.VoterID,
		&item.Choice,
		&item.VotingPower,
		&item.Rationale,
		&item.AnchorRef,
		&item.CastAt,
	)
	if err != nil {
		return Vote{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proposal_id, voter_id, choice, voting_power, rationale, COALESCE(anchor_ref, ''), cast_at
		FROM votes
		WHERE proposal_id=$1
		ORDER BY cast_at ASC
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list votes: %w", err)
	}
	defer rows.Close()

	items := make([]Vote, 0)
	for rows.Next() {
		var item Vote
		if err := rows.Scan(
			&item.ID,
			&item.ProposalID,
			&item.VoterID,
			&item.Choice,
			&item.VotingPower,
			&item.Rationale,
			&item.AnchorRef,
			&item.CastAt,
		); err != nil {
			return nil, fmt.Errorf("scan vote: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate votes: %w", err)
	}
	return items, nil
}

// TallyVotes aggregates captured power and voter counts per choice straight
// from the ledger rows.
func (s *PostgresStore) TallyVotes(ctx context.Context, proposalID string) ([]TallyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT choice, COALESCE(SUM(voting_power), 0), COUNT(*)::int
		FROM votes
		WHERE proposal_id=$1
		GROUP BY choice
	`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("tally votes: %w", err)
	}
	defer rows.Close()

	items := make([]TallyRow, 0, 3)
	for rows.Next() {
		var item TallyRow
		if err := rows.Scan(&item.Choice, &item.Power, &item.Count); err != nil {
			return nil, fmt.Errorf("scan tally row: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tally rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SetProposalAnchorRef(ctx context.Context, proposalID, ref string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE proposals SET anchor_ref=$2, updated_at=NOW() WHERE id=$1
	`, proposalID, ref)
	if err != nil {
		return fmt.Errorf("set proposal anchor ref: %w", err)
	}
	return nil
}

func (s *PostgresStore) SetVoteAnchorRef(ctx context.Context, voteID, ref string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE votes SET anchor_ref=$2 WHERE id=$1`, voteID, ref)
	if err != nil {
		return fmt.Errorf("set vote anchor ref: %w", err)
	}
	return nil
}

// ClaimSyncJobs atomically leases due mirror jobs. FOR UPDATE SKIP LOCKED plus
// the claimed_until lease keeps horizontally scaled workers from double
// mirroring the same entity.
func (s *PostgresStore) ClaimSyncJobs(ctx context.Context, lease time.Duration, limit int) ([]SyncJob, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sync_status
		SET claimed_until = NOW() + $1::interval, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM sync_status
			WHERE status IN ($2, $3)
			  AND next_attempt_at <= NOW()
			  AND claimed_until <= NOW()
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, entity_type, entity_id, status, attempts, next_attempt_at, last_attempt_at, last_error, created_at
	`, fmt.Sprintf("%d seconds", int(lease.Seconds())), SyncPending, SyncFailedRetryable, limit)
	if err != nil {
		return nil, fmt.Errorf("claim sync jobs: %w", err)
	}
	defer rows.Close()

	items := make([]SyncJob, 0, limit)
	for rows.Next() {
		var item SyncJob
		if err := rows.Scan(
			&item.ID,
			&item.EntityType,
			&item.EntityID,
			&item.Status,
			&item.Attempts,
			&item.NextAttemptAt,
			&item.LastAttemptAt,
			&item.LastError,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan sync job: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync jobs: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MarkSyncSynced(ctx context.Context, jobID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_status
		SET status=$2, attempts=attempts+1, last_attempt_at=NOW(), last_error='',
			claimed_until=TIMESTAMPTZ 'epoch', updated_at=NOW()
		WHERE id=$1
	`, jobID, SyncSynced)
	if err != nil {
		return fmt.Errorf("mark sync synced: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSyncFailed(ctx context.Context, jobID int64, nextAttempt time.Time, lastError string, permanent bool) error {
	status := SyncFailedRetryable
	if permanent {
		status = SyncFailedPermanent
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_status
		SET status=$2, attempts=attempts+1, next_attempt_at=$3, last_attempt_at=NOW(),
			last_error=$4, claimed_until=TIMESTAMPTZ 'epoch', updated_at=NOW()
		WHERE id=$1
	`, jobID, status, nextAttempt, lastError)
	if err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}
	return nil
}

// SyncCounts reports how many mirror jobs sit in each status. Observability
// signal only, never a correctness gate.
func (s *PostgresStore) SyncCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)::int FROM sync_status GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("sync counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan sync count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync counts: %w", err)
	}
	return counts, nil
}

// GetSyncStatus returns the mirror record for one entity, or sql.ErrNoRows.
func (s *PostgresStore) GetSyncStatus(ctx context.Context, entityType, entityID string) (SyncJob, error) {
	var item SyncJob
	err := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, entity_id, status, attempts, next_attempt_at, last_attempt_at, last_error, created_at
		FROM sync_status
		WHERE entity_type=$1 AND entity_id=$2
	`, entityType, entityID).Scan(
		&item.ID,
		&item.EntityType,
		&item.EntityID,
		&item.Status,
		&item.Attempts,
		&item.NextAttemptAt,
		&item.LastAttemptAt,
		&item.LastError,
		&item.CreatedAt,
	)
	if err != nil {
		return SyncJob{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertOrganization(ctx context.Context, org Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, description, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING
	`, org.ID, org.Name, org.Description, org.Status)
	if err != nil {
		return fmt.Errorf("insert organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, orgID string) (Organization, error) {
	var item Organization
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, status, created_at, updated_at
		FROM organizations
		WHERE id=$1
	`, orgID).Scan(&item.ID, &item.Name, &item.Description, &item.Status, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Organization{}, err
	}
	return item, nil
}

func (s *PostgresStore) CountOrganizations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM organizations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count organizations: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) InsertMember(ctx context.Context, member Member) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO members (id, org_id, user_id, display_name, role, share_count, voting_power)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (org_id, user_id) DO NOTHING
	`, member.ID, member.OrgID, member.UserID, member.DisplayName, member.Role, member.ShareCount, member.VotingPower)
	if err != nil {
		return fmt.Errorf("insert member: %w", err)
	}
	return nil
}
