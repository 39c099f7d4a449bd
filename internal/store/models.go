package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Proposal lifecycle states. Transitions out of draft and active go through
// conditional updates so only one caller wins.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPassed   = "passed"
	StatusRejected = "rejected"
	StatusExecuted = "executed"
	StatusClosed   = "closed"
)

// Vote choices. Anything else is rejected at the ledger boundary.
const (
	ChoiceFor     = "for"
	ChoiceAgainst = "against"
	ChoiceAbstain = "abstain"
)

// Sync statuses for mirrored entities. Pending and failed_retryable rows are
// the work queue; failed_permanent is surfaced to operators only.
const (
	SyncPending         = "pending"
	SyncSynced          = "synced"
	SyncFailedRetryable = "failed_retryable"
	SyncFailedPermanent = "failed_permanent"
)

const (
	EntityProposal = "proposal"
	EntityVote     = "vote"
)

type Organization struct {
	ID          string
	Name        string
	Description string
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Member struct {
	ID          string
	OrgID       string
	UserID      string
	DisplayName string
	Role        string
	ShareCount  int64
	VotingPower decimal.Decimal
	JoinedAt    time.Time
	RemovedAt   *time.Time
}

type Proposal struct {
	ID                string
	OrgID             string
	AuthorID          string
	Title             string
	Description       string
	Category          string
	Status            string
	ApprovalThreshold decimal.Decimal
	QuorumRequired    decimal.Decimal
	VotingStartsAt    time.Time
	VotingEndsAt      time.Time
	AnchorRef         string
	ClosedAt          *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Vote is immutable once recorded. VotingPower is the power captured at cast
// time, never a live re-lookup.
type Vote struct {
	ID          string
	ProposalID  string
	VoterID     string
	Choice      string
	VotingPower decimal.Decimal
	Rationale   string
	AnchorRef   string
	CastAt      time.Time
}

type SyncJob struct {
	ID            int64
	EntityType    string
	EntityID      string
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	LastAttemptAt *time.Time
	LastError     string
	CreatedAt     time.Time
}

// TallyRow is one grouped aggregate row from the vote ledger.
type TallyRow struct {
	Choice string
	Power  decimal.Decimal
	Count  int
}

func ValidChoice(choice string) bool {
	switch choice {
	case ChoiceFor, ChoiceAgainst, ChoiceAbstain:
		return true
	}
	return false
}

// TerminalStatus reports whether a proposal can no longer accept votes or
// lifecycle evaluation.
func TerminalStatus(status string) bool {
	switch status {
	case StatusPassed, StatusRejected, StatusExecuted, StatusClosed:
		return true
	}
	return false
}
