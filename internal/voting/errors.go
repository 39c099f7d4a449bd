package voting

import (
	"fmt"
	"net/http"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func errProposalNotActive(status string) *DomainError {
	return domainError(http.StatusConflict, "PROPOSAL_NOT_ACTIVE",
		"Proposal is not open for voting", map[string]any{"status": status})
}

func errWindowClosed() *DomainError {
	return domainError(http.StatusConflict, "WINDOW_CLOSED", "Voting window has closed", nil)
}

func errNotAMember() *DomainError {
	return domainError(http.StatusForbidden, "NOT_A_MEMBER",
		"Caller is not a member of this organization", nil)
}

// Expected outcome on client retry after a timeout, not a system failure.
func errAlreadyVoted() *DomainError {
	return domainError(http.StatusConflict, "ALREADY_VOTED",
		"A vote for this proposal has already been recorded", nil)
}

func errInvalidChoice(choice string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "INVALID_CHOICE",
		"Choice must be one of for, against, abstain", map[string]any{"choice": choice})
}
