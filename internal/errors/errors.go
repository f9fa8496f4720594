// internal/errors/errors.go
package appErrors

import "fmt"

// ErrCampaignNotFound is a sentinel error
type ErrCampaignNotFound struct {
	CampaignID int
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// ValidationError rejects a bad campaign config before anything is queued.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func NewValidation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ErrNoRecipients is returned when the combined recipient set is empty.
type ErrNoRecipients struct{}

func (e *ErrNoRecipients) Error() string { return "campaign has no recipients" }

// ErrNoAccounts is returned when no sending accounts were supplied.
type ErrNoAccounts struct{}

func (e *ErrNoAccounts) Error() string { return "campaign has no sending accounts" }

// ErrInvalidAccount is returned when an account is inactive or not owned
// by the campaign's workspace.
type ErrInvalidAccount struct {
	AccountID int
}

func (e *ErrInvalidAccount) Error() string {
	return fmt.Sprintf("account %d is inactive or not owned by this workspace", e.AccountID)
}

func NewInvalidAccount(id int) error {
	return &ErrInvalidAccount{AccountID: id}
}

// IsUserError reports whether err should surface as a 400 rather than a 500.
func IsUserError(err error) bool {
	switch err.(type) {
	case *ValidationError, *ErrNoRecipients, *ErrNoAccounts, *ErrInvalidAccount:
		return true
	}
	return false
}
