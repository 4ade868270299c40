package operator

import (
	"context"
	"fmt"
)

// Question keys understood by every backend.
const (
	SourceURLQuestion           = "source_url"
	IdentifierQuestion          = "identifier"
	SourcePasswordQuestion      = "source_password"
	AuthFactorTokenQuestion     = "auth_factor_token"
	DestinationURLQuestion      = "destination_url"
	EmailQuestion               = "email"
	HandleQuestion              = "handle"
	DestinationPasswordQuestion = "destination_password"
	InviteCodeQuestion          = "invite_code"
	IdentityTokenQuestion       = "identity_token"
)

// Confirmation keys understood by every backend.
const (
	RecoveryKeySavedConfirmation   = "recovery_key_saved"
	WebDocumentUpdatedConfirmation = "web_document_updated"
	FinalizeConfirmation           = "finalize"
)

const missingAnswerErrorTemplateConstant = "no answer available for %q"

// Question describes one value requested from the operator.
type Question struct {
	Key      string
	Label    string
	Secret   bool
	Optional bool
	Default  string
}

// Interaction is the human side of a migration. Implementations never see account
// state beyond what is passed to them.
type Interaction interface {
	Prompt(promptContext context.Context, question Question) (string, error)
	Confirm(promptContext context.Context, key string, prompt string) (bool, error)
	RevealSecret(promptContext context.Context, label string, secret string) error
	Notify(message string)
}

// MissingAnswerError reports a required answer the operator did not provide.
type MissingAnswerError struct {
	Key string
}

// Error describes the missing answer.
func (missingAnswerError MissingAnswerError) Error() string {
	return fmt.Sprintf(missingAnswerErrorTemplateConstant, missingAnswerError.Key)
}
