package migration

import (
	"errors"
	"fmt"

	"github.com/temirov/pdsmigrate/internal/identity"
)

const (
	authenticationErrorTemplateConstant      = "authentication at %s failed: %s"
	identityResolutionErrorTemplateConstant  = "identity resolution for %s failed: %s"
	serverCapabilityErrorTemplateConstant    = "server %s capability check failed: %s"
	authorizationErrorTemplateConstant       = "authorization for %s on %s failed: %s"
	accountProvisioningErrorTemplateConstant = "account provisioning at %s failed: %s"
	dataTransferErrorTemplateConstant        = "%s transfer failed: %s"
	dataTransferContentErrorTemplateConstant = "%s transfer failed for %s: %s"
	identityTransitionErrorTemplateConstant  = "%s identity transition failed: %s"
	identityTransitionCauseTemplateConstant  = "%s identity transition failed: %s: %s"
	finalizationErrorTemplateConstant        = "finalization %s failed: %s"
	stageErrorTemplateConstant               = "stage %s (%s): %s"
	operatorDeclinedMessageConstant          = "operator declined to continue"
	repeatedCursorMessageConstant            = "source returned a cursor it already returned"
	contentMismatchMessageConstant           = "blob content does not match its content identifier"
	missingBlobsMessageConstant              = "destination still reports missing blobs"
	tooManyRotationKeysMessageConstant       = "rotation key set exceeds the directory limit"
	endpointNotUpdatedMessageConstant        = "DID document does not point at the destination"
	sessionMismatchMessageConstant           = "destination session belongs to a different DID"
)

var (
	// ErrOperatorDeclined indicates the operator refused a required confirmation.
	ErrOperatorDeclined = errors.New(operatorDeclinedMessageConstant)
	// ErrRepeatedCursor indicates blob pagination would loop.
	ErrRepeatedCursor = errors.New(repeatedCursorMessageConstant)
	// ErrContentMismatch indicates fetched blob bytes do not hash to their content identifier.
	ErrContentMismatch = errors.New(contentMismatchMessageConstant)
	// ErrMissingBlobs indicates the destination lacks blobs after transfer.
	ErrMissingBlobs = errors.New(missingBlobsMessageConstant)
	// ErrTooManyRotationKeys indicates the combined rotation key set is too large.
	ErrTooManyRotationKeys = errors.New(tooManyRotationKeysMessageConstant)
	// ErrEndpointNotUpdated indicates the DID document still names another server.
	ErrEndpointNotUpdated = errors.New(endpointNotUpdatedMessageConstant)
	// ErrSessionMismatch indicates the destination account was created for another DID.
	ErrSessionMismatch = errors.New(sessionMismatchMessageConstant)
)

// TransferPhase names the data plane a DataTransferError concerns.
type TransferPhase string

// Transfer phases.
const (
	TransferPhaseRepository  TransferPhase = "repository"
	TransferPhaseBlob        TransferPhase = "blob"
	TransferPhasePreferences TransferPhase = "preferences"
)

// AuthenticationError reports that the source rejected the operator's credentials.
type AuthenticationError struct {
	Endpoint string
	Cause    error
}

// Error describes the authentication failure.
func (authenticationError AuthenticationError) Error() string {
	return fmt.Sprintf(authenticationErrorTemplateConstant, authenticationError.Endpoint, authenticationError.Cause)
}

// Unwrap exposes the underlying cause.
func (authenticationError AuthenticationError) Unwrap() error {
	return authenticationError.Cause
}

// IdentityResolutionError reports that the account identity could not be resolved.
type IdentityResolutionError struct {
	Identifier string
	Cause      error
}

// Error describes the resolution failure.
func (resolutionError IdentityResolutionError) Error() string {
	return fmt.Sprintf(identityResolutionErrorTemplateConstant, resolutionError.Identifier, resolutionError.Cause)
}

// Unwrap exposes the underlying cause.
func (resolutionError IdentityResolutionError) Unwrap() error {
	return resolutionError.Cause
}

// ServerCapabilityError reports that the destination could not describe itself.
type ServerCapabilityError struct {
	Endpoint string
	Cause    error
}

// Error describes the capability failure.
func (capabilityError ServerCapabilityError) Error() string {
	return fmt.Sprintf(serverCapabilityErrorTemplateConstant, capabilityError.Endpoint, capabilityError.Cause)
}

// Unwrap exposes the underlying cause.
func (capabilityError ServerCapabilityError) Unwrap() error {
	return capabilityError.Cause
}

// AuthorizationError reports a service token that could not be issued or was out of scope.
type AuthorizationError struct {
	Audience  string
	Operation string
	Cause     error
}

// Error describes the authorization failure.
func (authorizationError AuthorizationError) Error() string {
	return fmt.Sprintf(authorizationErrorTemplateConstant, authorizationError.Operation, authorizationError.Audience, authorizationError.Cause)
}

// Unwrap exposes the underlying cause.
func (authorizationError AuthorizationError) Unwrap() error {
	return authorizationError.Cause
}

// AccountProvisioningError reports that the destination refused to create the account.
type AccountProvisioningError struct {
	Endpoint string
	Cause    error
}

// Error describes the provisioning failure.
func (provisioningError AccountProvisioningError) Error() string {
	return fmt.Sprintf(accountProvisioningErrorTemplateConstant, provisioningError.Endpoint, provisioningError.Cause)
}

// Unwrap exposes the underlying cause.
func (provisioningError AccountProvisioningError) Unwrap() error {
	return provisioningError.Cause
}

// DataTransferError reports a failed repository, blob or preference transfer.
// ContentID names the failing blob for the blob phase.
type DataTransferError struct {
	Phase     TransferPhase
	ContentID string
	Cause     error
}

// Error describes the transfer failure.
func (transferError DataTransferError) Error() string {
	if len(transferError.ContentID) > 0 {
		return fmt.Sprintf(dataTransferContentErrorTemplateConstant, transferError.Phase, transferError.ContentID, transferError.Cause)
	}
	return fmt.Sprintf(dataTransferErrorTemplateConstant, transferError.Phase, transferError.Cause)
}

// Unwrap exposes the underlying cause.
func (transferError DataTransferError) Unwrap() error {
	return transferError.Cause
}

// IdentityTransitionError reports a failed move of the DID document to the destination.
type IdentityTransitionError struct {
	Method identity.Method
	Reason string
	Cause  error
}

// Error describes the transition failure.
func (transitionError IdentityTransitionError) Error() string {
	if transitionError.Cause == nil {
		return fmt.Sprintf(identityTransitionErrorTemplateConstant, transitionError.Method, transitionError.Reason)
	}
	return fmt.Sprintf(identityTransitionCauseTemplateConstant, transitionError.Method, transitionError.Reason, transitionError.Cause)
}

// Unwrap exposes the underlying cause.
func (transitionError IdentityTransitionError) Unwrap() error {
	return transitionError.Cause
}

// FinalizationError reports a failed activation or deactivation.
type FinalizationError struct {
	Operation string
	Cause     error
}

// Error describes the finalization failure.
func (finalizationError FinalizationError) Error() string {
	return fmt.Sprintf(finalizationErrorTemplateConstant, finalizationError.Operation, finalizationError.Cause)
}

// Unwrap exposes the underlying cause.
func (finalizationError FinalizationError) Unwrap() error {
	return finalizationError.Cause
}

// StageError names the stage and operation a run stopped at.
type StageError struct {
	Stage     Stage
	Operation string
	Cause     error
}

// Error describes where the run stopped.
func (stageError *StageError) Error() string {
	return fmt.Sprintf(stageErrorTemplateConstant, stageError.Stage, stageError.Operation, stageError.Cause)
}

// Unwrap exposes the typed stage failure.
func (stageError *StageError) Unwrap() error {
	return stageError.Cause
}
