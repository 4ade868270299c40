package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/operator"
)

const (
	maximumRotationKeysConstant                  = 5
	resolveRotationKeysOperationConstant         = "resolve_rotation_keys"
	resolveIdentityOperationConstant             = "resolve_identity"
	recommendedCredentialsReasonConstant         = "destination did not recommend credentials"
	recoveryKeyReasonConstant                    = "recovery key generation failed"
	rotationKeysReasonConstant                   = "unable to read existing rotation keys"
	rotationKeySetReasonConstant                 = "rotation key set rejected"
	challengeReasonConstant                      = "identity challenge request failed"
	challengeTokenReasonConstant                 = "challenge token unavailable"
	recoveryKeyRevealReasonConstant              = "recovery key could not be shown"
	recoveryKeyConfirmationReasonConstant        = "recovery key was not confirmed as saved"
	signingReasonConstant                        = "source refused to sign the identity operation"
	submissionReasonConstant                     = "identity operation was not published"
	verificationReasonConstant                   = "identity verification failed"
	documentRenderReasonConstant                 = "recommended DID document could not be rendered"
	documentConfirmationReasonConstant           = "DID document publication was not confirmed"
	unsupportedMethodReasonConstant              = "DID method is not supported"
	challengeTokenLabelConstant                  = "Identity challenge token (check the source account email)"
	recoveryKeyLabelConstant                     = "Recovery key private material (multibase). Store it offline; it is shown once"
	recoveryKeySavedPromptConstant               = "Have you stored the recovery key somewhere safe?"
	webDocumentPublishedPromptConstant           = "Has the DID document above been published at the did:web location?"
	webDocumentInstructionTemplateConstant       = "Publish the following DID document for %s:\n\n%s\n"
	webDocumentStaleTemplateConstant             = "DID document for %s still points at %s; expected %s."
	rotationKeysLimitTemplateConstant            = "%d rotation keys exceed the limit of %d"
	documentIndentConstant                       = "  "
	logMessageIdentityTransitionStartedConstant  = "Identity transition started"
	logMessageRotationKeysAssembledConstant      = "Rotation key set assembled"
	logMessageIdentityOperationSubmittedConstant = "Identity operation submitted"
	logMessageIdentityVerifiedConstant           = "Identity resolves to destination"
	logMessageWebDocumentStaleConstant           = "DID document not yet updated"
	logFieldMethodConstant                       = "method"
	logFieldRotationKeyCountConstant             = "rotation_keys"
	logFieldEndpointConstant                     = "endpoint"
	logFieldExpectedEndpointConstant             = "expected_endpoint"
)

// TransitionOutcome reports what an identity transition produced.
type TransitionOutcome struct {
	RecoveryKeyDID string
}

// IdentityMigrator points an account's DID document at the destination server.
type IdentityMigrator struct {
	logger       *zap.Logger
	calls        callPolicy
	resolver     IdentityResolver
	operator     operator.Interaction
	keyGenerator RecoveryKeyGenerator
}

func newIdentityMigrator(logger *zap.Logger, calls callPolicy, resolver IdentityResolver, interaction operator.Interaction, keyGenerator RecoveryKeyGenerator) *IdentityMigrator {
	return &IdentityMigrator{
		logger:       logger,
		calls:        calls,
		resolver:     resolver,
		operator:     interaction,
		keyGenerator: keyGenerator,
	}
}

// Transition dispatches on the account's DID method. It returns only once the DID
// resolves to the destination endpoint.
func (migrator *IdentityMigrator) Transition(transitionContext context.Context, session *Session) (TransitionOutcome, error) {
	method := session.Identity.Method
	migrator.logger.Info(
		logMessageIdentityTransitionStartedConstant,
		zap.String(logFieldMethodConstant, method.String()),
		zap.String(logFieldDIDConstant, session.Identity.DID),
	)

	switch method {
	case identity.MethodPlc:
		return migrator.transitionPlc(transitionContext, session)
	case identity.MethodWeb:
		return TransitionOutcome{}, migrator.transitionWeb(transitionContext, session)
	case identity.MethodUnknown:
		fallthrough
	default:
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: unsupportedMethodReasonConstant, Cause: identity.ErrUnsupportedMethod}
	}
}

func (migrator *IdentityMigrator) transitionPlc(transitionContext context.Context, session *Session) (TransitionOutcome, error) {
	method := identity.MethodPlc
	did := session.Identity.DID

	credentials, credentialsError := migrator.recommendedCredentials(transitionContext, session.Destination)
	if credentialsError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: recommendedCredentialsReasonConstant, Cause: credentialsError}
	}

	keypair, generationError := migrator.keyGenerator.Generate()
	if generationError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: recoveryKeyReasonConstant, Cause: generationError}
	}

	var existingKeys []string
	existingError := migrator.calls.read(transitionContext, resolveRotationKeysOperationConstant, func(callContext context.Context) error {
		var err error
		existingKeys, err = migrator.resolver.ResolveRotationKeys(callContext, did)
		return err
	})
	if existingError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: rotationKeysReasonConstant, Cause: existingError}
	}

	rotationKeys, mergeError := mergeRotationKeys(keypair.DIDKey(), credentials.RotationKeys, existingKeys)
	if mergeError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: rotationKeySetReasonConstant, Cause: mergeError}
	}
	migrator.logger.Info(
		logMessageRotationKeysAssembledConstant,
		zap.String(logFieldDIDConstant, did),
		zap.Int(logFieldRotationKeyCountConstant, len(rotationKeys)),
	)

	challengeError := migrator.calls.write(transitionContext, func(callContext context.Context) error {
		return session.Source.RequestIdentityChallenge(callContext)
	})
	if challengeError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: challengeReasonConstant, Cause: challengeError}
	}

	challengeToken, promptError := migrator.operator.Prompt(transitionContext, operator.Question{
		Key:   operator.IdentityTokenQuestion,
		Label: challengeTokenLabelConstant,
	})
	if promptError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: challengeTokenReasonConstant, Cause: promptError}
	}

	if revealError := migrator.operator.RevealSecret(transitionContext, recoveryKeyLabelConstant, keypair.PrivateKeyMultibase()); revealError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: recoveryKeyRevealReasonConstant, Cause: revealError}
	}
	saved, confirmError := migrator.operator.Confirm(transitionContext, operator.RecoveryKeySavedConfirmation, recoveryKeySavedPromptConstant)
	if confirmError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: recoveryKeyConfirmationReasonConstant, Cause: confirmError}
	}
	if !saved {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: recoveryKeyConfirmationReasonConstant, Cause: ErrOperatorDeclined}
	}

	var signedOperation atproto.SignedOperation
	signingError := migrator.calls.write(transitionContext, func(callContext context.Context) error {
		var err error
		signedOperation, err = session.Source.SignIdentityOperation(callContext, atproto.SignOperationInput{
			Token:               challengeToken,
			RotationKeys:        rotationKeys,
			AlsoKnownAs:         credentials.AlsoKnownAs,
			Services:            credentials.Services,
			VerificationMethods: credentials.VerificationMethods,
		})
		return err
	})
	if signingError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: signingReasonConstant, Cause: signingError}
	}

	submissionError := migrator.calls.write(transitionContext, func(callContext context.Context) error {
		return session.Destination.SubmitIdentityOperation(callContext, signedOperation)
	})
	if submissionError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: submissionReasonConstant, Cause: submissionError}
	}
	migrator.logger.Info(logMessageIdentityOperationSubmittedConstant, zap.String(logFieldDIDConstant, did))

	resolved, verificationError := migrator.verifyEndpoint(transitionContext, session)
	if verificationError != nil {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: verificationReasonConstant, Cause: verificationError}
	}
	if !resolved {
		return TransitionOutcome{}, IdentityTransitionError{Method: method, Reason: verificationReasonConstant, Cause: ErrEndpointNotUpdated}
	}

	return TransitionOutcome{RecoveryKeyDID: keypair.DIDKey()}, nil
}

func (migrator *IdentityMigrator) transitionWeb(transitionContext context.Context, session *Session) error {
	method := identity.MethodWeb
	did := session.Identity.DID

	credentials, credentialsError := migrator.recommendedCredentials(transitionContext, session.Destination)
	if credentialsError != nil {
		return IdentityTransitionError{Method: method, Reason: recommendedCredentialsReasonConstant, Cause: credentialsError}
	}

	document, renderError := identity.RecommendedDocument(did, credentials.AlsoKnownAs, credentials.Services, credentials.VerificationMethods)
	if renderError != nil {
		return IdentityTransitionError{Method: method, Reason: documentRenderReasonConstant, Cause: renderError}
	}
	renderedDocument, encodingError := json.MarshalIndent(document, "", documentIndentConstant)
	if encodingError != nil {
		return IdentityTransitionError{Method: method, Reason: documentRenderReasonConstant, Cause: encodingError}
	}
	migrator.operator.Notify(fmt.Sprintf(webDocumentInstructionTemplateConstant, did, renderedDocument))

	for {
		published, confirmError := migrator.operator.Confirm(transitionContext, operator.WebDocumentUpdatedConfirmation, webDocumentPublishedPromptConstant)
		if confirmError != nil {
			return IdentityTransitionError{Method: method, Reason: documentConfirmationReasonConstant, Cause: confirmError}
		}
		if !published {
			return IdentityTransitionError{Method: method, Reason: documentConfirmationReasonConstant, Cause: ErrOperatorDeclined}
		}

		resolved, verificationError := migrator.verifyEndpoint(transitionContext, session)
		if verificationError != nil {
			var resolutionError identity.ResolutionError
			if !errors.As(verificationError, &resolutionError) {
				return IdentityTransitionError{Method: method, Reason: verificationReasonConstant, Cause: verificationError}
			}
			migrator.operator.Notify(verificationError.Error())
			continue
		}
		if resolved {
			return nil
		}
	}
}

func (migrator *IdentityMigrator) recommendedCredentials(transitionContext context.Context, destination AccountClient) (atproto.Credentials, error) {
	var credentials atproto.Credentials
	credentialsError := migrator.calls.read(transitionContext, atproto.GetRecommendedCredentialsOperation, func(callContext context.Context) error {
		var err error
		credentials, err = destination.GetRecommendedCredentials(callContext)
		return err
	})
	return credentials, credentialsError
}

// verifyEndpoint re-resolves the DID and reports whether it names the destination.
func (migrator *IdentityMigrator) verifyEndpoint(transitionContext context.Context, session *Session) (bool, error) {
	var resolved identity.AccountIdentity
	resolutionError := migrator.calls.read(transitionContext, resolveIdentityOperationConstant, func(callContext context.Context) error {
		var err error
		resolved, err = migrator.resolver.ResolveIdentity(callContext, session.Identity.DID)
		return err
	})
	if resolutionError != nil {
		return false, resolutionError
	}

	expectedEndpoint := session.Destination.Endpoint()
	if !identity.SameEndpoint(resolved.ServerEndpoint, expectedEndpoint) {
		migrator.logger.Warn(
			logMessageWebDocumentStaleConstant,
			zap.String(logFieldDIDConstant, session.Identity.DID),
			zap.String(logFieldEndpointConstant, resolved.ServerEndpoint),
			zap.String(logFieldExpectedEndpointConstant, expectedEndpoint),
		)
		migrator.operator.Notify(fmt.Sprintf(webDocumentStaleTemplateConstant, session.Identity.DID, resolved.ServerEndpoint, expectedEndpoint))
		return false, nil
	}

	migrator.logger.Info(
		logMessageIdentityVerifiedConstant,
		zap.String(logFieldDIDConstant, session.Identity.DID),
		zap.String(logFieldEndpointConstant, resolved.ServerEndpoint),
	)
	session.Identity.ServerEndpoint = resolved.ServerEndpoint
	return true, nil
}

// mergeRotationKeys orders the new recovery key first, then the destination's keys,
// then keys already registered, dropping duplicates.
func mergeRotationKeys(recoveryKey string, recommendedKeys []string, existingKeys []string) ([]string, error) {
	merged := make([]string, 0, 1+len(recommendedKeys)+len(existingKeys))
	seen := map[string]struct{}{}
	for _, keyGroup := range [][]string{{recoveryKey}, recommendedKeys, existingKeys} {
		for _, key := range keyGroup {
			if len(key) == 0 {
				continue
			}
			if _, duplicate := seen[key]; duplicate {
				continue
			}
			seen[key] = struct{}{}
			merged = append(merged, key)
		}
	}
	if len(merged) > maximumRotationKeysConstant {
		return nil, fmt.Errorf(rotationKeysLimitTemplateConstant+": %w", len(merged), maximumRotationKeysConstant, ErrTooManyRotationKeys)
	}
	return merged, nil
}
