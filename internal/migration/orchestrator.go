package migration

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/keys"
	"github.com/temirov/pdsmigrate/internal/operator"
)

const (
	resolverMissingMessageConstant           = "identity resolver not configured"
	operatorMissingMessageConstant           = "operator interaction not configured"
	clientMissingMessageConstant             = "client not configured"
	valueRequiredMessageConstant             = "value required"
	sameServerMessageConstant                = "source and destination must be different servers"
	invalidInputErrorTemplateConstant        = "%s: %s"
	blobDetailTemplateConstant               = "%d blobs transferred"
	recoveryKeyDetailTemplateConstant        = "recovery key %s registered"
	finalizePromptTemplateConstant           = "Activate %s on %s and deactivate it on %s? This cannot be undone"
	sourceFieldNameConstant                  = "source_url"
	destinationFieldNameConstant             = "destination_url"
	identifierFieldNameConstant              = "identifier"
	sourcePasswordFieldNameConstant          = "source_password"
	handleFieldNameConstant                  = "handle"
	emailFieldNameConstant                   = "email"
	destinationPasswordFieldNameConstant     = "destination_password"
	confirmFinalizeOperationConstant         = "confirm_finalize"
	transferBlobsOperationConstant           = "transfer_blobs"
	transitionIdentityOperationConstant      = "transition_identity"
	logMessageMigrationStartedConstant       = "Migration started"
	logMessageMigrationCompletedConstant     = "Migration completed"
	logMessageStageStartedConstant           = "Stage started"
	logMessageStageCompletedConstant         = "Stage completed"
	logMessageStageFailedConstant            = "Stage failed"
	logMessageEndpointDiffersConstant        = "Resolved endpoint differs from the source server"
	logMessageServiceTokenIssuedConstant     = "Service token issued"
	logMessageAccountProvisionedConstant     = "Destination account created"
	logMessageRepositoryTransferredConstant  = "Repository transferred"
	logMessagePreferencesTransferredConstant = "Preferences transferred"
	logMessageDestinationActivatedConstant   = "Destination account activated"
	logMessageSourceDeactivatedConstant      = "Source account deactivated"
	logFieldRunIDConstant                    = "run_id"
	logFieldStageConstant                    = "stage"
	logFieldDIDConstant                      = "did"
	logFieldSourceConstant                   = "source"
	logFieldDestinationConstant              = "destination"
	logFieldDestinationStateConstant         = "destination_state"
	logFieldFailedOperationConstant          = "failed_operation"
	logFieldSourceDeactivatedConstant        = "source_deactivated"
	logFieldTransferredBlobsConstant         = "transferred_blobs"
	logFieldResolvedEndpointConstant         = "resolved_endpoint"
	logFieldSourceEndpointConstant           = "source_endpoint"
	logFieldServerDIDConstant                = "server_did"
	logFieldScopedOperationConstant          = "scoped_operation"
	logFieldHandleConstant                   = "handle"
	logFieldArchiveBytesConstant             = "archive_bytes"
	logFieldPreferenceCountConstant          = "preferences"
	logFieldBlobPageSizeConstant             = "blob_page_size"
	logFieldBlobWorkersConstant              = "blob_workers"
)

// InvalidInputError describes migration option validation failures.
type InvalidInputError struct {
	FieldName string
	Message   string
}

// Error describes the invalid input.
func (inputError InvalidInputError) Error() string {
	return fmt.Sprintf(invalidInputErrorTemplateConstant, inputError.FieldName, inputError.Message)
}

// Dependencies describes the collaborators shared by every run.
type Dependencies struct {
	Logger       *zap.Logger
	Resolver     IdentityResolver
	Operator     operator.Interaction
	KeyGenerator RecoveryKeyGenerator
	Observer     StageObserver
	Clock        clock.Clock
}

// Orchestrator runs the migration stage machine.
type Orchestrator struct {
	logger       *zap.Logger
	resolver     IdentityResolver
	operator     operator.Interaction
	keyGenerator RecoveryKeyGenerator
	observer     StageObserver
	clock        clock.Clock
}

var (
	errResolverMissing = errors.New(resolverMissingMessageConstant)
	errOperatorMissing = errors.New(operatorMissingMessageConstant)
)

// NewOrchestrator constructs an Orchestrator with the provided dependencies.
func NewOrchestrator(dependencies Dependencies) (*Orchestrator, error) {
	if dependencies.Resolver == nil {
		return nil, errResolverMissing
	}
	if dependencies.Operator == nil {
		return nil, errOperatorMissing
	}

	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keyGenerator := dependencies.KeyGenerator
	if keyGenerator == nil {
		keyGenerator = keys.NewGenerator()
	}
	observer := dependencies.Observer
	if observer == nil {
		observer = noopStageObserver{}
	}
	orchestratorClock := dependencies.Clock
	if orchestratorClock == nil {
		orchestratorClock = clock.WallClock
	}

	return &Orchestrator{
		logger:       logger,
		resolver:     dependencies.Resolver,
		operator:     dependencies.Operator,
		keyGenerator: keyGenerator,
		observer:     observer,
		clock:        orchestratorClock,
	}, nil
}

// stageStep commits one stage. operation names the stage's primary call and is
// reported when a failure carries no more specific operation.
type stageStep struct {
	stage     Stage
	operation string
	run       func(run *migrationRun, stepContext context.Context) (string, error)
}

var migrationPipeline = []stageStep{
	{stage: StageAuthenticated, operation: atproto.CreateSessionOperation, run: (*migrationRun).authenticate},
	{stage: StageIdentityResolved, operation: resolveIdentityOperationConstant, run: (*migrationRun).resolveIdentity},
	{stage: StageAccountProvisioned, operation: atproto.CreateAccountOperation, run: (*migrationRun).provisionAccount},
	{stage: StageRepositoryMigrated, operation: atproto.ImportRepoOperation, run: (*migrationRun).migrateRepository},
	{stage: StageBlobsMigrated, operation: transferBlobsOperationConstant, run: (*migrationRun).migrateBlobs},
	{stage: StagePreferencesMigrated, operation: atproto.PutPreferencesOperation, run: (*migrationRun).migratePreferences},
	{stage: StageIdentityTransitioned, operation: transitionIdentityOperationConstant, run: (*migrationRun).transitionIdentity},
	{stage: StageFinalized, operation: atproto.ActivateAccountOperation, run: (*migrationRun).finalize},
}

// migrationRun binds one session to the collaborators serving it.
type migrationRun struct {
	logger            *zap.Logger
	resolver          IdentityResolver
	operator          operator.Interaction
	options           MigrationOptions
	session           *Session
	calls             callPolicy
	blobs             *BlobTransferEngine
	identity          *IdentityMigrator
	sourceDeactivated bool
}

// Execute runs every stage in order and stops at the first failure. The result
// describes how far the run got in both cases.
func (orchestrator *Orchestrator) Execute(executionContext context.Context, options MigrationOptions) (MigrationResult, error) {
	if validationError := validateOptions(options); validationError != nil {
		return MigrationResult{RunID: options.RunID, DestinationState: DestinationUntouched}, validationError
	}

	options.Settings = options.Settings.Sanitize()
	logger := orchestrator.logger.With(zap.String(logFieldRunIDConstant, options.RunID))
	calls := newCallPolicy(logger, orchestrator.clock, options.Settings)
	run := &migrationRun{
		logger:   logger,
		resolver: orchestrator.resolver,
		operator: orchestrator.operator,
		options:  options,
		session:  newSession(options.RunID, options.Source, options.Destination),
		calls:    calls,
		blobs: newBlobTransferEngine(logger, calls, BlobTransferSettings{
			PageSize:      options.Settings.BlobPageSize,
			Workers:       options.Settings.BlobWorkers,
			VerifyContent: options.Settings.VerifyBlobContent,
		}),
		identity: newIdentityMigrator(logger, calls, orchestrator.resolver, orchestrator.operator, orchestrator.keyGenerator),
	}

	logger.Info(
		logMessageMigrationStartedConstant,
		zap.String(logFieldSourceConstant, options.Source.Endpoint()),
		zap.String(logFieldDestinationConstant, options.Destination.Endpoint()),
		zap.Int(logFieldBlobPageSizeConstant, options.Settings.BlobPageSize),
		zap.Int(logFieldBlobWorkersConstant, options.Settings.BlobWorkers),
	)

	for _, step := range migrationPipeline {
		if stepError := orchestrator.executeStep(executionContext, run, step); stepError != nil {
			return run.result(), stepError
		}
	}

	logger.Info(
		logMessageMigrationCompletedConstant,
		zap.String(logFieldDIDConstant, run.session.Identity.DID),
		zap.Int(logFieldTransferredBlobsConstant, run.session.TransferredCount),
		zap.Bool(logFieldSourceDeactivatedConstant, run.sourceDeactivated),
	)
	return run.result(), nil
}

func (orchestrator *Orchestrator) executeStep(executionContext context.Context, run *migrationRun, step stageStep) error {
	event := StageEvent{RunID: run.session.RunID, Stage: step.stage, DID: run.session.Identity.DID}
	orchestrator.observer.StageStarted(event)
	run.logger.Debug(logMessageStageStartedConstant, zap.String(logFieldStageConstant, step.stage.String()))

	var detail string
	stepError := executionContext.Err()
	if stepError == nil {
		detail, stepError = step.run(run, executionContext)
	}
	if stepError == nil {
		stepError = run.session.advance(step.stage)
	}

	event.DID = run.session.Identity.DID
	if stepError != nil {
		failure := &StageError{Stage: step.stage, Operation: failedOperation(stepError, step.operation), Cause: stepError}
		run.logger.Error(
			logMessageStageFailedConstant,
			zap.String(logFieldStageConstant, step.stage.String()),
			zap.String(logFieldFailedOperationConstant, failure.Operation),
			zap.String(logFieldDestinationStateConstant, string(run.session.DestinationState)),
			zap.Error(stepError),
		)
		orchestrator.observer.StageFailed(event, failure)
		return failure
	}

	event.Detail = detail
	run.logger.Info(logMessageStageCompletedConstant, zap.String(logFieldStageConstant, step.stage.String()))
	orchestrator.observer.StageCompleted(event)
	return nil
}

func (run *migrationRun) authenticate(stepContext context.Context) (string, error) {
	credentials := run.options.Credentials
	var sourceSession atproto.Session
	loginError := run.calls.write(stepContext, func(callContext context.Context) error {
		var err error
		sourceSession, err = run.session.Source.CreateSession(callContext, credentials.Identifier, credentials.Password, credentials.AuthFactorToken)
		return err
	})
	if loginError != nil {
		return "", AuthenticationError{Endpoint: run.session.Source.Endpoint(), Cause: loginError}
	}
	run.session.Identity.DID = sourceSession.DID
	run.session.Identity.Handle = sourceSession.Handle
	return sourceSession.DID, nil
}

func (run *migrationRun) resolveIdentity(stepContext context.Context) (string, error) {
	var resolved identity.AccountIdentity
	resolutionError := run.calls.read(stepContext, resolveIdentityOperationConstant, func(callContext context.Context) error {
		var err error
		resolved, err = run.resolver.ResolveIdentity(callContext, run.session.Identity.DID)
		return err
	})
	if resolutionError != nil {
		return "", IdentityResolutionError{Identifier: run.session.Identity.DID, Cause: resolutionError}
	}
	if resolved.Method == identity.MethodUnknown {
		return "", IdentityTransitionError{Method: resolved.Method, Reason: unsupportedMethodReasonConstant, Cause: identity.ErrUnsupportedMethod}
	}

	if !identity.SameEndpoint(resolved.ServerEndpoint, run.session.Source.Endpoint()) {
		run.logger.Warn(
			logMessageEndpointDiffersConstant,
			zap.String(logFieldDIDConstant, resolved.DID),
			zap.String(logFieldResolvedEndpointConstant, resolved.ServerEndpoint),
			zap.String(logFieldSourceEndpointConstant, run.session.Source.Endpoint()),
		)
	}
	if len(resolved.Handle) == 0 {
		resolved.Handle = run.session.Identity.Handle
	}
	run.session.Identity = resolved
	return resolved.Method.String(), nil
}

func (run *migrationRun) provisionAccount(stepContext context.Context) (string, error) {
	source := run.session.Source
	destination := run.session.Destination
	account := run.options.Account

	var description atproto.ServerDescription
	describeError := run.calls.read(stepContext, atproto.DescribeServerOperation, func(callContext context.Context) error {
		var err error
		description, err = destination.DescribeServer(callContext)
		return err
	})
	if describeError != nil {
		return "", ServerCapabilityError{Endpoint: destination.Endpoint(), Cause: describeError}
	}
	if len(description.DID) == 0 {
		return "", ServerCapabilityError{Endpoint: destination.Endpoint(), Cause: atproto.ErrServerIdentityUnknown}
	}

	var serviceToken *atproto.ServiceToken
	issueError := run.calls.write(stepContext, func(callContext context.Context) error {
		var err error
		serviceToken, err = source.GetServiceAuth(callContext, description.DID, atproto.CreateAccountOperation, run.options.Settings.ServiceTokenLifetime)
		return err
	})
	if issueError != nil {
		return "", AuthorizationError{Audience: description.DID, Operation: atproto.CreateAccountOperation, Cause: issueError}
	}
	run.session.ServiceToken = serviceToken
	run.logger.Debug(
		logMessageServiceTokenIssuedConstant,
		zap.String(logFieldServerDIDConstant, description.DID),
		zap.String(logFieldScopedOperationConstant, atproto.CreateAccountOperation),
	)

	createError := run.calls.write(stepContext, func(callContext context.Context) error {
		_, err := destination.CreateAccount(callContext, atproto.CreateAccountInput{
			DID:        run.session.Identity.DID,
			Handle:     account.Handle,
			Email:      account.Email,
			Password:   account.Password,
			InviteCode: account.InviteCode,
		}, serviceToken)
		return err
	})
	if createError != nil {
		var tokenError atproto.AuthorizationError
		if errors.As(createError, &tokenError) {
			return "", AuthorizationError{Audience: description.DID, Operation: atproto.CreateAccountOperation, Cause: createError}
		}
		return "", AccountProvisioningError{Endpoint: destination.Endpoint(), Cause: createError}
	}
	run.session.DestinationState = DestinationAccountCreated
	run.logger.Info(
		logMessageAccountProvisionedConstant,
		zap.String(logFieldDIDConstant, run.session.Identity.DID),
		zap.String(logFieldHandleConstant, account.Handle),
	)

	var destinationSession atproto.Session
	loginError := run.calls.write(stepContext, func(callContext context.Context) error {
		var err error
		destinationSession, err = destination.CreateSession(callContext, run.session.Identity.DID, account.Password, "")
		return err
	})
	if loginError != nil {
		return "", AuthenticationError{Endpoint: destination.Endpoint(), Cause: loginError}
	}
	if destinationSession.DID != run.session.Identity.DID {
		return "", AccountProvisioningError{Endpoint: destination.Endpoint(), Cause: ErrSessionMismatch}
	}
	run.session.DestinationDID = destinationSession.DID
	return account.Handle, nil
}

func (run *migrationRun) migrateRepository(stepContext context.Context) (string, error) {
	var archive []byte
	exportError := run.calls.read(stepContext, atproto.GetRepoOperation, func(callContext context.Context) error {
		var err error
		archive, err = run.session.Source.ExportRepository(callContext, run.session.Identity.DID)
		return err
	})
	if exportError != nil {
		return "", DataTransferError{Phase: TransferPhaseRepository, Cause: exportError}
	}

	run.session.DestinationState = DestinationPartiallyPopulated
	importError := run.calls.write(stepContext, func(callContext context.Context) error {
		return run.session.Destination.ImportRepository(callContext, archive)
	})
	if importError != nil {
		return "", DataTransferError{Phase: TransferPhaseRepository, Cause: importError}
	}
	run.logger.Info(logMessageRepositoryTransferredConstant, zap.Int(logFieldArchiveBytesConstant, len(archive)))
	return "", nil
}

func (run *migrationRun) migrateBlobs(stepContext context.Context) (string, error) {
	report, transferError := run.blobs.Transfer(stepContext, run.session.Source, run.session.Destination, run.session.Identity.DID)
	run.session.TransferredCount = report.Transferred
	run.session.BlobCursor = report.Cursor
	if transferError != nil {
		return "", transferError
	}

	if run.options.Settings.VerifyMissingBlobs {
		if verificationError := run.blobs.VerifyComplete(stepContext, run.session.Destination); verificationError != nil {
			return "", verificationError
		}
	}
	return fmt.Sprintf(blobDetailTemplateConstant, report.Transferred), nil
}

func (run *migrationRun) migratePreferences(stepContext context.Context) (string, error) {
	var preferences atproto.Preferences
	readError := run.calls.read(stepContext, atproto.GetPreferencesOperation, func(callContext context.Context) error {
		var err error
		preferences, err = run.session.Source.GetPreferences(callContext)
		return err
	})
	if readError != nil {
		return "", DataTransferError{Phase: TransferPhasePreferences, Cause: readError}
	}

	writeError := run.calls.write(stepContext, func(callContext context.Context) error {
		return run.session.Destination.PutPreferences(callContext, preferences)
	})
	if writeError != nil {
		return "", DataTransferError{Phase: TransferPhasePreferences, Cause: writeError}
	}
	run.session.DestinationState = DestinationPopulated
	run.logger.Info(logMessagePreferencesTransferredConstant, zap.Int(logFieldPreferenceCountConstant, len(preferences)))
	return "", nil
}

func (run *migrationRun) transitionIdentity(stepContext context.Context) (string, error) {
	outcome, transitionError := run.identity.Transition(stepContext, run.session)
	if transitionError != nil {
		return "", transitionError
	}
	run.session.RecoveryKeyDID = outcome.RecoveryKeyDID
	run.session.DestinationState = DestinationIdentityBound
	if len(outcome.RecoveryKeyDID) > 0 {
		return fmt.Sprintf(recoveryKeyDetailTemplateConstant, outcome.RecoveryKeyDID), nil
	}
	return "", nil
}

func (run *migrationRun) finalize(stepContext context.Context) (string, error) {
	source := run.session.Source
	destination := run.session.Destination

	if !run.options.Settings.AssumeYes {
		prompt := fmt.Sprintf(finalizePromptTemplateConstant, run.session.Identity.DID, destination.Endpoint(), source.Endpoint())
		confirmed, confirmError := run.operator.Confirm(stepContext, operator.FinalizeConfirmation, prompt)
		if confirmError != nil {
			return "", FinalizationError{Operation: confirmFinalizeOperationConstant, Cause: confirmError}
		}
		if !confirmed {
			return "", FinalizationError{Operation: confirmFinalizeOperationConstant, Cause: ErrOperatorDeclined}
		}
	}

	activationError := run.calls.write(stepContext, func(callContext context.Context) error {
		return destination.ActivateAccount(callContext)
	})
	if activationError != nil {
		return "", FinalizationError{Operation: atproto.ActivateAccountOperation, Cause: activationError}
	}
	run.session.DestinationState = DestinationActive
	run.logger.Info(logMessageDestinationActivatedConstant, zap.String(logFieldDIDConstant, run.session.Identity.DID))

	deactivationError := run.calls.write(stepContext, func(callContext context.Context) error {
		return source.DeactivateAccount(callContext, atproto.DeactivateOptions{})
	})
	if deactivationError != nil {
		return "", FinalizationError{Operation: atproto.DeactivateAccountOperation, Cause: deactivationError}
	}
	run.sourceDeactivated = true
	run.logger.Info(logMessageSourceDeactivatedConstant, zap.String(logFieldDIDConstant, run.session.Identity.DID))
	return "", nil
}

func (run *migrationRun) result() MigrationResult {
	return MigrationResult{
		RunID:             run.session.RunID,
		DID:               run.session.Identity.DID,
		Method:            run.session.Identity.Method,
		CompletedStage:    run.session.Stage,
		DestinationState:  run.session.DestinationState,
		TransferredBlobs:  run.session.TransferredCount,
		RecoveryKeyDID:    run.session.RecoveryKeyDID,
		SourceDeactivated: run.sourceDeactivated,
	}
}

// failedOperation prefers the RPC named by the failure over the stage default.
func failedOperation(failure error, fallback string) string {
	var xrpcError atproto.XRPCError
	if errors.As(failure, &xrpcError) && len(xrpcError.Operation) > 0 {
		return xrpcError.Operation
	}
	var transportError atproto.TransportError
	if errors.As(failure, &transportError) && len(transportError.Operation) > 0 {
		return transportError.Operation
	}
	var finalizationError FinalizationError
	if errors.As(failure, &finalizationError) {
		return finalizationError.Operation
	}
	return fallback
}

func validateOptions(options MigrationOptions) error {
	if options.Source == nil {
		return InvalidInputError{FieldName: sourceFieldNameConstant, Message: clientMissingMessageConstant}
	}
	if options.Destination == nil {
		return InvalidInputError{FieldName: destinationFieldNameConstant, Message: clientMissingMessageConstant}
	}
	if identity.SameEndpoint(options.Source.Endpoint(), options.Destination.Endpoint()) {
		return InvalidInputError{FieldName: destinationFieldNameConstant, Message: sameServerMessageConstant}
	}

	requiredValues := []struct {
		fieldName string
		value     string
	}{
		{fieldName: identifierFieldNameConstant, value: options.Credentials.Identifier},
		{fieldName: sourcePasswordFieldNameConstant, value: options.Credentials.Password},
		{fieldName: handleFieldNameConstant, value: options.Account.Handle},
		{fieldName: emailFieldNameConstant, value: options.Account.Email},
		{fieldName: destinationPasswordFieldNameConstant, value: options.Account.Password},
	}
	for _, required := range requiredValues {
		if len(required.value) == 0 {
			return InvalidInputError{FieldName: required.fieldName, Message: valueRequiredMessageConstant}
		}
	}
	return nil
}
