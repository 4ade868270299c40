package migration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/operator"
	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	commandUseConstant                         = "migrate"
	clientUserAgentConstant                    = "pds-migrate"
	commandShortDescriptionConstant            = "Move an account to another personal data server"
	commandLongDescriptionConstant             = "migrate signs in at the source server, creates the account on the destination server, copies the repository, blobs and preferences, moves the identity to the destination and finally switches which server hosts the account."
	sourceFlagNameConstant                     = "source"
	sourceFlagUsageConstant                    = "Source server URL"
	destinationFlagNameConstant                = "destination"
	destinationFlagUsageConstant               = "Destination server URL"
	identifierFlagNameConstant                 = "identifier"
	identifierFlagUsageConstant                = "Handle or DID of the account to migrate"
	handleFlagNameConstant                     = "handle"
	handleFlagUsageConstant                    = "Handle for the destination account"
	emailFlagNameConstant                      = "email"
	emailFlagUsageConstant                     = "Email for the destination account"
	inviteCodeFlagNameConstant                 = "invite-code"
	inviteCodeFlagUsageConstant                = "Invite code required by some destination servers"
	sourcePasswordSourceFlagNameConstant       = "source-password-source"
	sourcePasswordSourceFlagUsageConstant      = "Read the source password from env:NAME or file:/path instead of prompting"
	destinationPasswordSourceFlagNameConstant  = "destination-password-source"
	destinationPasswordSourceFlagUsageConstant = "Read the destination password from env:NAME or file:/path instead of prompting"
	answersFlagNameConstant                    = "answers"
	answersFlagUsageConstant                   = "YAML file with prepared operator answers for unattended runs"
	blobPageSizeFlagNameConstant               = "blob-page-size"
	blobPageSizeFlagUsageConstant              = "Blob identifiers requested per listing page"
	blobWorkersFlagNameConstant                = "blob-workers"
	blobWorkersFlagUsageConstant               = "Concurrent blob transfers"
	verifyBlobContentFlagNameConstant          = "verify-blob-content"
	verifyBlobContentFlagUsageConstant         = "Check fetched blob bytes against their content identifiers"
	verifyMissingBlobsFlagNameConstant         = "verify-missing-blobs"
	verifyMissingBlobsFlagUsageConstant        = "Ask the destination for missing blobs after the transfer"
	readRetryAttemptsFlagNameConstant          = "read-retry-attempts"
	readRetryAttemptsFlagUsageConstant         = "Attempts for read-only calls that fail transiently"
	readRetryDelayFlagNameConstant             = "read-retry-delay"
	readRetryDelayFlagUsageConstant            = "Initial delay between read retries"
	callTimeoutFlagNameConstant                = "call-timeout"
	callTimeoutFlagUsageConstant               = "Deadline for a single remote call"
	plcDirectoryFlagNameConstant               = "plc-directory"
	plcDirectoryFlagUsageConstant              = "PLC directory URL used to resolve did:plc identities"
	assumeYesFlagNameConstant                  = "yes"
	assumeYesFlagShorthandConstant             = "y"
	assumeYesFlagUsageConstant                 = "Skip the final confirmation before switching servers"
	sourceURLLabelConstant                     = "Source server URL"
	identifierLabelConstant                    = "Handle or DID"
	sourcePasswordLabelConstant                = "Source account password"
	authFactorTokenLabelConstant               = "Sign-in code from email (leave empty if none)"
	destinationURLLabelConstant                = "Destination server URL"
	emailLabelConstant                         = "Email for the new account"
	handleLabelConstant                        = "Handle for the new account"
	destinationPasswordLabelConstant           = "Password for the new account"
	inviteCodeLabelConstant                    = "Invite code (leave empty if none)"
	secretSourceErrorTemplateConstant          = "%s: %w"
	answersFileErrorTemplateConstant           = "unable to read answers file %s: %w"
	clientCreationErrorTemplateConstant        = "unable to construct client for %s: %w"
	resolverCreationErrorTemplateConstant      = "unable to construct identity resolver: %w"
	migrationFailedErrorTemplateConstant       = "migration failed: %w"
	summaryCompletedTemplateConstant           = "Migrated %s to %s: %d blobs transferred.\n"
	summaryFailedTemplateConstant              = "Migration of %s stopped after stage %s. Destination account state: %s.\n"
	summaryRecoveryKeyTemplateConstant         = "Recovery key registered: %s\n"
	summarySourceActiveTemplateConstant        = "The source account on %s is still active.\n"
	unknownAccountConstant                     = "account"
	logMessageInputsGatheredConstant           = "Migration inputs gathered"
	logMessageMigrationFailedConstant          = "Migration failed"
	logMessageMigrationSummaryConstant         = "Migration summary"
	logMessageAnswersLoadedConstant            = "Operator answers loaded"
	logFieldAnswersFileConstant                = "answers_file"
	logFieldCompletedStageConstant             = "completed_stage"
	logFieldIdentifierConstant                 = "identifier"
	logFieldInteractiveConstant                = "interactive"
	logFieldUnattendedPasswordsConstant        = "unattended_passwords"
	logFieldRecoveryKeyConstant                = "recovery_key"
)

// LoggerProvider supplies a zap logger instance.
type LoggerProvider func() *zap.Logger

// ResolverProvider constructs the identity resolver used by a run.
type ResolverProvider func(logger *zap.Logger, configuration CommandConfiguration) (IdentityResolver, error)

// OperatorProvider constructs the operator interaction used by a run.
type OperatorProvider func(command *cobra.Command, configuration CommandConfiguration) (operator.Interaction, error)

// ObserverProvider constructs the stage observer used by a run.
type ObserverProvider func(logger *zap.Logger, output io.Writer) StageObserver

// ServiceProvider constructs a migration executor from dependencies.
type ServiceProvider func(dependencies Dependencies) (MigrationExecutor, error)

// SecretResolver reads secrets from declared sources.
type SecretResolver interface {
	ResolveSecret(resolutionContext context.Context, source operator.SecretSource) (string, error)
}

// CommandBuilder assembles the migrate Cobra command.
type CommandBuilder struct {
	LoggerProvider        LoggerProvider
	ConfigurationProvider func() CommandConfiguration
	HTTPClient            *http.Client
	ClientFactory         ClientFactory
	ResolverProvider      ResolverProvider
	OperatorProvider      OperatorProvider
	ObserverProvider      ObserverProvider
	ServiceProvider       ServiceProvider
	SecretResolver        SecretResolver
	RunIDProvider         func() string
}

type migrationInputs struct {
	sourceURL           string
	destinationURL      string
	credentials         SourceCredentials
	account             DestinationAccount
	unattendedPasswords bool
}

// Build constructs the migrate command.
func (builder *CommandBuilder) Build() (*cobra.Command, error) {
	command := &cobra.Command{
		Use:           commandUseConstant,
		Short:         commandShortDescriptionConstant,
		Long:          commandLongDescriptionConstant,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE:          builder.runMigrate,
	}

	defaults := DefaultCommandConfiguration()
	flagSet := command.Flags()
	flagSet.String(sourceFlagNameConstant, "", sourceFlagUsageConstant)
	flagSet.String(destinationFlagNameConstant, "", destinationFlagUsageConstant)
	flagSet.String(identifierFlagNameConstant, "", identifierFlagUsageConstant)
	flagSet.String(handleFlagNameConstant, "", handleFlagUsageConstant)
	flagSet.String(emailFlagNameConstant, "", emailFlagUsageConstant)
	flagSet.String(inviteCodeFlagNameConstant, "", inviteCodeFlagUsageConstant)
	flagSet.String(sourcePasswordSourceFlagNameConstant, "", sourcePasswordSourceFlagUsageConstant)
	flagSet.String(destinationPasswordSourceFlagNameConstant, "", destinationPasswordSourceFlagUsageConstant)
	flagSet.String(answersFlagNameConstant, "", answersFlagUsageConstant)
	flagSet.Int(blobPageSizeFlagNameConstant, defaults.BlobPageSize, blobPageSizeFlagUsageConstant)
	flagSet.Int(blobWorkersFlagNameConstant, defaults.BlobWorkers, blobWorkersFlagUsageConstant)
	flagSet.Bool(verifyBlobContentFlagNameConstant, defaults.VerifyBlobContent, verifyBlobContentFlagUsageConstant)
	flagSet.Bool(verifyMissingBlobsFlagNameConstant, defaults.VerifyMissingBlobs, verifyMissingBlobsFlagUsageConstant)
	flagSet.Int(readRetryAttemptsFlagNameConstant, defaults.ReadRetryAttempts, readRetryAttemptsFlagUsageConstant)
	flagSet.Duration(readRetryDelayFlagNameConstant, defaults.ReadRetryDelay, readRetryDelayFlagUsageConstant)
	flagSet.Duration(callTimeoutFlagNameConstant, defaults.CallTimeout, callTimeoutFlagUsageConstant)
	flagSet.String(plcDirectoryFlagNameConstant, "", plcDirectoryFlagUsageConstant)
	flagSet.BoolP(assumeYesFlagNameConstant, assumeYesFlagShorthandConstant, defaults.AssumeYes, assumeYesFlagUsageConstant)

	return command, nil
}

func (builder *CommandBuilder) runMigrate(command *cobra.Command, arguments []string) error {
	configuration := builder.parseConfiguration(command)
	logger := builder.resolveLogger()
	executionContext := command.Context()
	if executionContext == nil {
		executionContext = context.Background()
	}

	interaction, interactionError := builder.resolveOperator(command, configuration, logger)
	if interactionError != nil {
		return interactionError
	}

	inputs, inputsError := builder.gatherInputs(executionContext, interaction, configuration)
	if inputsError != nil {
		return inputsError
	}
	logger.Debug(
		logMessageInputsGatheredConstant,
		zap.String(logFieldIdentifierConstant, inputs.credentials.Identifier),
		zap.String(logFieldSourceConstant, inputs.sourceURL),
		zap.String(logFieldDestinationConstant, inputs.destinationURL),
		zap.Bool(logFieldInteractiveConstant, len(configuration.AnswersFile) == 0),
		zap.Bool(logFieldUnattendedPasswordsConstant, inputs.unattendedPasswords),
	)

	clientFactory := builder.resolveClientFactory()
	source, sourceError := clientFactory(inputs.sourceURL)
	if sourceError != nil {
		return fmt.Errorf(clientCreationErrorTemplateConstant, inputs.sourceURL, sourceError)
	}
	destination, destinationError := clientFactory(inputs.destinationURL)
	if destinationError != nil {
		return fmt.Errorf(clientCreationErrorTemplateConstant, inputs.destinationURL, destinationError)
	}

	resolver, resolverError := builder.resolveResolver(logger, configuration)
	if resolverError != nil {
		return fmt.Errorf(resolverCreationErrorTemplateConstant, resolverError)
	}

	service, serviceError := builder.resolveService(Dependencies{
		Logger:   logger,
		Resolver: resolver,
		Operator: interaction,
		Observer: builder.resolveObserver(logger, utils.NewConsoleWriter(command.ErrOrStderr())),
	})
	if serviceError != nil {
		return serviceError
	}

	result, migrationError := service.Execute(executionContext, MigrationOptions{
		RunID:       builder.resolveRunID(executionContext),
		Source:      source,
		Destination: destination,
		Credentials: inputs.credentials,
		Account:     inputs.account,
		Settings:    configuration.RunSettings(),
	})
	builder.printSummary(command.OutOrStdout(), inputs, result, migrationError)

	if migrationError != nil {
		logger.Error(
			logMessageMigrationFailedConstant,
			zap.String(logFieldRunIDConstant, result.RunID),
			zap.String(logFieldCompletedStageConstant, result.CompletedStage.String()),
			zap.String(logFieldDestinationStateConstant, string(result.DestinationState)),
			zap.Error(migrationError),
		)
		return fmt.Errorf(migrationFailedErrorTemplateConstant, migrationError)
	}

	logger.Info(
		logMessageMigrationSummaryConstant,
		zap.String(logFieldRunIDConstant, result.RunID),
		zap.String(logFieldDIDConstant, result.DID),
		zap.String(logFieldMethodConstant, string(result.Method)),
		zap.Int(logFieldTransferredBlobsConstant, result.TransferredBlobs),
		zap.String(logFieldRecoveryKeyConstant, result.RecoveryKeyDID),
		zap.Bool(logFieldSourceDeactivatedConstant, result.SourceDeactivated),
	)
	return nil
}

func (builder *CommandBuilder) parseConfiguration(command *cobra.Command) CommandConfiguration {
	configuration := builder.resolveConfiguration()
	if command == nil {
		return configuration
	}

	flagSet := command.Flags()
	stringOverrides := map[string]*string{
		sourceFlagNameConstant:                    &configuration.SourceURL,
		destinationFlagNameConstant:               &configuration.DestinationURL,
		identifierFlagNameConstant:                &configuration.Identifier,
		handleFlagNameConstant:                    &configuration.Handle,
		emailFlagNameConstant:                     &configuration.Email,
		inviteCodeFlagNameConstant:                &configuration.InviteCode,
		sourcePasswordSourceFlagNameConstant:      &configuration.SourcePasswordSource,
		destinationPasswordSourceFlagNameConstant: &configuration.DestinationPasswordSource,
		answersFlagNameConstant:                   &configuration.AnswersFile,
		plcDirectoryFlagNameConstant:              &configuration.PLCDirectoryURL,
	}
	for flagName, target := range stringOverrides {
		if flagSet.Changed(flagName) {
			*target, _ = flagSet.GetString(flagName)
		}
	}

	intOverrides := map[string]*int{
		blobPageSizeFlagNameConstant:      &configuration.BlobPageSize,
		blobWorkersFlagNameConstant:       &configuration.BlobWorkers,
		readRetryAttemptsFlagNameConstant: &configuration.ReadRetryAttempts,
	}
	for flagName, target := range intOverrides {
		if flagSet.Changed(flagName) {
			*target, _ = flagSet.GetInt(flagName)
		}
	}

	boolOverrides := map[string]*bool{
		verifyBlobContentFlagNameConstant:  &configuration.VerifyBlobContent,
		verifyMissingBlobsFlagNameConstant: &configuration.VerifyMissingBlobs,
		assumeYesFlagNameConstant:          &configuration.AssumeYes,
	}
	for flagName, target := range boolOverrides {
		if flagSet.Changed(flagName) {
			*target, _ = flagSet.GetBool(flagName)
		}
	}

	durationOverrides := map[string]*time.Duration{
		readRetryDelayFlagNameConstant: &configuration.ReadRetryDelay,
		callTimeoutFlagNameConstant:    &configuration.CallTimeout,
	}
	for flagName, target := range durationOverrides {
		if flagSet.Changed(flagName) {
			*target, _ = flagSet.GetDuration(flagName)
		}
	}

	return configuration.Sanitize()
}

func (builder *CommandBuilder) gatherInputs(gatherContext context.Context, interaction operator.Interaction, configuration CommandConfiguration) (migrationInputs, error) {
	var inputs migrationInputs
	var inputError error

	ask := func(configured string, question operator.Question) string {
		if inputError != nil {
			return ""
		}
		if len(configured) > 0 {
			return configured
		}
		answer, promptError := interaction.Prompt(gatherContext, question)
		if promptError != nil {
			inputError = promptError
			return ""
		}
		return strings.TrimSpace(answer)
	}

	secret := func(sourceValue string, question operator.Question) string {
		if inputError != nil {
			return ""
		}
		if len(sourceValue) == 0 {
			answer, promptError := interaction.Prompt(gatherContext, question)
			if promptError != nil {
				inputError = promptError
			}
			return answer
		}
		resolved, resolveError := builder.resolveSecret(gatherContext, sourceValue)
		if resolveError != nil {
			inputError = fmt.Errorf(secretSourceErrorTemplateConstant, question.Key, resolveError)
			return ""
		}
		return resolved
	}

	inputs.sourceURL = ask(configuration.SourceURL, operator.Question{Key: operator.SourceURLQuestion, Label: sourceURLLabelConstant})
	inputs.credentials.Identifier = strings.TrimPrefix(ask(configuration.Identifier, operator.Question{Key: operator.IdentifierQuestion, Label: identifierLabelConstant}), handleAtPrefixConstant)
	inputs.credentials.Password = secret(configuration.SourcePasswordSource, operator.Question{Key: operator.SourcePasswordQuestion, Label: sourcePasswordLabelConstant, Secret: true})
	inputs.credentials.AuthFactorToken = ask("", operator.Question{Key: operator.AuthFactorTokenQuestion, Label: authFactorTokenLabelConstant, Optional: true})
	inputs.destinationURL = ask(configuration.DestinationURL, operator.Question{Key: operator.DestinationURLQuestion, Label: destinationURLLabelConstant})
	inputs.account.Email = ask(configuration.Email, operator.Question{Key: operator.EmailQuestion, Label: emailLabelConstant})
	inputs.account.Handle = strings.TrimPrefix(ask(configuration.Handle, operator.Question{Key: operator.HandleQuestion, Label: handleLabelConstant}), handleAtPrefixConstant)
	inputs.account.Password = secret(configuration.DestinationPasswordSource, operator.Question{Key: operator.DestinationPasswordQuestion, Label: destinationPasswordLabelConstant, Secret: true})
	inputs.account.InviteCode = ask(configuration.InviteCode, operator.Question{Key: operator.InviteCodeQuestion, Label: inviteCodeLabelConstant, Optional: true})
	inputs.unattendedPasswords = len(configuration.SourcePasswordSource) > 0 && len(configuration.DestinationPasswordSource) > 0

	if inputError != nil {
		return migrationInputs{}, inputError
	}
	return inputs, nil
}

func (builder *CommandBuilder) resolveSecret(resolutionContext context.Context, sourceValue string) (string, error) {
	source, parseError := operator.ParseSecretSource(sourceValue)
	if parseError != nil {
		return "", parseError
	}
	secretResolver := builder.SecretResolver
	if secretResolver == nil {
		secretResolver = operator.NewSecretResolver(nil, nil)
	}
	return secretResolver.ResolveSecret(resolutionContext, source)
}

func (builder *CommandBuilder) resolveLogger() *zap.Logger {
	var logger *zap.Logger
	if builder.LoggerProvider != nil {
		logger = builder.LoggerProvider()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return logger
}

func (builder *CommandBuilder) resolveConfiguration() CommandConfiguration {
	if builder.ConfigurationProvider == nil {
		return DefaultCommandConfiguration()
	}

	provided := builder.ConfigurationProvider()
	return provided.Sanitize()
}

func (builder *CommandBuilder) resolveHTTPClient() *http.Client {
	if builder.HTTPClient != nil {
		return builder.HTTPClient
	}
	return &http.Client{}
}

func (builder *CommandBuilder) resolveClientFactory() ClientFactory {
	if builder.ClientFactory != nil {
		return builder.ClientFactory
	}
	httpClient := builder.resolveHTTPClient()
	return func(endpoint string) (AccountClient, error) {
		client, creationError := atproto.NewClient(endpoint, httpClient)
		if creationError != nil {
			return nil, creationError
		}
		return client.WithUserAgent(clientUserAgentConstant), nil
	}
}

func (builder *CommandBuilder) resolveResolver(logger *zap.Logger, configuration CommandConfiguration) (IdentityResolver, error) {
	if builder.ResolverProvider != nil {
		return builder.ResolverProvider(logger, configuration)
	}
	resolver, creationError := identity.NewResolver(logger, nil, builder.resolveHTTPClient(), identity.ResolverConfiguration{
		PLCDirectoryURL: configuration.PLCDirectoryURL,
	})
	if creationError != nil {
		return nil, creationError
	}
	return resolver, nil
}

func (builder *CommandBuilder) resolveOperator(command *cobra.Command, configuration CommandConfiguration, logger *zap.Logger) (operator.Interaction, error) {
	if builder.OperatorProvider != nil {
		return builder.OperatorProvider(command, configuration)
	}

	output := utils.NewConsoleWriter(command.OutOrStdout())
	if len(configuration.AnswersFile) == 0 {
		return operator.NewTerminal(command.InOrStdin(), output), nil
	}

	answersFile, openError := os.Open(configuration.AnswersFile)
	if openError != nil {
		return nil, fmt.Errorf(answersFileErrorTemplateConstant, configuration.AnswersFile, openError)
	}
	defer answersFile.Close()

	script, loadError := operator.LoadScript(answersFile)
	if loadError != nil {
		return nil, fmt.Errorf(answersFileErrorTemplateConstant, configuration.AnswersFile, loadError)
	}
	logger.Debug(logMessageAnswersLoadedConstant, zap.String(logFieldAnswersFileConstant, configuration.AnswersFile))
	return operator.NewScripted(script, output), nil
}

func (builder *CommandBuilder) resolveObserver(logger *zap.Logger, output io.Writer) StageObserver {
	if builder.ObserverProvider == nil {
		return nil
	}
	return builder.ObserverProvider(logger, output)
}

func (builder *CommandBuilder) resolveService(dependencies Dependencies) (MigrationExecutor, error) {
	if builder.ServiceProvider != nil {
		return builder.ServiceProvider(dependencies)
	}
	return NewOrchestrator(dependencies)
}

func (builder *CommandBuilder) resolveRunID(executionContext context.Context) string {
	if runID, available := utils.NewCommandContextAccessor().RunID(executionContext); available {
		return runID
	}
	if builder.RunIDProvider != nil {
		if runID := strings.TrimSpace(builder.RunIDProvider()); len(runID) > 0 {
			return runID
		}
	}
	return uuid.NewString()
}

func (builder *CommandBuilder) printSummary(output io.Writer, inputs migrationInputs, result MigrationResult, migrationError error) {
	account := result.DID
	if len(account) == 0 {
		account = inputs.credentials.Identifier
	}
	if len(account) == 0 {
		account = unknownAccountConstant
	}

	if migrationError == nil {
		fmt.Fprintf(output, summaryCompletedTemplateConstant, account, inputs.destinationURL, result.TransferredBlobs)
	} else {
		fmt.Fprintf(output, summaryFailedTemplateConstant, account, result.CompletedStage, result.DestinationState)
	}
	if len(result.RecoveryKeyDID) > 0 {
		fmt.Fprintf(output, summaryRecoveryKeyTemplateConstant, result.RecoveryKeyDID)
	}
	if migrationError != nil && !result.SourceDeactivated && len(inputs.sourceURL) > 0 {
		fmt.Fprintf(output, summarySourceActiveTemplateConstant, inputs.sourceURL)
	}
}
