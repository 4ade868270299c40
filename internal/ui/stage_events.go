package ui

import (
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	stageStartedMessageTemplateConstant   = "[%d/%d] %s"
	stageCompletedMessageTemplateConstant = "Completed: %s"
	stageDetailSuffixTemplateConstant     = " (%s)"
	stageFailedMessageTemplateConstant    = "%s failed: %s"
	stageLineTemplateConstant             = "%s\n"
	unknownFailureMessageConstant         = "unknown error"
	emptyStringConstant                   = ""
	authenticatedLabelConstant            = "Signing in at the source server"
	identityResolvedLabelConstant         = "Resolving the account identity"
	accountProvisionedLabelConstant       = "Creating the destination account"
	repositoryMigratedLabelConstant       = "Copying the repository"
	blobsMigratedLabelConstant            = "Copying blobs"
	preferencesMigratedLabelConstant      = "Copying preferences"
	identityTransitionedLabelConstant     = "Moving the identity to the destination"
	finalizedLabelConstant                = "Switching the active server"
)

var stageLabels = map[migration.Stage]string{
	migration.StageAuthenticated:        authenticatedLabelConstant,
	migration.StageIdentityResolved:     identityResolvedLabelConstant,
	migration.StageAccountProvisioned:   accountProvisionedLabelConstant,
	migration.StageRepositoryMigrated:   repositoryMigratedLabelConstant,
	migration.StageBlobsMigrated:        blobsMigratedLabelConstant,
	migration.StagePreferencesMigrated:  preferencesMigratedLabelConstant,
	migration.StageIdentityTransitioned: identityTransitionedLabelConstant,
	migration.StageFinalized:            finalizedLabelConstant,
}

// StageEventFormatter builds human-readable messages for stage lifecycle events.
type StageEventFormatter struct{}

// BuildStartedMessage formats the message describing a stage about to run.
func (formatter StageEventFormatter) BuildStartedMessage(event migration.StageEvent) string {
	return fmt.Sprintf(stageStartedMessageTemplateConstant, int(event.Stage), int(migration.StageFinalized), formatter.label(event.Stage))
}

// BuildCompletedMessage formats the message describing a completed stage and its detail.
func (formatter StageEventFormatter) BuildCompletedMessage(event migration.StageEvent) string {
	return fmt.Sprintf(stageCompletedMessageTemplateConstant, formatter.label(event.Stage)) + formatter.detailSuffix(event.Detail)
}

// BuildFailureMessage formats the message describing a failed stage.
func (formatter StageEventFormatter) BuildFailureMessage(event migration.StageEvent, failure error) string {
	failureMessage := unknownFailureMessageConstant
	if failure != nil {
		failureMessage = failure.Error()
	}
	return fmt.Sprintf(stageFailedMessageTemplateConstant, formatter.label(event.Stage), failureMessage)
}

func (formatter StageEventFormatter) label(stage migration.Stage) string {
	if label, exists := stageLabels[stage]; exists {
		return label
	}
	return stage.String()
}

func (formatter StageEventFormatter) detailSuffix(detail string) string {
	trimmedDetail := strings.TrimSpace(detail)
	if len(trimmedDetail) == 0 {
		return emptyStringConstant
	}
	return fmt.Sprintf(stageDetailSuffixTemplateConstant, trimmedDetail)
}

// ConsoleStageEventLogger renders stage lifecycle events using a zap logger configured for human-readable output.
type ConsoleStageEventLogger struct {
	logger    *zap.Logger
	formatter StageEventFormatter
}

// NewConsoleStageEventLogger constructs a console event logger backed by the provided zap logger.
func NewConsoleStageEventLogger(logger *zap.Logger) *ConsoleStageEventLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsoleStageEventLogger{logger: logger, formatter: StageEventFormatter{}}
}

// StageStarted implements migration.StageObserver by logging stage start notifications.
func (eventLogger *ConsoleStageEventLogger) StageStarted(event migration.StageEvent) {
	if eventLogger == nil {
		return
	}
	eventLogger.logger.Info(eventLogger.formatter.BuildStartedMessage(event))
}

// StageCompleted implements migration.StageObserver by logging stage completion notifications.
func (eventLogger *ConsoleStageEventLogger) StageCompleted(event migration.StageEvent) {
	if eventLogger == nil {
		return
	}
	eventLogger.logger.Info(eventLogger.formatter.BuildCompletedMessage(event))
}

// StageFailed implements migration.StageObserver by logging stage failures.
func (eventLogger *ConsoleStageEventLogger) StageFailed(event migration.StageEvent, failure error) {
	if eventLogger == nil {
		return
	}
	eventLogger.logger.Error(eventLogger.formatter.BuildFailureMessage(event, failure))
}

// StageProgressPrinter writes one line per stage event to a writer.
type StageProgressPrinter struct {
	writer    *utils.ConsoleWriter
	formatter StageEventFormatter
}

// NewStageProgressPrinter constructs a printer; a nil writer discards output.
func NewStageProgressPrinter(writer io.Writer) *StageProgressPrinter {
	return &StageProgressPrinter{writer: utils.NewConsoleWriter(writer)}
}

// StageStarted prints the stage about to run.
func (printer *StageProgressPrinter) StageStarted(event migration.StageEvent) {
	printer.print(printer.formatter.BuildStartedMessage(event))
}

// StageCompleted prints the completed stage.
func (printer *StageProgressPrinter) StageCompleted(event migration.StageEvent) {
	printer.print(printer.formatter.BuildCompletedMessage(event))
}

// StageFailed prints the failed stage.
func (printer *StageProgressPrinter) StageFailed(event migration.StageEvent, failure error) {
	printer.print(printer.formatter.BuildFailureMessage(event, failure))
}

func (printer *StageProgressPrinter) print(message string) {
	if printer == nil {
		return
	}
	_ = printer.writer.Printf(stageLineTemplateConstant, message)
}
