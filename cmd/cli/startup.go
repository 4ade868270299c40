package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/ui"
	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	commonLogLevelConfigKeyConstant        = "common.log_level"
	commonLogFormatConfigKeyConstant       = "common.log_format"
	migrateConfigurationKeyConstant        = "tools.migrate"
	configurationLoadErrorTemplateConstant = "unable to load configuration: %w"
	loggerCreationErrorTemplateConstant    = "unable to create logger: %w"
	startupMessageConstant                 = "configuration initialized"
	startupLogLevelFieldConstant           = "log_level"
	startupLogFormatFieldConstant          = "log_format"
	startupConfigFileFieldConstant         = "config_file"
	startupEmbeddedFieldConstant           = "embedded_defaults"
	startupRunIDFieldConstant              = "run_id"
)

// initializeConfiguration loads the layered configuration, applies flag
// overrides, builds the logger and stamps the command context with a run ID.
func (application *Application) initializeConfiguration(command *cobra.Command) error {
	loadedConfiguration, loadError := application.configurationLoader.LoadConfiguration(
		application.flags.configurationFilePath,
		applicationDefaultValues(),
		&application.configuration,
	)
	if loadError != nil {
		return fmt.Errorf(configurationLoadErrorTemplateConstant, loadError)
	}
	application.configurationMetadata = loadedConfiguration
	application.applyLoggingFlags(command)

	logger, loggerError := application.buildLogger()
	if loggerError != nil {
		return fmt.Errorf(loggerCreationErrorTemplateConstant, loggerError)
	}
	application.logger = logger

	runID := uuid.NewString()
	logger.Info(
		startupMessageConstant,
		zap.String(startupLogLevelFieldConstant, application.configuration.Common.LogLevel),
		zap.String(startupLogFormatFieldConstant, application.configuration.Common.LogFormat),
		zap.String(startupConfigFileFieldConstant, loadedConfiguration.ConfigFileUsed),
		zap.Bool(startupEmbeddedFieldConstant, loadedConfiguration.EmbeddedApplied),
		zap.String(startupRunIDFieldConstant, runID),
	)
	application.propagateRunContext(command, runID)
	return nil
}

func applicationDefaultValues() map[string]any {
	defaultValues := migration.DefaultConfigurationValues(migrateConfigurationKeyConstant)
	defaultValues[commonLogLevelConfigKeyConstant] = string(utils.LogLevelInfo)
	defaultValues[commonLogFormatConfigKeyConstant] = string(utils.LogFormatStructured)
	return defaultValues
}

// applyLoggingFlags lets explicitly set flags win over every configuration layer.
func (application *Application) applyLoggingFlags(command *cobra.Command) {
	if flagChanged(command, logLevelFlagNameConstant) {
		application.configuration.Common.LogLevel = application.flags.logLevel
	}
	if flagChanged(command, logFormatFlagNameConstant) {
		application.configuration.Common.LogFormat = application.flags.logFormat
	}
}

// buildLogger validates the logging settings, normalizes them in place and
// returns a logger built from them.
func (application *Application) buildLogger() (*zap.Logger, error) {
	common := &application.configuration.Common
	logLevel, levelError := utils.ParseLogLevel(common.LogLevel)
	if levelError != nil {
		return nil, levelError
	}
	logFormat, formatError := utils.ParseLogFormat(common.LogFormat)
	if formatError != nil {
		return nil, formatError
	}
	common.LogLevel = string(logLevel)
	common.LogFormat = string(logFormat)
	return application.loggerFactory.CreateLogger(logLevel, logFormat)
}

func (application *Application) propagateRunContext(command *cobra.Command, runID string) {
	if command == nil {
		return
	}
	accessor := application.commandContextAccessor
	runContext := command.Context()
	if runContext == nil {
		runContext = context.Background()
	}
	runContext = accessor.WithConfigurationFilePath(runContext, application.configurationMetadata.ConfigFileUsed)
	runContext = accessor.WithLogLevel(runContext, application.configuration.Common.LogLevel)
	runContext = accessor.WithRunID(runContext, runID)

	command.SetContext(runContext)
	if rootCommand := command.Root(); rootCommand != command {
		rootCommand.SetContext(runContext)
	}
}

func (application *Application) humanReadableLoggingEnabled() bool {
	return strings.EqualFold(strings.TrimSpace(application.configuration.Common.LogFormat), string(utils.LogFormatConsole))
}

// stageObserver logs stage transitions through zap in console mode and prints
// one progress line per stage otherwise, keeping structured logs machine readable.
func (application *Application) stageObserver(logger *zap.Logger, output io.Writer) migration.StageObserver {
	if application.humanReadableLoggingEnabled() {
		return ui.NewConsoleStageEventLogger(logger)
	}
	return ui.NewStageProgressPrinter(output)
}

// flagChanged reports whether a local or inherited persistent flag was set.
func flagChanged(command *cobra.Command, flagName string) bool {
	if command == nil {
		return false
	}
	flag := command.Flag(flagName)
	return flag != nil && flag.Changed
}

// syncLogger flushes the logger, ignoring the errors terminals and pipes
// return from fsync.
func syncLogger(logger *zap.Logger) error {
	if logger == nil {
		return nil
	}
	syncError := logger.Sync()
	for _, ignorable := range []error{syscall.ENOTSUP, syscall.EINVAL, syscall.ENOTTY, syscall.EBADF} {
		if errors.Is(syncError, ignorable) {
			return nil
		}
	}
	return syncError
}
