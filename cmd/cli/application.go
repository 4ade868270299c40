package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	applicationNameConstant             = "pds-migrate"
	applicationShortDescriptionConstant = "Move accounts between personal data servers"
	applicationLongDescriptionConstant  = "pds-migrate moves an account, its repository, blobs, preferences and identity from one personal data server to another."
	configFileFlagNameConstant          = "config"
	configFileFlagUsageConstant         = "Optional path to a configuration file (YAML or JSON)."
	logLevelFlagNameConstant            = "log-level"
	logLevelFlagUsageConstant           = "Override the configured log level."
	logFormatFlagNameConstant           = "log-format"
	logFormatFlagUsageConstant          = "Override the configured log format (structured or console)."
	versionFlagNameConstant             = "version"
	versionFlagUsageConstant            = "Print the application version and exit."
	environmentPrefixConstant           = "PDSMIGRATE"
	configurationNameConstant           = "config"
	configurationTypeConstant           = "yaml"
	workingDirectorySearchPathConstant  = "."
	homeDirectorySearchPathConstant     = "~/.pds-migrate"
	loggerSyncErrorTemplateConstant     = "unable to flush logger: %w"
)

// ApplicationConfiguration is the decoded form of the layered configuration.
type ApplicationConfiguration struct {
	Common ApplicationCommonConfiguration `mapstructure:"common"`
	Tools  ApplicationToolsConfiguration  `mapstructure:"tools"`
}

// ApplicationCommonConfiguration holds settings every command shares.
type ApplicationCommonConfiguration struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// ApplicationToolsConfiguration holds one section per subcommand.
type ApplicationToolsConfiguration struct {
	Migrate migration.CommandConfiguration `mapstructure:"migrate"`
}

// rootFlagValues receives the persistent flags before configuration is loaded.
type rootFlagValues struct {
	configurationFilePath string
	logLevel              string
	logFormat             string
	printVersion          bool
}

// Application owns the command tree and the state produced while starting it:
// the decoded configuration, the logger and the run identifier.
type Application struct {
	rootCommand            *cobra.Command
	configurationLoader    *utils.ConfigurationLoader
	loggerFactory          *utils.LoggerFactory
	logger                 *zap.Logger
	configuration          ApplicationConfiguration
	configurationMetadata  utils.LoadedConfiguration
	flags                  rootFlagValues
	commandContextAccessor utils.CommandContextAccessor
	versionResolver        func(context.Context) string
	exitFunction           func(int)
}

// NewApplication builds the pds-migrate command tree.
func NewApplication() *Application {
	application := &Application{
		configurationLoader:    newApplicationConfigurationLoader(),
		loggerFactory:          utils.NewLoggerFactory(),
		logger:                 zap.NewNop(),
		commandContextAccessor: utils.NewCommandContextAccessor(),
		versionResolver:        resolveBuildVersion,
		exitFunction:           os.Exit,
	}
	application.rootCommand = application.buildRootCommand()
	application.attachSubcommands()
	return application
}

func newApplicationConfigurationLoader() *utils.ConfigurationLoader {
	loader := utils.NewConfigurationLoader(
		configurationNameConstant,
		configurationTypeConstant,
		environmentPrefixConstant,
		[]string{workingDirectorySearchPathConstant, homeDirectorySearchPathConstant},
	)
	loader.SetEmbeddedConfiguration(EmbeddedDefaultConfiguration())
	return loader
}

func (application *Application) buildRootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:               applicationNameConstant,
		Short:             applicationShortDescriptionConstant,
		Long:              applicationLongDescriptionConstant,
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: application.beforeCommand,
		RunE: func(command *cobra.Command, arguments []string) error {
			return command.Help()
		},
	}
	rootCommand.SetContext(context.Background())

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.StringVar(&application.flags.configurationFilePath, configFileFlagNameConstant, "", configFileFlagUsageConstant)
	persistentFlags.StringVar(&application.flags.logLevel, logLevelFlagNameConstant, "", logLevelFlagUsageConstant)
	persistentFlags.StringVar(&application.flags.logFormat, logFormatFlagNameConstant, "", logFormatFlagUsageConstant)
	persistentFlags.BoolVar(&application.flags.printVersion, versionFlagNameConstant, false, versionFlagUsageConstant)
	return rootCommand
}

// attachSubcommands registers commands that read their settings lazily, after
// beforeCommand has loaded configuration.
func (application *Application) attachSubcommands() {
	migrateBuilder := migration.CommandBuilder{
		LoggerProvider: func() *zap.Logger {
			return application.logger
		},
		ConfigurationProvider: func() migration.CommandConfiguration {
			return application.configuration.Tools.Migrate
		},
		ObserverProvider: application.stageObserver,
	}
	if migrateCommand, buildError := migrateBuilder.Build(); buildError == nil {
		application.rootCommand.AddCommand(migrateCommand)
	}
}

func (application *Application) beforeCommand(command *cobra.Command, arguments []string) error {
	if application.flags.printVersion {
		application.printVersion(command)
		return nil
	}
	return application.initializeConfiguration(command)
}

// Execute runs the command tree and flushes the logger afterwards.
func (application *Application) Execute() error {
	executionError := application.rootCommand.Execute()
	if syncError := syncLogger(application.logger); syncError != nil && executionError == nil {
		return fmt.Errorf(loggerSyncErrorTemplateConstant, syncError)
	}
	return executionError
}

// Execute builds a fresh application and runs it with os.Args.
func Execute() error {
	return NewApplication().Execute()
}
