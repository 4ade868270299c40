package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/pdsmigrate/internal/ui"
)

const (
	testConfigurationFileNameConstant = "config.yaml"
	testConfigurationContentConstant  = "common:\n  log_level: debug\n  log_format: console\ntools:\n  migrate:\n    source_url: https://source.example.com\n    blob_workers: 4\n    call_timeout: 45s\n    verify_missing_blobs: true\n"
	testSubtestTemplateConstant       = "%d_%s"
)

func writeTestConfiguration(t *testing.T, content string) string {
	t.Helper()
	configurationPath := filepath.Join(t.TempDir(), testConfigurationFileNameConstant)
	require.NoError(t, os.WriteFile(configurationPath, []byte(content), 0o600))
	return configurationPath
}

func TestInitializeConfigurationLoadsMigrateSettings(t *testing.T) {
	configurationPath := writeTestConfiguration(t, testConfigurationContentConstant)

	application := NewApplication()
	rootCommand := application.rootCommand
	rootCommand.SetContext(context.Background())
	require.NoError(t, rootCommand.PersistentFlags().Set(configFileFlagNameConstant, configurationPath))

	require.NoError(t, application.initializeConfiguration(rootCommand))

	migrateConfiguration := application.configuration.Tools.Migrate
	require.Equal(t, "https://source.example.com", migrateConfiguration.SourceURL)
	require.Equal(t, 4, migrateConfiguration.BlobWorkers)
	require.Equal(t, 45*time.Second, migrateConfiguration.CallTimeout)
	require.True(t, migrateConfiguration.VerifyMissingBlobs)
	require.Equal(t, 500, migrateConfiguration.BlobPageSize)
	require.Equal(t, 10*time.Minute, migrateConfiguration.ServiceTokenLifetime)
	require.True(t, application.humanReadableLoggingEnabled())

	configurationFilePath, configurationFilePathAvailable := application.commandContextAccessor.ConfigurationFilePath(rootCommand.Context())
	require.True(t, configurationFilePathAvailable)
	require.Equal(t, configurationPath, configurationFilePath)

	logLevel, logLevelAvailable := application.commandContextAccessor.LogLevel(rootCommand.Context())
	require.True(t, logLevelAvailable)
	require.Equal(t, "debug", logLevel)

	runID, runIDAvailable := application.commandContextAccessor.RunID(rootCommand.Context())
	require.True(t, runIDAvailable)
	require.NotEmpty(t, runID)
}

func TestInitializeConfigurationFlagOverrides(t *testing.T) {
	testCases := []struct {
		name              string
		flags             map[string]string
		expectError       bool
		expectedLevel     string
		expectedFormat    string
		expectHumanOutput bool
	}{
		{
			name:           "defaults",
			expectedLevel:  "info",
			expectedFormat: "structured",
		},
		{
			name:              "flags_override_configuration",
			flags:             map[string]string{logLevelFlagNameConstant: "WARN", logFormatFlagNameConstant: "console"},
			expectedLevel:     "warn",
			expectedFormat:    "console",
			expectHumanOutput: true,
		},
		{
			name:        "rejects_unknown_level",
			flags:       map[string]string{logLevelFlagNameConstant: "loud"},
			expectError: true,
		},
		{
			name:        "rejects_unknown_format",
			flags:       map[string]string{logFormatFlagNameConstant: "xml"},
			expectError: true,
		},
	}

	for testCaseIndex, testCase := range testCases {
		t.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv("HOME", t.TempDir())

			application := NewApplication()
			rootCommand := application.rootCommand
			rootCommand.SetContext(context.Background())
			for flagName, flagValue := range testCase.flags {
				require.NoError(t, rootCommand.PersistentFlags().Set(flagName, flagValue))
			}

			initializationError := application.initializeConfiguration(rootCommand)
			if testCase.expectError {
				require.Error(t, initializationError)
				return
			}
			require.NoError(t, initializationError)
			require.Equal(t, testCase.expectedLevel, application.configuration.Common.LogLevel)
			require.Equal(t, testCase.expectedFormat, application.configuration.Common.LogFormat)
			require.Equal(t, testCase.expectHumanOutput, application.humanReadableLoggingEnabled())

			observer := application.stageObserver(application.logger, os.Stderr)
			if testCase.expectHumanOutput {
				require.IsType(t, &ui.ConsoleStageEventLogger{}, observer)
			} else {
				require.IsType(t, &ui.StageProgressPrinter{}, observer)
			}
		})
	}
}
