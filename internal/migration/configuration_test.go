package migration_test

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/pdsmigrate/internal/migration"
)

const testConfigurationPrefixConstant = "tools.migrate"

func TestCommandConfigurationSanitize(testInstance *testing.T) {
	testCases := []struct {
		name          string
		configuration migration.CommandConfiguration
		verify        func(testInstance *testing.T, sanitized migration.CommandConfiguration)
	}{
		{
			name: "trims_text_and_handle_prefix",
			configuration: migration.CommandConfiguration{
				SourceURL:  "  https://source.example.com ",
				Identifier: " @alice.example.org",
				Handle:     "@alice.example.org ",
				Email:      " alice@example.org",
			},
			verify: func(testInstance *testing.T, sanitized migration.CommandConfiguration) {
				require.Equal(testInstance, "https://source.example.com", sanitized.SourceURL)
				require.Equal(testInstance, "alice.example.org", sanitized.Identifier)
				require.Equal(testInstance, "alice.example.org", sanitized.Handle)
				require.Equal(testInstance, "alice@example.org", sanitized.Email)
			},
		},
		{
			name: "clamps_tuning_values",
			configuration: migration.CommandConfiguration{
				BlobPageSize:      5000,
				BlobWorkers:       -2,
				ReadRetryAttempts: 0,
				ReadRetryDelay:    -time.Second,
			},
			verify: func(testInstance *testing.T, sanitized migration.CommandConfiguration) {
				require.Equal(testInstance, 1000, sanitized.BlobPageSize)
				require.Equal(testInstance, 1, sanitized.BlobWorkers)
				require.Equal(testInstance, 1, sanitized.ReadRetryAttempts)
				require.Zero(testInstance, sanitized.ReadRetryDelay)
			},
		},
		{
			name:          "expands_answers_file_home",
			configuration: migration.CommandConfiguration{AnswersFile: "~/answers.yaml"},
			verify: func(testInstance *testing.T, sanitized migration.CommandConfiguration) {
				require.True(testInstance, filepath.IsAbs(sanitized.AnswersFile))
				require.Equal(testInstance, "answers.yaml", filepath.Base(sanitized.AnswersFile))
			},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(testSubtestTemplateConstant, testCaseIndex, testCase.name), func(testInstance *testing.T) {
			testCase.verify(testInstance, testCase.configuration.Sanitize())
		})
	}
}

func TestDefaultConfigurationValuesArePrefixed(testInstance *testing.T) {
	values := migration.DefaultConfigurationValues(testConfigurationPrefixConstant)

	require.Equal(testInstance, 500, values[testConfigurationPrefixConstant+".blob_page_size"])
	require.Equal(testInstance, 1, values[testConfigurationPrefixConstant+".blob_workers"])
	require.Equal(testInstance, "10m0s", values[testConfigurationPrefixConstant+".service_token_lifetime"])
	require.Equal(testInstance, false, values[testConfigurationPrefixConstant+".assume_yes"])
	require.Contains(testInstance, values, testConfigurationPrefixConstant+".source_password_source")

	unprefixed := migration.DefaultConfigurationValues("")
	require.Contains(testInstance, unprefixed, "call_timeout")
	require.Len(testInstance, unprefixed, len(values))
}

func TestCommandConfigurationRunSettings(testInstance *testing.T) {
	configuration := migration.DefaultCommandConfiguration()
	configuration.BlobWorkers = 8
	configuration.VerifyBlobContent = true
	configuration.AssumeYes = true

	settings := configuration.RunSettings()
	require.Equal(testInstance, 8, settings.BlobWorkers)
	require.True(testInstance, settings.VerifyBlobContent)
	require.True(testInstance, settings.AssumeYes)
	require.Equal(testInstance, migration.DefaultRunSettings().CallTimeout, settings.CallTimeout)
}
