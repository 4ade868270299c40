package utils_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/temirov/pdsmigrate/internal/utils"
)

const (
	loaderEnvironmentPrefixConstant    = "TESTPDSMIGRATE"
	loaderConfigurationNameConstant    = "config"
	loaderConfigurationTypeConstant    = "yaml"
	loaderConfigurationFileConstant    = "config.yaml"
	loaderUserDirectoryConstant        = ".pds-migrate"
	loaderXDGDirectoryConstant         = "config"
	loaderSubtestTemplateConstant      = "%d_%s"
	loaderPageSizeKeyConstant          = "tools.migrate.blob_page_size"
	loaderSourceKeyConstant            = "tools.migrate.source_url"
	loaderTimeoutKeyConstant           = "tools.migrate.call_timeout"
	loaderEndpointsKeyConstant         = "tools.migrate.endpoints"
	loaderLayeredTemplateConstant      = "tools:\n  migrate:\n    blob_page_size: %d\n"
	loaderSourceTemplateConstant       = "tools:\n  migrate:\n    source_url: %s\n"
	loaderProgrammaticPageSizeConstant = 100
	loaderEmbeddedPageSizeConstant     = 200
	loaderFilePageSizeConstant         = 300
	loaderEnvironmentPageSizeConstant  = "400"
	loaderSearchedSourceConstant       = "https://searched.example.com"
	loaderDefaultTimeoutConstant       = "5m"
	loaderEnvironmentTimeoutConstant   = "45s"
	loaderEnvironmentEndpointsConstant = "https://one.example,https://two.example"
	loaderMissingFileNameConstant      = "absent.yaml"
	loaderMalformedEmbeddedConstant    = "tools: [\n"
	loaderCaseProgrammaticConstant     = "programmatic_defaults_only"
	loaderCaseEmbeddedConstant         = "embedded_over_programmatic"
	loaderCaseFileConstant             = "file_over_embedded"
	loaderCaseEnvironmentConstant      = "environment_over_file"
	loaderCaseWorkingDirectoryConstant = "working_directory"
	loaderCaseConfigDirectoryConstant  = "user_configuration_directory"
	loaderCaseHomeShortcutConstant     = "home_shortcut"
)

type layeredFixture struct {
	Tools struct {
		Migrate struct {
			SourceURL    string        `mapstructure:"source_url"`
			BlobPageSize int           `mapstructure:"blob_page_size"`
			CallTimeout  time.Duration `mapstructure:"call_timeout"`
			Endpoints    []string      `mapstructure:"endpoints"`
		} `mapstructure:"migrate"`
	} `mapstructure:"tools"`
}

func loaderEnvironmentName(key string) string {
	return loaderEnvironmentPrefixConstant + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func TestConfigurationLoaderLayerPrecedence(testInstance *testing.T) {
	testCases := []struct {
		name              string
		embedded          bool
		file              bool
		environment       bool
		expectedPageSize  int
		expectedEmbedding bool
	}{
		{name: loaderCaseProgrammaticConstant, expectedPageSize: loaderProgrammaticPageSizeConstant},
		{name: loaderCaseEmbeddedConstant, embedded: true, expectedPageSize: loaderEmbeddedPageSizeConstant, expectedEmbedding: true},
		{name: loaderCaseFileConstant, embedded: true, file: true, expectedPageSize: loaderFilePageSizeConstant, expectedEmbedding: true},
		{name: loaderCaseEnvironmentConstant, embedded: true, file: true, environment: true, expectedPageSize: 400, expectedEmbedding: true},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(loaderSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			searchDirectory := subtest.TempDir()
			loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, []string{searchDirectory})
			if testCase.embedded {
				loader.SetEmbeddedConfiguration([]byte(fmt.Sprintf(loaderLayeredTemplateConstant, loaderEmbeddedPageSizeConstant)), loaderConfigurationTypeConstant)
			}

			configurationFilePath := ""
			if testCase.file {
				configurationFilePath = filepath.Join(subtest.TempDir(), loaderConfigurationFileConstant)
				require.NoError(subtest, os.WriteFile(configurationFilePath, []byte(fmt.Sprintf(loaderLayeredTemplateConstant, loaderFilePageSizeConstant)), 0o600))
			}
			if testCase.environment {
				subtest.Setenv(loaderEnvironmentName(loaderPageSizeKeyConstant), loaderEnvironmentPageSizeConstant)
			}

			loaded := layeredFixture{}
			metadata, loadError := loader.LoadConfiguration(configurationFilePath, map[string]any{loaderPageSizeKeyConstant: loaderProgrammaticPageSizeConstant}, &loaded)
			require.NoError(subtest, loadError)
			require.Equal(subtest, testCase.expectedPageSize, loaded.Tools.Migrate.BlobPageSize)
			require.Equal(subtest, testCase.expectedEmbedding, metadata.EmbeddedApplied)
			require.Equal(subtest, configurationFilePath, metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderSearchesConfiguredDirectories(testInstance *testing.T) {
	testCases := []struct {
		name            string
		chooseDirectory func(workingDirectory string, userDirectory string, homeDirectory string) string
	}{
		{
			name: loaderCaseWorkingDirectoryConstant,
			chooseDirectory: func(workingDirectory string, userDirectory string, homeDirectory string) string {
				return workingDirectory
			},
		},
		{
			name: loaderCaseConfigDirectoryConstant,
			chooseDirectory: func(workingDirectory string, userDirectory string, homeDirectory string) string {
				return userDirectory
			},
		},
		{
			name: loaderCaseHomeShortcutConstant,
			chooseDirectory: func(workingDirectory string, userDirectory string, homeDirectory string) string {
				return filepath.Join(homeDirectory, loaderUserDirectoryConstant)
			},
		},
	}

	for testCaseIndex, testCase := range testCases {
		testInstance.Run(fmt.Sprintf(loaderSubtestTemplateConstant, testCaseIndex, testCase.name), func(subtest *testing.T) {
			workingDirectory := subtest.TempDir()
			homeDirectory := subtest.TempDir()
			subtest.Setenv("HOME", homeDirectory)
			subtest.Setenv("XDG_CONFIG_HOME", filepath.Join(homeDirectory, loaderXDGDirectoryConstant))

			userConfigurationRoot, userConfigurationError := os.UserConfigDir()
			require.NoError(subtest, userConfigurationError)
			userDirectory := filepath.Join(userConfigurationRoot, loaderUserDirectoryConstant)

			selectedDirectory := testCase.chooseDirectory(workingDirectory, userDirectory, homeDirectory)
			require.NoError(subtest, os.MkdirAll(selectedDirectory, 0o755))
			configurationFilePath := filepath.Join(selectedDirectory, loaderConfigurationFileConstant)
			require.NoError(subtest, os.WriteFile(configurationFilePath, []byte(fmt.Sprintf(loaderSourceTemplateConstant, loaderSearchedSourceConstant)), 0o600))

			loader := utils.NewConfigurationLoader(
				loaderConfigurationNameConstant,
				loaderConfigurationTypeConstant,
				loaderEnvironmentPrefixConstant,
				[]string{workingDirectory, userDirectory, "~/" + loaderUserDirectoryConstant},
			)

			loaded := layeredFixture{}
			metadata, loadError := loader.LoadConfiguration("", map[string]any{loaderSourceKeyConstant: ""}, &loaded)
			require.NoError(subtest, loadError)
			require.Equal(subtest, loaderSearchedSourceConstant, loaded.Tools.Migrate.SourceURL)
			require.Equal(subtest, configurationFilePath, metadata.ConfigFileUsed)
		})
	}
}

func TestConfigurationLoaderRejectsMissingExplicitFile(testInstance *testing.T) {
	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, nil)

	loaded := layeredFixture{}
	_, loadError := loader.LoadConfiguration(filepath.Join(testInstance.TempDir(), loaderMissingFileNameConstant), nil, &loaded)
	require.ErrorContains(testInstance, loadError, loaderMissingFileNameConstant)
}

func TestConfigurationLoaderRejectsMalformedEmbeddedDefaults(testInstance *testing.T) {
	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, []string{testInstance.TempDir()})
	loader.SetEmbeddedConfiguration([]byte(loaderMalformedEmbeddedConstant), loaderConfigurationTypeConstant)

	loaded := layeredFixture{}
	_, loadError := loader.LoadConfiguration("", nil, &loaded)
	require.Error(testInstance, loadError)
}

func TestConfigurationLoaderDecodesDurationsAndLists(testInstance *testing.T) {
	testInstance.Setenv(loaderEnvironmentName(loaderTimeoutKeyConstant), loaderEnvironmentTimeoutConstant)
	testInstance.Setenv(loaderEnvironmentName(loaderEndpointsKeyConstant), loaderEnvironmentEndpointsConstant)

	loader := utils.NewConfigurationLoader(loaderConfigurationNameConstant, loaderConfigurationTypeConstant, loaderEnvironmentPrefixConstant, []string{testInstance.TempDir()})

	defaultValues := map[string]any{
		loaderTimeoutKeyConstant:   loaderDefaultTimeoutConstant,
		loaderEndpointsKeyConstant: []string{},
	}

	loaded := layeredFixture{}
	_, loadError := loader.LoadConfiguration("", defaultValues, &loaded)
	require.NoError(testInstance, loadError)
	require.Equal(testInstance, 45*time.Second, loaded.Tools.Migrate.CallTimeout)
	require.Equal(testInstance, []string{"https://one.example", "https://two.example"}, loaded.Tools.Migrate.Endpoints)
}
