package utils

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	pathutils "github.com/temirov/pdsmigrate/internal/utils/path"
)

const (
	nestedKeySeparatorConstant               = "."
	environmentKeySeparatorConstant          = "_"
	listSeparatorConstant                    = ","
	configurationReadErrorTemplateConstant   = "failed to read configuration %s: %w"
	configurationSearchErrorTemplateConstant = "failed to read configuration: %w"
	configurationDecodeErrorTemplateConstant = "failed to parse configuration: %w"
	embeddedMergeErrorTemplateConstant       = "failed to merge embedded configuration: %w"
)

// ConfigurationLoader layers embedded defaults, a configuration file and
// PREFIX_SECTION_KEY environment variables, in increasing precedence.
type ConfigurationLoader struct {
	configurationName   string
	configurationType   string
	environmentPrefix   string
	searchPaths         []string
	embeddedDefaults    []byte
	embeddedDefaultType string
}

// LoadedConfiguration surfaces which layers contributed to a load.
type LoadedConfiguration struct {
	ConfigFileUsed  string
	EmbeddedApplied bool
}

// NewConfigurationLoader creates a loader that searches searchPaths, after "~" expansion,
// for configurationName and reads environment overrides under environmentPrefix.
func NewConfigurationLoader(configurationName string, configurationType string, environmentPrefix string, searchPaths []string) *ConfigurationLoader {
	return &ConfigurationLoader{
		configurationName: configurationName,
		configurationType: configurationType,
		environmentPrefix: environmentPrefix,
		searchPaths:       pathutils.NewHomeExpander().ExpandAll(searchPaths),
	}
}

// SetEmbeddedConfiguration registers defaults compiled into the binary. They sit beneath
// every other layer except programmatic defaults.
func (loader *ConfigurationLoader) SetEmbeddedConfiguration(configurationData []byte, configurationType string) {
	if loader == nil {
		return
	}
	loader.embeddedDefaultType = strings.TrimSpace(configurationType)
	loader.embeddedDefaults = nil
	if len(configurationData) > 0 {
		loader.embeddedDefaults = slices.Clone(configurationData)
	}
}

// LoadConfiguration decodes the layered configuration into targetConfiguration. An explicit
// configurationFilePath must exist; otherwise a missing file in the search paths is not an error.
func (loader *ConfigurationLoader) LoadConfiguration(configurationFilePath string, defaultValues map[string]any, targetConfiguration any) (LoadedConfiguration, error) {
	loaded := LoadedConfiguration{}
	viperInstance := viper.New()

	for defaultKey, defaultValue := range defaultValues {
		viperInstance.SetDefault(defaultKey, defaultValue)
	}

	embeddedApplied, embeddedError := loader.mergeEmbedded(viperInstance)
	if embeddedError != nil {
		return LoadedConfiguration{}, embeddedError
	}
	loaded.EmbeddedApplied = embeddedApplied

	if fileError := loader.mergeFile(viperInstance, configurationFilePath); fileError != nil {
		return LoadedConfiguration{}, fileError
	}
	loaded.ConfigFileUsed = viperInstance.ConfigFileUsed()

	viperInstance.SetEnvPrefix(loader.environmentPrefix)
	viperInstance.SetEnvKeyReplacer(strings.NewReplacer(nestedKeySeparatorConstant, environmentKeySeparatorConstant))
	viperInstance.AutomaticEnv()

	if decodeError := viperInstance.Unmarshal(targetConfiguration, viper.DecodeHook(configurationDecodeHook())); decodeError != nil {
		return LoadedConfiguration{}, fmt.Errorf(configurationDecodeErrorTemplateConstant, decodeError)
	}
	return loaded, nil
}

func (loader *ConfigurationLoader) mergeEmbedded(viperInstance *viper.Viper) (bool, error) {
	if loader == nil || len(loader.embeddedDefaults) == 0 {
		return false, nil
	}
	embeddedType := loader.embeddedDefaultType
	if len(embeddedType) == 0 {
		embeddedType = loader.configurationType
	}
	viperInstance.SetConfigType(embeddedType)
	if mergeError := viperInstance.MergeConfig(bytes.NewReader(loader.embeddedDefaults)); mergeError != nil {
		return false, fmt.Errorf(embeddedMergeErrorTemplateConstant, mergeError)
	}
	return true, nil
}

func (loader *ConfigurationLoader) mergeFile(viperInstance *viper.Viper, configurationFilePath string) error {
	viperInstance.SetConfigType(loader.configurationType)
	trimmedPath := strings.TrimSpace(configurationFilePath)
	if len(trimmedPath) > 0 {
		viperInstance.SetConfigFile(trimmedPath)
		if readError := viperInstance.MergeInConfig(); readError != nil {
			return fmt.Errorf(configurationReadErrorTemplateConstant, trimmedPath, readError)
		}
		return nil
	}

	viperInstance.SetConfigName(loader.configurationName)
	for _, searchPath := range loader.searchPaths {
		viperInstance.AddConfigPath(searchPath)
	}
	readError := viperInstance.MergeInConfig()
	var notFoundError viper.ConfigFileNotFoundError
	if readError != nil && !errors.As(readError, &notFoundError) {
		return fmt.Errorf(configurationSearchErrorTemplateConstant, readError)
	}
	return nil
}

// configurationDecodeHook accepts durations such as "30s" and comma separated lists in
// environment overrides.
func configurationDecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(listSeparatorConstant),
	)
}
