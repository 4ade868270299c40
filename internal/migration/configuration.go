package migration

import (
	"strings"
	"time"

	pathutils "github.com/temirov/pdsmigrate/internal/utils/path"
)

const (
	sourceURLConfigurationKeyConstant                 = "source_url"
	destinationURLConfigurationKeyConstant            = "destination_url"
	identifierConfigurationKeyConstant                = "identifier"
	emailConfigurationKeyConstant                     = "email"
	handleConfigurationKeyConstant                    = "handle"
	inviteCodeConfigurationKeyConstant                = "invite_code"
	sourcePasswordSourceConfigurationKeyConstant      = "source_password_source"
	destinationPasswordSourceConfigurationKeyConstant = "destination_password_source"
	answersFileConfigurationKeyConstant               = "answers_file"
	blobPageSizeConfigurationKeyConstant              = "blob_page_size"
	blobWorkersConfigurationKeyConstant               = "blob_workers"
	verifyBlobContentConfigurationKeyConstant         = "verify_blob_content"
	verifyMissingBlobsConfigurationKeyConstant        = "verify_missing_blobs"
	readRetryAttemptsConfigurationKeyConstant         = "read_retry_attempts"
	readRetryDelayConfigurationKeyConstant            = "read_retry_delay"
	callTimeoutConfigurationKeyConstant               = "call_timeout"
	serviceTokenLifetimeConfigurationKeyConstant      = "service_token_lifetime"
	plcDirectoryURLConfigurationKeyConstant           = "plc_directory_url"
	assumeYesConfigurationKeyConstant                 = "assume_yes"
	configurationKeySeparatorConstant                 = "."
	handleAtPrefixConstant                            = "@"
)

var migrateConfigurationHomeExpander = pathutils.NewHomeExpander()

// CommandConfiguration captures persisted configuration for the migrate command.
type CommandConfiguration struct {
	SourceURL                 string        `mapstructure:"source_url"`
	DestinationURL            string        `mapstructure:"destination_url"`
	Identifier                string        `mapstructure:"identifier"`
	Email                     string        `mapstructure:"email"`
	Handle                    string        `mapstructure:"handle"`
	InviteCode                string        `mapstructure:"invite_code"`
	SourcePasswordSource      string        `mapstructure:"source_password_source"`
	DestinationPasswordSource string        `mapstructure:"destination_password_source"`
	AnswersFile               string        `mapstructure:"answers_file"`
	BlobPageSize              int           `mapstructure:"blob_page_size"`
	BlobWorkers               int           `mapstructure:"blob_workers"`
	VerifyBlobContent         bool          `mapstructure:"verify_blob_content"`
	VerifyMissingBlobs        bool          `mapstructure:"verify_missing_blobs"`
	ReadRetryAttempts         int           `mapstructure:"read_retry_attempts"`
	ReadRetryDelay            time.Duration `mapstructure:"read_retry_delay"`
	CallTimeout               time.Duration `mapstructure:"call_timeout"`
	ServiceTokenLifetime      time.Duration `mapstructure:"service_token_lifetime"`
	PLCDirectoryURL           string        `mapstructure:"plc_directory_url"`
	AssumeYes                 bool          `mapstructure:"assume_yes"`
}

// DefaultCommandConfiguration returns baseline configuration values for the migrate command.
func DefaultCommandConfiguration() CommandConfiguration {
	settings := DefaultRunSettings()
	return CommandConfiguration{
		BlobPageSize:         settings.BlobPageSize,
		BlobWorkers:          settings.BlobWorkers,
		VerifyBlobContent:    settings.VerifyBlobContent,
		VerifyMissingBlobs:   settings.VerifyMissingBlobs,
		ReadRetryAttempts:    settings.ReadRetryAttempts,
		ReadRetryDelay:       settings.ReadRetryDelay,
		CallTimeout:          settings.CallTimeout,
		ServiceTokenLifetime: settings.ServiceTokenLifetime,
		AssumeYes:            settings.AssumeYes,
	}
}

// DefaultConfigurationValues exposes the defaults as dotted configuration keys beneath prefix.
func DefaultConfigurationValues(prefix string) map[string]any {
	defaults := DefaultCommandConfiguration()
	values := map[string]any{
		sourceURLConfigurationKeyConstant:                 defaults.SourceURL,
		destinationURLConfigurationKeyConstant:            defaults.DestinationURL,
		identifierConfigurationKeyConstant:                defaults.Identifier,
		emailConfigurationKeyConstant:                     defaults.Email,
		handleConfigurationKeyConstant:                    defaults.Handle,
		inviteCodeConfigurationKeyConstant:                defaults.InviteCode,
		sourcePasswordSourceConfigurationKeyConstant:      defaults.SourcePasswordSource,
		destinationPasswordSourceConfigurationKeyConstant: defaults.DestinationPasswordSource,
		answersFileConfigurationKeyConstant:               defaults.AnswersFile,
		blobPageSizeConfigurationKeyConstant:              defaults.BlobPageSize,
		blobWorkersConfigurationKeyConstant:               defaults.BlobWorkers,
		verifyBlobContentConfigurationKeyConstant:         defaults.VerifyBlobContent,
		verifyMissingBlobsConfigurationKeyConstant:        defaults.VerifyMissingBlobs,
		readRetryAttemptsConfigurationKeyConstant:         defaults.ReadRetryAttempts,
		readRetryDelayConfigurationKeyConstant:            defaults.ReadRetryDelay.String(),
		callTimeoutConfigurationKeyConstant:               defaults.CallTimeout.String(),
		serviceTokenLifetimeConfigurationKeyConstant:      defaults.ServiceTokenLifetime.String(),
		plcDirectoryURLConfigurationKeyConstant:           defaults.PLCDirectoryURL,
		assumeYesConfigurationKeyConstant:                 defaults.AssumeYes,
	}

	trimmedPrefix := strings.Trim(strings.TrimSpace(prefix), configurationKeySeparatorConstant)
	if len(trimmedPrefix) == 0 {
		return values
	}

	prefixed := make(map[string]any, len(values))
	for key, value := range values {
		prefixed[trimmedPrefix+configurationKeySeparatorConstant+key] = value
	}
	return prefixed
}

// Sanitize trims configured values and clamps tuning knobs into their usable ranges.
func (configuration CommandConfiguration) Sanitize() CommandConfiguration {
	sanitized := configuration
	sanitized.SourceURL = strings.TrimSpace(configuration.SourceURL)
	sanitized.DestinationURL = strings.TrimSpace(configuration.DestinationURL)
	sanitized.Identifier = strings.TrimPrefix(strings.TrimSpace(configuration.Identifier), handleAtPrefixConstant)
	sanitized.Email = strings.TrimSpace(configuration.Email)
	sanitized.Handle = strings.TrimPrefix(strings.TrimSpace(configuration.Handle), handleAtPrefixConstant)
	sanitized.InviteCode = strings.TrimSpace(configuration.InviteCode)
	sanitized.SourcePasswordSource = strings.TrimSpace(configuration.SourcePasswordSource)
	sanitized.DestinationPasswordSource = strings.TrimSpace(configuration.DestinationPasswordSource)
	sanitized.AnswersFile = migrateConfigurationHomeExpander.Expand(strings.TrimSpace(configuration.AnswersFile))
	sanitized.PLCDirectoryURL = strings.TrimSpace(configuration.PLCDirectoryURL)

	settings := sanitized.RunSettings()
	sanitized.BlobPageSize = settings.BlobPageSize
	sanitized.BlobWorkers = settings.BlobWorkers
	sanitized.ReadRetryAttempts = settings.ReadRetryAttempts
	sanitized.ReadRetryDelay = settings.ReadRetryDelay
	sanitized.CallTimeout = settings.CallTimeout
	sanitized.ServiceTokenLifetime = settings.ServiceTokenLifetime
	return sanitized
}

// RunSettings projects the tuning knobs onto the settings of one run.
func (configuration CommandConfiguration) RunSettings() RunSettings {
	return RunSettings{
		BlobPageSize:         configuration.BlobPageSize,
		BlobWorkers:          configuration.BlobWorkers,
		VerifyBlobContent:    configuration.VerifyBlobContent,
		VerifyMissingBlobs:   configuration.VerifyMissingBlobs,
		ReadRetryAttempts:    configuration.ReadRetryAttempts,
		ReadRetryDelay:       configuration.ReadRetryDelay,
		CallTimeout:          configuration.CallTimeout,
		ServiceTokenLifetime: configuration.ServiceTokenLifetime,
		AssumeYes:            configuration.AssumeYes,
	}.Sanitize()
}
