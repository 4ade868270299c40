package migration

import (
	"time"

	"github.com/temirov/pdsmigrate/internal/identity"
)

const (
	defaultBlobPageSizeConstant         = 500
	maximumBlobPageSizeConstant         = 1000
	defaultBlobWorkersConstant          = 1
	defaultReadRetryAttemptsConstant    = 1
	defaultReadRetryDelayConstant       = time.Second
	defaultCallTimeoutConstant          = 5 * time.Minute
	defaultServiceTokenLifetimeConstant = 10 * time.Minute
)

// SourceCredentials authenticate the operator at the source server.
type SourceCredentials struct {
	Identifier      string
	Password        string
	AuthFactorToken string
}

// DestinationAccount describes the account to create at the destination server.
type DestinationAccount struct {
	Email      string
	Handle     string
	Password   string
	InviteCode string
}

// RunSettings tunes transfer and call behavior.
type RunSettings struct {
	BlobPageSize         int
	BlobWorkers          int
	VerifyBlobContent    bool
	VerifyMissingBlobs   bool
	ReadRetryAttempts    int
	ReadRetryDelay       time.Duration
	CallTimeout          time.Duration
	ServiceTokenLifetime time.Duration
	AssumeYes            bool
}

// DefaultRunSettings returns the settings used when nothing is configured.
func DefaultRunSettings() RunSettings {
	return RunSettings{
		BlobPageSize:         defaultBlobPageSizeConstant,
		BlobWorkers:          defaultBlobWorkersConstant,
		ReadRetryAttempts:    defaultReadRetryAttemptsConstant,
		ReadRetryDelay:       defaultReadRetryDelayConstant,
		CallTimeout:          defaultCallTimeoutConstant,
		ServiceTokenLifetime: defaultServiceTokenLifetimeConstant,
	}
}

// Sanitize clamps settings into their usable ranges.
func (settings RunSettings) Sanitize() RunSettings {
	sanitized := settings
	if sanitized.BlobPageSize <= 0 {
		sanitized.BlobPageSize = defaultBlobPageSizeConstant
	}
	if sanitized.BlobPageSize > maximumBlobPageSizeConstant {
		sanitized.BlobPageSize = maximumBlobPageSizeConstant
	}
	if sanitized.BlobWorkers <= 0 {
		sanitized.BlobWorkers = defaultBlobWorkersConstant
	}
	if sanitized.ReadRetryAttempts <= 0 {
		sanitized.ReadRetryAttempts = defaultReadRetryAttemptsConstant
	}
	if sanitized.ReadRetryDelay < 0 {
		sanitized.ReadRetryDelay = 0
	}
	if sanitized.CallTimeout < 0 {
		sanitized.CallTimeout = 0
	}
	if sanitized.ServiceTokenLifetime < 0 {
		sanitized.ServiceTokenLifetime = 0
	}
	return sanitized
}

// MigrationOptions configures one run.
type MigrationOptions struct {
	RunID       string
	Source      AccountClient
	Destination AccountClient
	Credentials SourceCredentials
	Account     DestinationAccount
	Settings    RunSettings
}

// MigrationResult reports how far a run got, whether or not it failed.
type MigrationResult struct {
	RunID             string
	DID               string
	Method            identity.Method
	CompletedStage    Stage
	DestinationState  DestinationState
	TransferredBlobs  int
	RecoveryKeyDID    string
	SourceDeactivated bool
}
