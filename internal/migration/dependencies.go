package migration

import (
	"context"
	"time"

	"github.com/temirov/pdsmigrate/internal/atproto"
	"github.com/temirov/pdsmigrate/internal/identity"
	"github.com/temirov/pdsmigrate/internal/keys"
)

// AccountClient is the RPC surface of one personal data server.
type AccountClient interface {
	Endpoint() string
	CreateSession(requestContext context.Context, identifier string, password string, authFactorToken string) (atproto.Session, error)
	DescribeServer(requestContext context.Context) (atproto.ServerDescription, error)
	GetServiceAuth(requestContext context.Context, audience string, operation string, lifetime time.Duration) (*atproto.ServiceToken, error)
	CreateAccount(requestContext context.Context, input atproto.CreateAccountInput, token *atproto.ServiceToken) (atproto.Session, error)
	ExportRepository(requestContext context.Context, did string) ([]byte, error)
	ImportRepository(requestContext context.Context, archive []byte) error
	ListBlobs(requestContext context.Context, did string, cursor string, limit int) (atproto.BlobPage, error)
	FetchBlob(requestContext context.Context, did string, contentID string) ([]byte, error)
	UploadBlob(requestContext context.Context, data []byte) (atproto.BlobReference, error)
	ListMissingBlobs(requestContext context.Context, cursor string, limit int) (atproto.MissingBlobPage, error)
	GetPreferences(requestContext context.Context) (atproto.Preferences, error)
	PutPreferences(requestContext context.Context, preferences atproto.Preferences) error
	GetRecommendedCredentials(requestContext context.Context) (atproto.Credentials, error)
	RequestIdentityChallenge(requestContext context.Context) error
	SignIdentityOperation(requestContext context.Context, input atproto.SignOperationInput) (atproto.SignedOperation, error)
	SubmitIdentityOperation(requestContext context.Context, operation atproto.SignedOperation) error
	ActivateAccount(requestContext context.Context) error
	DeactivateAccount(requestContext context.Context, options atproto.DeactivateOptions) error
}

// IdentityResolver maps identifiers to account identities and reads directory-held rotation keys.
type IdentityResolver interface {
	ResolveIdentity(resolutionContext context.Context, identifier string) (identity.AccountIdentity, error)
	ResolveRotationKeys(resolutionContext context.Context, did string) ([]string, error)
}

// RecoveryKeyGenerator produces the recovery key registered during a did:plc transition.
type RecoveryKeyGenerator interface {
	Generate() (keys.RecoveryKeypair, error)
}

// StageEvent describes a stage lifecycle notification.
type StageEvent struct {
	RunID  string
	Stage  Stage
	DID    string
	Detail string
}

// StageObserver receives stage lifecycle notifications.
type StageObserver interface {
	StageStarted(event StageEvent)
	StageCompleted(event StageEvent)
	StageFailed(event StageEvent, failure error)
}

// ClientFactory constructs an AccountClient for a server URL.
type ClientFactory func(endpoint string) (AccountClient, error)

// MigrationExecutor runs one migration.
type MigrationExecutor interface {
	Execute(executionContext context.Context, options MigrationOptions) (MigrationResult, error)
}

type noopStageObserver struct{}

func (noopStageObserver) StageStarted(StageEvent) {}

func (noopStageObserver) StageCompleted(StageEvent) {}

func (noopStageObserver) StageFailed(StageEvent, error) {}
