package atproto

import (
	"encoding/json"
	"time"
)

// Method identifiers invoked by the client.
const (
	CreateSessionOperation             = "com.atproto.server.createSession"
	RefreshSessionOperation            = "com.atproto.server.refreshSession"
	DescribeServerOperation            = "com.atproto.server.describeServer"
	GetServiceAuthOperation            = "com.atproto.server.getServiceAuth"
	CreateAccountOperation             = "com.atproto.server.createAccount"
	ActivateAccountOperation           = "com.atproto.server.activateAccount"
	DeactivateAccountOperation         = "com.atproto.server.deactivateAccount"
	GetRepoOperation                   = "com.atproto.sync.getRepo"
	ImportRepoOperation                = "com.atproto.repo.importRepo"
	ListBlobsOperation                 = "com.atproto.sync.listBlobs"
	GetBlobOperation                   = "com.atproto.sync.getBlob"
	UploadBlobOperation                = "com.atproto.repo.uploadBlob"
	ListMissingBlobsOperation          = "com.atproto.repo.listMissingBlobs"
	GetPreferencesOperation            = "app.bsky.actor.getPreferences"
	PutPreferencesOperation            = "app.bsky.actor.putPreferences"
	GetRecommendedCredentialsOperation = "com.atproto.identity.getRecommendedDidCredentials"
	RequestPlcSignatureOperation       = "com.atproto.identity.requestPlcOperationSignature"
	SignPlcOperationOperation          = "com.atproto.identity.signPlcOperation"
	SubmitPlcOperationOperation        = "com.atproto.identity.submitPlcOperation"
)

// Session is an authenticated account session on one server.
type Session struct {
	DID          string `json:"did"`
	Handle       string `json:"handle"`
	Email        string `json:"email,omitempty"`
	AccessToken  string `json:"accessJwt"`
	RefreshToken string `json:"refreshJwt"`
	Active       *bool  `json:"active,omitempty"`
}

// ServerDescription summarizes describeServer output.
type ServerDescription struct {
	DID                  string   `json:"did"`
	AvailableUserDomains []string `json:"availableUserDomains"`
	InviteCodeRequired   bool     `json:"inviteCodeRequired"`
}

// CreateAccountInput carries the destination account parameters.
type CreateAccountInput struct {
	DID        string `json:"did"`
	Handle     string `json:"handle"`
	Email      string `json:"email,omitempty"`
	Password   string `json:"password,omitempty"`
	InviteCode string `json:"inviteCode,omitempty"`
}

// BlobPage is one page of content identifiers listed by the source.
type BlobPage struct {
	ContentIDs []string `json:"cids"`
	Cursor     string   `json:"cursor,omitempty"`
}

// MissingBlob names a blob a repository references but the server lacks.
type MissingBlob struct {
	ContentID string `json:"cid"`
	RecordURI string `json:"recordUri"`
}

// MissingBlobPage is one page of missing blob references.
type MissingBlobPage struct {
	Blobs  []MissingBlob `json:"blobs"`
	Cursor string        `json:"cursor,omitempty"`
}

// BlobReference is the server acknowledgment of an uploaded blob.
type BlobReference struct {
	ContentID string
	MimeType  string
	Size      int64
}

// Preferences is an opaque, ordered preference collection transferred verbatim.
type Preferences []json.RawMessage

// Credentials is the identity configuration a server recommends for an incoming account.
// Services and verification methods are preserved as raw JSON.
type Credentials struct {
	AlsoKnownAs         []string        `json:"alsoKnownAs,omitempty"`
	RotationKeys        []string        `json:"rotationKeys,omitempty"`
	Services            json.RawMessage `json:"services,omitempty"`
	VerificationMethods json.RawMessage `json:"verificationMethods,omitempty"`
}

// SignOperationInput is the payload for signing an identity operation at the source.
type SignOperationInput struct {
	Token               string          `json:"token"`
	RotationKeys        []string        `json:"rotationKeys,omitempty"`
	AlsoKnownAs         []string        `json:"alsoKnownAs,omitempty"`
	Services            json.RawMessage `json:"services,omitempty"`
	VerificationMethods json.RawMessage `json:"verificationMethods,omitempty"`
}

// SignedOperation is an opaque signed identity operation.
type SignedOperation json.RawMessage

// DeactivateOptions tunes source deactivation.
type DeactivateOptions struct {
	DeleteAfter *time.Time
}
