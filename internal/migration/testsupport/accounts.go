package testsupport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/temirov/pdsmigrate/internal/atproto"
)

const (
	serviceTokenSigningKeyConstant  = "testsupport-signing-key"
	callEntryTemplateConstant       = "%s %s"
	blobNotFoundTemplateConstant    = "blob %s not found"
	invalidCursorTemplateConstant   = "invalid cursor %q"
	defaultTokenLifetimeConstant    = time.Minute
	authenticationErrorNameConstant = "AuthenticationRequired"
	blobNotFoundErrorNameConstant   = "BlobNotFound"
	unavailableErrorNameConstant    = "ServiceUnavailable"
	stubSignatureConstant           = "stub-signature"
)

type stubOperation struct {
	RotationKeys []string `json:"rotationKeys"`
	Signature    string   `json:"sig"`
}

// CallLog records calls across every stub that shares it, in order.
type CallLog struct {
	mutex   sync.Mutex
	entries []string
}

// Record appends one call.
func (log *CallLog) Record(actor string, operation string) {
	if log == nil {
		return
	}
	log.mutex.Lock()
	defer log.mutex.Unlock()
	log.entries = append(log.entries, fmt.Sprintf(callEntryTemplateConstant, actor, operation))
}

// Entries returns a copy of the recorded calls.
func (log *CallLog) Entries() []string {
	log.mutex.Lock()
	defer log.mutex.Unlock()
	return append([]string(nil), log.entries...)
}

// Index returns the position of the first matching entry, or -1.
func (log *CallLog) Index(actor string, operation string) int {
	wanted := fmt.Sprintf(callEntryTemplateConstant, actor, operation)
	for index, entry := range log.Entries() {
		if entry == wanted {
			return index
		}
	}
	return -1
}

// Count returns how many entries match.
func (log *CallLog) Count(actor string, operation string) int {
	wanted := fmt.Sprintf(callEntryTemplateConstant, actor, operation)
	count := 0
	for _, entry := range log.Entries() {
		if entry == wanted {
			count++
		}
	}
	return count
}

// Blob is one stored attachment.
type Blob struct {
	ContentID string
	Data      []byte
}

// AccountServerStub is an in-memory personal data server used by migration tests.
type AccountServerStub struct {
	Name                string
	EndpointURL         string
	ServerDID           string
	AdvertisedDID       string
	AccountDID          string
	AccountHandle       string
	Password            string
	Archive             []byte
	Blobs               []Blob
	MissingBlobs        []atproto.MissingBlob
	Preferences         atproto.Preferences
	Credentials         atproto.Credentials
	SignedOperation     atproto.SignedOperation
	Directory           *Directory
	Log                 *CallLog
	Failures            map[string]error
	FetchFailures       map[string]error
	TransientFailures   map[string]int
	mutex               sync.Mutex
	ListBlobLimits      []int
	ListBlobPageSizes   []int
	FetchedContentIDs   []string
	UploadedBlobs       [][]byte
	ImportedArchive     []byte
	StoredPreferences   atproto.Preferences
	CreatedAccounts     []atproto.CreateAccountInput
	IssuedTokens        []string
	SignInputs          []atproto.SignOperationInput
	SubmittedOperations []atproto.SignedOperation
	Activated           bool
	Deactivated         bool
	DeactivateOptions   []atproto.DeactivateOptions
}

// Endpoint returns the configured server URL.
func (server *AccountServerStub) Endpoint() string {
	return server.EndpointURL
}

// CreateSession authenticates against the configured account.
func (server *AccountServerStub) CreateSession(_ context.Context, identifier string, password string, _ string) (atproto.Session, error) {
	if failure := server.enter(atproto.CreateSessionOperation); failure != nil {
		return atproto.Session{}, failure
	}
	if identifier != server.AccountDID && identifier != server.AccountHandle {
		return atproto.Session{}, atproto.XRPCError{Operation: atproto.CreateSessionOperation, StatusCode: http.StatusUnauthorized, Name: authenticationErrorNameConstant}
	}
	if len(server.Password) > 0 && password != server.Password {
		return atproto.Session{}, atproto.XRPCError{Operation: atproto.CreateSessionOperation, StatusCode: http.StatusUnauthorized, Name: authenticationErrorNameConstant}
	}
	return atproto.Session{DID: server.AccountDID, Handle: server.AccountHandle, AccessToken: server.Name + "-access"}, nil
}

// DescribeServer reports the configured server DID.
func (server *AccountServerStub) DescribeServer(context.Context) (atproto.ServerDescription, error) {
	if failure := server.enter(atproto.DescribeServerOperation); failure != nil {
		return atproto.ServerDescription{}, failure
	}
	if len(server.AdvertisedDID) > 0 {
		return atproto.ServerDescription{DID: server.AdvertisedDID}, nil
	}
	return atproto.ServerDescription{DID: server.ServerDID}, nil
}

// GetServiceAuth mints a signed token scoped to audience and operation.
func (server *AccountServerStub) GetServiceAuth(_ context.Context, audience string, operation string, lifetime time.Duration) (*atproto.ServiceToken, error) {
	if failure := server.enter(atproto.GetServiceAuthOperation); failure != nil {
		return nil, failure
	}
	if lifetime <= 0 {
		lifetime = defaultTokenLifetimeConstant
	}
	bearer, signingError := MintServiceToken(server.AccountDID, audience, operation, time.Now().Add(lifetime))
	if signingError != nil {
		return nil, signingError
	}
	server.mutex.Lock()
	server.IssuedTokens = append(server.IssuedTokens, bearer)
	server.mutex.Unlock()
	return atproto.ParseServiceToken(bearer, audience, operation)
}

// CreateAccount redeems the token against this server's DID and records the account.
func (server *AccountServerStub) CreateAccount(_ context.Context, input atproto.CreateAccountInput, token *atproto.ServiceToken) (atproto.Session, error) {
	if failure := server.enter(atproto.CreateAccountOperation); failure != nil {
		return atproto.Session{}, failure
	}
	if _, redeemError := token.Redeem(server.ServerDID, atproto.CreateAccountOperation, time.Now()); redeemError != nil {
		return atproto.Session{}, redeemError
	}

	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.CreatedAccounts = append(server.CreatedAccounts, input)
	server.AccountDID = input.DID
	server.AccountHandle = input.Handle
	server.Password = input.Password
	return atproto.Session{DID: input.DID, Handle: input.Handle}, nil
}

// ExportRepository returns the configured archive.
func (server *AccountServerStub) ExportRepository(context.Context, string) ([]byte, error) {
	if failure := server.enter(atproto.GetRepoOperation); failure != nil {
		return nil, failure
	}
	return append([]byte(nil), server.Archive...), nil
}

// ImportRepository records the imported archive.
func (server *AccountServerStub) ImportRepository(_ context.Context, archive []byte) error {
	if failure := server.enter(atproto.ImportRepoOperation); failure != nil {
		return failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.ImportedArchive = append([]byte(nil), archive...)
	return nil
}

// ListBlobs pages through Blobs using the position of the next blob as the cursor.
func (server *AccountServerStub) ListBlobs(_ context.Context, _ string, cursor string, limit int) (atproto.BlobPage, error) {
	if failure := server.enter(atproto.ListBlobsOperation); failure != nil {
		return atproto.BlobPage{}, failure
	}

	start := 0
	if len(cursor) > 0 {
		parsed, parseError := strconv.Atoi(cursor)
		if parseError != nil {
			return atproto.BlobPage{}, fmt.Errorf(invalidCursorTemplateConstant, cursor)
		}
		start = parsed
	}
	end := len(server.Blobs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	page := atproto.BlobPage{}
	for _, blob := range server.Blobs[start:end] {
		page.ContentIDs = append(page.ContentIDs, blob.ContentID)
	}
	if end < len(server.Blobs) {
		page.Cursor = strconv.Itoa(end)
	}

	server.mutex.Lock()
	server.ListBlobLimits = append(server.ListBlobLimits, limit)
	server.ListBlobPageSizes = append(server.ListBlobPageSizes, len(page.ContentIDs))
	server.mutex.Unlock()
	return page, nil
}

// FetchBlob returns stored blob bytes.
func (server *AccountServerStub) FetchBlob(_ context.Context, _ string, contentID string) ([]byte, error) {
	if failure := server.enter(atproto.GetBlobOperation); failure != nil {
		return nil, failure
	}
	server.mutex.Lock()
	server.FetchedContentIDs = append(server.FetchedContentIDs, contentID)
	server.mutex.Unlock()

	if failure, configured := server.FetchFailures[contentID]; configured {
		return nil, failure
	}
	for _, blob := range server.Blobs {
		if blob.ContentID == contentID {
			return append([]byte(nil), blob.Data...), nil
		}
	}
	return nil, atproto.XRPCError{Operation: atproto.GetBlobOperation, StatusCode: http.StatusNotFound, Name: blobNotFoundErrorNameConstant, Message: fmt.Sprintf(blobNotFoundTemplateConstant, contentID)}
}

// UploadBlob records uploaded bytes.
func (server *AccountServerStub) UploadBlob(_ context.Context, data []byte) (atproto.BlobReference, error) {
	if failure := server.enter(atproto.UploadBlobOperation); failure != nil {
		return atproto.BlobReference{}, failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.UploadedBlobs = append(server.UploadedBlobs, append([]byte(nil), data...))
	return atproto.BlobReference{Size: int64(len(data))}, nil
}

// ListMissingBlobs returns MissingBlobs in a single page.
func (server *AccountServerStub) ListMissingBlobs(context.Context, string, int) (atproto.MissingBlobPage, error) {
	if failure := server.enter(atproto.ListMissingBlobsOperation); failure != nil {
		return atproto.MissingBlobPage{}, failure
	}
	return atproto.MissingBlobPage{Blobs: append([]atproto.MissingBlob(nil), server.MissingBlobs...)}, nil
}

// GetPreferences returns the configured preferences.
func (server *AccountServerStub) GetPreferences(context.Context) (atproto.Preferences, error) {
	if failure := server.enter(atproto.GetPreferencesOperation); failure != nil {
		return nil, failure
	}
	return append(atproto.Preferences(nil), server.Preferences...), nil
}

// PutPreferences replaces the stored preferences.
func (server *AccountServerStub) PutPreferences(_ context.Context, preferences atproto.Preferences) error {
	if failure := server.enter(atproto.PutPreferencesOperation); failure != nil {
		return failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.StoredPreferences = append(atproto.Preferences(nil), preferences...)
	return nil
}

// GetRecommendedCredentials returns the configured credentials.
func (server *AccountServerStub) GetRecommendedCredentials(context.Context) (atproto.Credentials, error) {
	if failure := server.enter(atproto.GetRecommendedCredentialsOperation); failure != nil {
		return atproto.Credentials{}, failure
	}
	return server.Credentials, nil
}

// RequestIdentityChallenge records the request.
func (server *AccountServerStub) RequestIdentityChallenge(context.Context) error {
	return server.enter(atproto.RequestPlcSignatureOperation)
}

// SignIdentityOperation records the input and returns an operation carrying its rotation keys,
// or SignedOperation when one is configured.
func (server *AccountServerStub) SignIdentityOperation(_ context.Context, input atproto.SignOperationInput) (atproto.SignedOperation, error) {
	if failure := server.enter(atproto.SignPlcOperationOperation); failure != nil {
		return nil, failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.SignInputs = append(server.SignInputs, input)
	if server.SignedOperation != nil {
		return server.SignedOperation, nil
	}
	encoded, encodingError := json.Marshal(stubOperation{RotationKeys: input.RotationKeys, Signature: stubSignatureConstant})
	if encodingError != nil {
		return nil, encodingError
	}
	return atproto.SignedOperation(encoded), nil
}

// SubmitIdentityOperation records the operation and points the directory entry at this server.
func (server *AccountServerStub) SubmitIdentityOperation(_ context.Context, operation atproto.SignedOperation) error {
	if failure := server.enter(atproto.SubmitPlcOperationOperation); failure != nil {
		return failure
	}
	var decoded stubOperation
	if decodingError := json.Unmarshal(operation, &decoded); decodingError != nil {
		return decodingError
	}
	server.mutex.Lock()
	server.SubmittedOperations = append(server.SubmittedOperations, operation)
	server.mutex.Unlock()

	server.Directory.Publish(server.EndpointURL, decoded.RotationKeys)
	return nil
}

// ActivateAccount marks the account active.
func (server *AccountServerStub) ActivateAccount(context.Context) error {
	if failure := server.enter(atproto.ActivateAccountOperation); failure != nil {
		return failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.Activated = true
	return nil
}

// DeactivateAccount marks the account deactivated.
func (server *AccountServerStub) DeactivateAccount(_ context.Context, options atproto.DeactivateOptions) error {
	if failure := server.enter(atproto.DeactivateAccountOperation); failure != nil {
		return failure
	}
	server.mutex.Lock()
	defer server.mutex.Unlock()
	server.Deactivated = true
	server.DeactivateOptions = append(server.DeactivateOptions, options)
	return nil
}

// Uploaded returns the number of uploaded blobs.
func (server *AccountServerStub) Uploaded() int {
	server.mutex.Lock()
	defer server.mutex.Unlock()
	return len(server.UploadedBlobs)
}

func (server *AccountServerStub) enter(operation string) error {
	server.Log.Record(server.Name, operation)
	if failure, configured := server.Failures[operation]; configured {
		return failure
	}

	server.mutex.Lock()
	defer server.mutex.Unlock()
	if remaining := server.TransientFailures[operation]; remaining > 0 {
		server.TransientFailures[operation] = remaining - 1
		return atproto.XRPCError{Operation: operation, StatusCode: http.StatusServiceUnavailable, Name: unavailableErrorNameConstant}
	}
	return nil
}

// MintServiceToken signs a service token with the claims a server issues.
func MintServiceToken(issuer string, audience string, operation string, expiry time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"lxm": operation,
		"exp": expiry.Unix(),
		"iat": time.Now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(serviceTokenSigningKeyConstant))
}
