package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	preferencesFieldConstant = "preferences"
)

// Client adapts one personal data server's XRPC surface to the operations a
// migration needs and carries that server's session. It is safe for concurrent
// use once a session is established.
type Client struct {
	endpoint   string
	httpClient *http.Client
	userAgent  string
	now        func() time.Time

	stateMutex   sync.RWMutex
	refreshMutex sync.Mutex
	session      Session
	serverDID    string
	refreshCount int
}

// NewClient constructs a client for the server at endpoint.
func NewClient(endpoint string, httpClient *http.Client) (*Client, error) {
	trimmedEndpoint := strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if len(trimmedEndpoint) == 0 {
		return nil, errEndpointRequired
	}
	parsedEndpoint, parseError := url.Parse(trimmedEndpoint)
	if parseError != nil || !parsedEndpoint.IsAbs() || len(parsedEndpoint.Host) == 0 {
		return nil, fmt.Errorf(endpointInvalidTemplateConstant, endpoint)
	}
	if httpClient == nil {
		return nil, errHTTPClientMissing
	}

	return &Client{endpoint: trimmedEndpoint, httpClient: httpClient, now: time.Now}, nil
}

// WithUserAgent sets the User-Agent sent on every call.
func (client *Client) WithUserAgent(userAgent string) *Client {
	client.userAgent = strings.TrimSpace(userAgent)
	return client
}

// Endpoint returns the normalized server URL.
func (client *Client) Endpoint() string {
	return client.endpoint
}

// DID returns the DID of the authenticated session, if any.
func (client *Client) DID() string {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.session.DID
}

// ServerDID returns the server DID learned from DescribeServer.
func (client *Client) ServerDID() string {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.serverDID
}

// SessionRefreshes reports how many times an expired access token was renewed.
func (client *Client) SessionRefreshes() int {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.refreshCount
}

// CreateSession authenticates with an identifier and password.
func (client *Client) CreateSession(requestContext context.Context, identifier string, password string, authFactorToken string) (Session, error) {
	input := &comatproto.ServerCreateSession_Input{
		Identifier: identifier,
		Password:   password,
	}
	if len(authFactorToken) > 0 {
		input.AuthFactorToken = &authFactorToken
	}

	output, callError := comatproto.ServerCreateSession(requestContext, client.transport(""), input)
	if callError != nil {
		return Session{}, translateError(CreateSessionOperation, callError)
	}

	session := Session{
		DID:          output.Did,
		Handle:       output.Handle,
		AccessToken:  output.AccessJwt,
		RefreshToken: output.RefreshJwt,
		Active:       output.Active,
	}
	if output.Email != nil {
		session.Email = *output.Email
	}
	client.storeSession(session)
	return session, nil
}

// DescribeServer reports the server DID and account creation requirements.
func (client *Client) DescribeServer(requestContext context.Context) (ServerDescription, error) {
	output, callError := comatproto.ServerDescribeServer(requestContext, client.transport(""))
	if callError != nil {
		return ServerDescription{}, translateError(DescribeServerOperation, callError)
	}

	description := ServerDescription{
		DID:                  output.Did,
		AvailableUserDomains: output.AvailableUserDomains,
		InviteCodeRequired:   output.InviteCodeRequired != nil && *output.InviteCodeRequired,
	}
	client.stateMutex.Lock()
	client.serverDID = description.DID
	client.stateMutex.Unlock()
	return description, nil
}

// GetServiceAuth asks this server to issue a token for audience scoped to operation.
// A positive lifetime sets the requested expiry.
func (client *Client) GetServiceAuth(requestContext context.Context, audience string, operation string, lifetime time.Duration) (*ServiceToken, error) {
	var expiry int64
	if lifetime > 0 {
		expiry = client.now().Add(lifetime).Unix()
	}

	var issued string
	callError := client.authorized(requestContext, GetServiceAuthOperation, func(transport *xrpc.Client) error {
		output, err := comatproto.ServerGetServiceAuth(requestContext, transport, audience, expiry, operation)
		if err != nil {
			return err
		}
		issued = output.Token
		return nil
	})
	if callError != nil {
		return nil, callError
	}
	return ParseServiceToken(issued, audience, operation)
}

// CreateAccount provisions an account for an existing DID, authorized solely by token.
// The token is redeemed against this server's DID before any request is sent.
func (client *Client) CreateAccount(requestContext context.Context, input CreateAccountInput, token *ServiceToken) (Session, error) {
	serverDID := client.ServerDID()
	if len(serverDID) == 0 {
		return Session{}, ErrServerIdentityUnknown
	}

	bearer, redeemError := token.Redeem(serverDID, CreateAccountOperation, client.now())
	if redeemError != nil {
		return Session{}, redeemError
	}

	output, callError := comatproto.ServerCreateAccount(requestContext, client.transport(bearer), &comatproto.ServerCreateAccount_Input{
		Did:        optionalString(input.DID),
		Email:      optionalString(input.Email),
		Handle:     input.Handle,
		InviteCode: optionalString(input.InviteCode),
		Password:   optionalString(input.Password),
	})
	if callError != nil {
		return Session{}, translateError(CreateAccountOperation, callError)
	}

	session := Session{
		DID:          output.Did,
		Handle:       output.Handle,
		AccessToken:  output.AccessJwt,
		RefreshToken: output.RefreshJwt,
	}
	client.storeSession(session)
	return session, nil
}

// ExportRepository downloads the full repository archive for did.
func (client *Client) ExportRepository(requestContext context.Context, did string) ([]byte, error) {
	var archive []byte
	callError := client.anonymous(GetRepoOperation, func(transport *xrpc.Client) error {
		var err error
		archive, err = comatproto.SyncGetRepo(requestContext, transport, did, "")
		return err
	})
	return archive, callError
}

// ImportRepository uploads a repository archive into the authenticated account.
func (client *Client) ImportRepository(requestContext context.Context, archive []byte) error {
	return client.authorized(requestContext, ImportRepoOperation, func(transport *xrpc.Client) error {
		return comatproto.RepoImportRepo(requestContext, transport, bytes.NewReader(archive))
	})
}

// ListBlobs returns one page of blob content identifiers for did.
func (client *Client) ListBlobs(requestContext context.Context, did string, cursor string, limit int) (BlobPage, error) {
	var page BlobPage
	callError := client.anonymous(ListBlobsOperation, func(transport *xrpc.Client) error {
		output, err := comatproto.SyncListBlobs(requestContext, transport, cursor, did, int64(limit), "")
		if err != nil {
			return err
		}
		page = BlobPage{ContentIDs: output.Cids, Cursor: derefString(output.Cursor)}
		return nil
	})
	return page, callError
}

// FetchBlob downloads the raw bytes of one blob.
func (client *Client) FetchBlob(requestContext context.Context, did string, contentID string) ([]byte, error) {
	var data []byte
	callError := client.anonymous(GetBlobOperation, func(transport *xrpc.Client) error {
		var err error
		data, err = comatproto.SyncGetBlob(requestContext, transport, contentID, did)
		return err
	})
	return data, callError
}

// UploadBlob stores data in the authenticated account. The sniffed content type
// is sent so the destination records the same MIME type the source served.
func (client *Client) UploadBlob(requestContext context.Context, data []byte) (BlobReference, error) {
	var output comatproto.RepoUploadBlob_Output
	callError := client.authorized(requestContext, UploadBlobOperation, func(transport *xrpc.Client) error {
		return transport.Do(requestContext, xrpc.Procedure, http.DetectContentType(data), UploadBlobOperation, nil, bytes.NewReader(data), &output)
	})
	if callError != nil {
		return BlobReference{}, callError
	}
	if output.Blob == nil {
		return BlobReference{}, nil
	}
	return BlobReference{
		ContentID: output.Blob.Ref.String(),
		MimeType:  output.Blob.MimeType,
		Size:      output.Blob.Size,
	}, nil
}

// ListMissingBlobs returns blobs referenced by the imported repository but absent on this server.
func (client *Client) ListMissingBlobs(requestContext context.Context, cursor string, limit int) (MissingBlobPage, error) {
	var page MissingBlobPage
	callError := client.authorized(requestContext, ListMissingBlobsOperation, func(transport *xrpc.Client) error {
		output, err := comatproto.RepoListMissingBlobs(requestContext, transport, cursor, int64(limit))
		if err != nil {
			return err
		}
		page = MissingBlobPage{Cursor: derefString(output.Cursor)}
		for _, blob := range output.Blobs {
			if blob == nil {
				continue
			}
			page.Blobs = append(page.Blobs, MissingBlob{ContentID: blob.Cid, RecordURI: blob.RecordUri})
		}
		return nil
	})
	return page, callError
}

// GetPreferences returns the account preference collection. Entries are kept as
// raw JSON so preference types this client does not know survive the copy.
func (client *Client) GetPreferences(requestContext context.Context) (Preferences, error) {
	var response struct {
		Preferences Preferences `json:"preferences"`
	}
	callError := client.authorized(requestContext, GetPreferencesOperation, func(transport *xrpc.Client) error {
		return transport.Do(requestContext, xrpc.Query, "", GetPreferencesOperation, nil, nil, &response)
	})
	if callError != nil {
		return nil, callError
	}
	return response.Preferences, nil
}

// PutPreferences replaces the account preference collection.
func (client *Client) PutPreferences(requestContext context.Context, preferences Preferences) error {
	if preferences == nil {
		preferences = Preferences{}
	}
	payload := map[string]Preferences{preferencesFieldConstant: preferences}
	return client.authorized(requestContext, PutPreferencesOperation, func(transport *xrpc.Client) error {
		return transport.Do(requestContext, xrpc.Procedure, jsonContentTypeConstant, PutPreferencesOperation, nil, payload, nil)
	})
}

// GetRecommendedCredentials returns the identity configuration this server wants the DID to declare.
func (client *Client) GetRecommendedCredentials(requestContext context.Context) (Credentials, error) {
	var output *comatproto.IdentityGetRecommendedDidCredentials_Output
	callError := client.authorized(requestContext, GetRecommendedCredentialsOperation, func(transport *xrpc.Client) error {
		var err error
		output, err = comatproto.IdentityGetRecommendedDidCredentials(requestContext, transport)
		return err
	})
	if callError != nil {
		return Credentials{}, callError
	}

	services, servicesError := rawJSON(GetRecommendedCredentialsOperation, output.Services)
	if servicesError != nil {
		return Credentials{}, servicesError
	}
	methods, methodsError := rawJSON(GetRecommendedCredentialsOperation, output.VerificationMethods)
	if methodsError != nil {
		return Credentials{}, methodsError
	}
	return Credentials{
		AlsoKnownAs:         output.AlsoKnownAs,
		RotationKeys:        output.RotationKeys,
		Services:            services,
		VerificationMethods: methods,
	}, nil
}

// RequestIdentityChallenge asks the server to email a confirmation token to the account holder.
func (client *Client) RequestIdentityChallenge(requestContext context.Context) error {
	return client.authorized(requestContext, RequestPlcSignatureOperation, func(transport *xrpc.Client) error {
		return comatproto.IdentityRequestPlcOperationSignature(requestContext, transport)
	})
}

// SignIdentityOperation has the server sign an identity update with its rotation key.
func (client *Client) SignIdentityOperation(requestContext context.Context, input SignOperationInput) (SignedOperation, error) {
	request := &comatproto.IdentitySignPlcOperation_Input{
		AlsoKnownAs:         input.AlsoKnownAs,
		RotationKeys:        input.RotationKeys,
		Services:            opaqueValue(input.Services),
		Token:               optionalString(input.Token),
		VerificationMethods: opaqueValue(input.VerificationMethods),
	}

	var output *comatproto.IdentitySignPlcOperation_Output
	callError := client.authorized(requestContext, SignPlcOperationOperation, func(transport *xrpc.Client) error {
		var err error
		output, err = comatproto.IdentitySignPlcOperation(requestContext, transport, request)
		return err
	})
	if callError != nil {
		return nil, callError
	}

	encoded, encodingError := rawJSON(SignPlcOperationOperation, output.Operation)
	if encodingError != nil {
		return nil, encodingError
	}
	return SignedOperation(encoded), nil
}

// SubmitIdentityOperation publishes a signed identity operation through this server.
func (client *Client) SubmitIdentityOperation(requestContext context.Context, operation SignedOperation) error {
	request := &comatproto.IdentitySubmitPlcOperation_Input{Operation: opaqueValue(json.RawMessage(operation))}
	return client.authorized(requestContext, SubmitPlcOperationOperation, func(transport *xrpc.Client) error {
		return comatproto.IdentitySubmitPlcOperation(requestContext, transport, request)
	})
}

// ActivateAccount marks the authenticated account active.
func (client *Client) ActivateAccount(requestContext context.Context) error {
	return client.authorized(requestContext, ActivateAccountOperation, func(transport *xrpc.Client) error {
		return comatproto.ServerActivateAccount(requestContext, transport)
	})
}

// DeactivateAccount marks the authenticated account inactive, optionally scheduling deletion.
func (client *Client) DeactivateAccount(requestContext context.Context, options DeactivateOptions) error {
	request := &comatproto.ServerDeactivateAccount_Input{}
	if options.DeleteAfter != nil {
		deleteAfter := options.DeleteAfter.UTC().Format(time.RFC3339)
		request.DeleteAfter = &deleteAfter
	}
	return client.authorized(requestContext, DeactivateAccountOperation, func(transport *xrpc.Client) error {
		return comatproto.ServerDeactivateAccount(requestContext, transport, request)
	})
}

func (client *Client) storeSession(session Session) {
	client.stateMutex.Lock()
	defer client.stateMutex.Unlock()
	client.session = session
}

func (client *Client) accessToken() (string, error) {
	bearer := client.optionalAccessToken()
	if len(bearer) == 0 {
		return "", ErrSessionRequired
	}
	return bearer, nil
}

func (client *Client) optionalAccessToken() string {
	client.stateMutex.RLock()
	defer client.stateMutex.RUnlock()
	return client.session.AccessToken
}

func optionalString(value string) *string {
	if len(value) == 0 {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// opaqueValue wraps raw JSON for lexicon fields typed as unknown.
func opaqueValue(raw json.RawMessage) *interface{} {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	var value interface{} = raw
	return &value
}

func rawJSON(operation string, value *interface{}) (json.RawMessage, error) {
	if value == nil || *value == nil {
		return nil, nil
	}
	encoded, encodingError := json.Marshal(*value)
	if encodingError != nil {
		return nil, fmt.Errorf(responseDecodingErrorTemplateConstant, operation, encodingError)
	}
	return encoded, nil
}
