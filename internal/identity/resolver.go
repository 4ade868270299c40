package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	atidentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"go.uber.org/zap"
)

const (
	defaultPLCDirectoryURLConstant        = "https://plc.directory"
	plcDataPathSuffixConstant             = "/data"
	handleAtPrefixConstant                = "@"
	identifierRequiredMessageConstant     = "identifier must be provided"
	handleNotResolvedMessageConstant      = "handle did not resolve to a DID"
	endpointMissingMessageConstant        = "DID document declares no personal data server"
	unsupportedMethodMessageConstant      = "unsupported DID method"
	unexpectedStatusTemplateConstant      = "GET %s returned status %d"
	resolutionErrorTemplateConstant       = "unable to resolve %s: %s"
	logMessageIdentityResolvedConstant    = "Identity resolved"
	logMessageRotationKeysFetchedConstant = "Rotation keys fetched"
	logFieldIdentifierConstant            = "identifier"
	logFieldDIDConstant                   = "did"
	logFieldMethodConstant                = "method"
	logFieldEndpointConstant              = "endpoint"
	logFieldKeyCountConstant              = "key_count"
)

const maximumDocumentBytesConstant int64 = 1 << 20

var (
	// ErrUnsupportedMethod indicates a DID method outside the supported closed set.
	ErrUnsupportedMethod = errors.New(unsupportedMethodMessageConstant)
	// ErrHandleNotResolved indicates the handle did not resolve to a DID.
	ErrHandleNotResolved = errors.New(handleNotResolvedMessageConstant)
	// ErrEndpointMissing indicates the DID document has no PDS service entry.
	ErrEndpointMissing = errors.New(endpointMissingMessageConstant)

	errIdentifierRequired = errors.New(identifierRequiredMessageConstant)
)

// ResolutionError reports which identifier failed to resolve.
type ResolutionError struct {
	Identifier string
	Cause      error
}

// Error describes the resolution failure.
func (resolutionError ResolutionError) Error() string {
	return fmt.Sprintf(resolutionErrorTemplateConstant, resolutionError.Identifier, resolutionError.Cause)
}

// Unwrap exposes the underlying cause.
func (resolutionError ResolutionError) Unwrap() error {
	return resolutionError.Cause
}

// Directory resolves handles and DID documents. *identity.BaseDirectory from
// indigo satisfies it.
type Directory interface {
	ResolveHandle(resolutionContext context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveDID(resolutionContext context.Context, did syntax.DID) (*atidentity.DIDDocument, error)
}

// ResolverConfiguration tunes directory locations.
type ResolverConfiguration struct {
	PLCDirectoryURL string
}

// Resolver maps handles and DIDs to account identities.
type Resolver struct {
	logger          *zap.Logger
	directory       Directory
	httpClient      *http.Client
	plcDirectoryURL string
}

// NewDirectory builds the indigo directory used in production: DNS and HTTPS
// handle resolution and did:plc lookups against the configured PLC directory.
func NewDirectory(httpClient *http.Client, configuration ResolverConfiguration) *atidentity.BaseDirectory {
	directory := &atidentity.BaseDirectory{PLCURL: plcDirectoryURL(configuration)}
	if httpClient != nil {
		directory.HTTPClient = *httpClient
	}
	return directory
}

// NewResolver constructs a Resolver. A nil directory selects NewDirectory and a
// nil HTTP client selects http.DefaultClient.
func NewResolver(logger *zap.Logger, directory Directory, httpClient *http.Client, configuration ResolverConfiguration) (*Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if directory == nil {
		directory = NewDirectory(httpClient, configuration)
	}

	return &Resolver{
		logger:          logger,
		directory:       directory,
		httpClient:      httpClient,
		plcDirectoryURL: plcDirectoryURL(configuration),
	}, nil
}

func plcDirectoryURL(configuration ResolverConfiguration) string {
	trimmed := strings.TrimRight(strings.TrimSpace(configuration.PLCDirectoryURL), "/")
	if len(trimmed) == 0 {
		return defaultPLCDirectoryURLConstant
	}
	return trimmed
}

// ResolveIdentity resolves a handle or DID to its DID, method and hosting server.
func (resolver *Resolver) ResolveIdentity(resolutionContext context.Context, identifier string) (AccountIdentity, error) {
	normalizedIdentifier := strings.TrimPrefix(strings.TrimSpace(identifier), handleAtPrefixConstant)
	if len(normalizedIdentifier) == 0 {
		return AccountIdentity{}, errIdentifierRequired
	}

	did := normalizedIdentifier
	if !IsDID(normalizedIdentifier) {
		resolvedDID, handleError := resolver.resolveHandle(resolutionContext, normalizedIdentifier)
		if handleError != nil {
			return AccountIdentity{}, ResolutionError{Identifier: normalizedIdentifier, Cause: handleError}
		}
		did = resolvedDID
	}

	method := ParseMethod(did)
	if method == MethodUnknown {
		return AccountIdentity{}, ResolutionError{Identifier: did, Cause: ErrUnsupportedMethod}
	}

	parsedDID, parseError := syntax.ParseDID(did)
	if parseError != nil {
		return AccountIdentity{}, ResolutionError{Identifier: did, Cause: parseError}
	}
	document, documentError := resolver.directory.ResolveDID(resolutionContext, parsedDID)
	if documentError != nil {
		return AccountIdentity{}, ResolutionError{Identifier: did, Cause: documentError}
	}

	endpoint, endpointDeclared := declaredEndpoint(document)
	if !endpointDeclared {
		return AccountIdentity{}, ResolutionError{Identifier: did, Cause: ErrEndpointMissing}
	}

	accountIdentity := AccountIdentity{
		DID:            did,
		Method:         method,
		ServerEndpoint: endpoint,
		Handle:         declaredHandle(document),
	}

	resolver.logger.Debug(
		logMessageIdentityResolvedConstant,
		zap.String(logFieldIdentifierConstant, normalizedIdentifier),
		zap.String(logFieldDIDConstant, accountIdentity.DID),
		zap.String(logFieldMethodConstant, accountIdentity.Method.String()),
		zap.String(logFieldEndpointConstant, accountIdentity.ServerEndpoint),
	)

	return accountIdentity, nil
}

func (resolver *Resolver) resolveHandle(resolutionContext context.Context, identifier string) (string, error) {
	handle, parseError := syntax.ParseHandle(identifier)
	if parseError != nil {
		return "", errors.Join(ErrHandleNotResolved, parseError)
	}

	did, resolveError := resolver.directory.ResolveHandle(resolutionContext, handle.Normalize())
	if resolveError != nil {
		return "", errors.Join(ErrHandleNotResolved, resolveError)
	}
	return did.String(), nil
}

// ResolveRotationKeys returns the rotation keys currently registered for a did:plc identity.
// Other methods have no directory-held rotation keys and yield an empty set.
func (resolver *Resolver) ResolveRotationKeys(resolutionContext context.Context, did string) ([]string, error) {
	if ParseMethod(did) != MethodPlc {
		return nil, nil
	}

	var operationData struct {
		RotationKeys []string `json:"rotationKeys"`
	}
	dataURL := resolver.plcDirectoryURL + "/" + did + plcDataPathSuffixConstant
	if fetchError := resolver.getJSON(resolutionContext, dataURL, &operationData); fetchError != nil {
		return nil, ResolutionError{Identifier: did, Cause: fetchError}
	}

	resolver.logger.Debug(
		logMessageRotationKeysFetchedConstant,
		zap.String(logFieldDIDConstant, did),
		zap.Int(logFieldKeyCountConstant, len(operationData.RotationKeys)),
	)
	return operationData.RotationKeys, nil
}

func (resolver *Resolver) getJSON(requestContext context.Context, targetURL string, target any) error {
	request, requestError := http.NewRequestWithContext(requestContext, http.MethodGet, targetURL, nil)
	if requestError != nil {
		return requestError
	}

	response, responseError := resolver.httpClient.Do(request)
	if responseError != nil {
		return responseError
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf(unexpectedStatusTemplateConstant, targetURL, response.StatusCode)
	}

	return json.NewDecoder(io.LimitReader(response.Body, maximumDocumentBytesConstant)).Decode(target)
}
