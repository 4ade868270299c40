package identity

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	atidentity "github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/syntax"
)

const (
	fragmentPrefixConstant                   = "#"
	didKeyPrefixConstant                     = "did:key:"
	multikeyTypeConstant                     = "Multikey"
	didContextConstant                       = "https://www.w3.org/ns/did/v1"
	multikeyContextConstant                  = "https://w3id.org/security/multikey/v1"
	recommendedDIDErrorTemplateConstant      = "recommended document subject is malformed: %w"
	recommendedServicesErrorTemplateConstant = "recommended services are malformed: %w"
	recommendedMethodsErrorTemplateConstant  = "recommended verification methods are malformed: %w"
)

// AccountIdentity describes who an account is and which server currently hosts it.
type AccountIdentity struct {
	DID            string
	Method         Method
	ServerEndpoint string
	Handle         string
}

// PublishedDocument is a DID document in the form a did:web host serves it.
type PublishedDocument struct {
	Context []string `json:"@context"`
	atidentity.DIDDocument
}

// PDSEndpoint returns the declared personal data server endpoint, if any.
func (document PublishedDocument) PDSEndpoint() (string, bool) {
	return declaredEndpoint(&document.DIDDocument)
}

// Handle returns the handle the document declares, or an empty string.
func (document PublishedDocument) Handle() string {
	return declaredHandle(&document.DIDDocument)
}

func declaredEndpoint(document *atidentity.DIDDocument) (string, bool) {
	parsed := atidentity.ParseIdentity(document)
	endpoint := strings.TrimSpace(parsed.PDSEndpoint())
	return endpoint, len(endpoint) > 0
}

func declaredHandle(document *atidentity.DIDDocument) string {
	parsed := atidentity.ParseIdentity(document)
	handle, handleError := parsed.DeclaredHandle()
	if handleError != nil {
		return ""
	}
	return handle.String()
}

// SameEndpoint compares two server URLs ignoring case and trailing slashes.
func SameEndpoint(first string, second string) bool {
	return normalizeEndpoint(first) == normalizeEndpoint(second)
}

func normalizeEndpoint(endpoint string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(endpoint), "/"))
}

type recommendedService struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// RecommendedDocument renders the DID document a server recommends, as published for
// did:web accounts. Services and verification methods arrive keyed by fragment name.
func RecommendedDocument(did string, alsoKnownAs []string, services json.RawMessage, verificationMethods json.RawMessage) (PublishedDocument, error) {
	subject, parseError := syntax.ParseDID(did)
	if parseError != nil {
		return PublishedDocument{}, fmt.Errorf(recommendedDIDErrorTemplateConstant, parseError)
	}

	document := PublishedDocument{
		Context: []string{didContextConstant, multikeyContextConstant},
		DIDDocument: atidentity.DIDDocument{
			DID:         subject,
			AlsoKnownAs: append([]string{}, alsoKnownAs...),
		},
	}

	if len(services) > 0 {
		var declaredServices map[string]recommendedService
		if decodeError := json.Unmarshal(services, &declaredServices); decodeError != nil {
			return PublishedDocument{}, fmt.Errorf(recommendedServicesErrorTemplateConstant, decodeError)
		}
		for _, name := range sortedKeys(declaredServices) {
			declared := declaredServices[name]
			document.Service = append(document.Service, atidentity.DocService{
				ID:              fragmentPrefixConstant + name,
				Type:            declared.Type,
				ServiceEndpoint: declared.Endpoint,
			})
		}
	}

	if len(verificationMethods) > 0 {
		var declaredMethods map[string]string
		if decodeError := json.Unmarshal(verificationMethods, &declaredMethods); decodeError != nil {
			return PublishedDocument{}, fmt.Errorf(recommendedMethodsErrorTemplateConstant, decodeError)
		}
		for _, name := range sortedKeys(declaredMethods) {
			document.VerificationMethod = append(document.VerificationMethod, atidentity.DocVerificationMethod{
				ID:                 did + fragmentPrefixConstant + name,
				Type:               multikeyTypeConstant,
				Controller:         did,
				PublicKeyMultibase: strings.TrimPrefix(declaredMethods[name], didKeyPrefixConstant),
			})
		}
	}

	return document, nil
}

func sortedKeys[Value any](values map[string]Value) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
