package operator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	pathutils "github.com/temirov/pdsmigrate/internal/utils/path"
)

const (
	secretSourceSeparatorConstant            = ":"
	environmentSecretSourceValueConstant     = "env"
	fileSecretSourceValueConstant            = "file"
	secretSourceMissingMessageConstant       = "secret source must be provided"
	environmentNameMissingMessageConstant    = "environment variable name must be provided"
	filePathMissingMessageConstant           = "secret file path must be provided"
	environmentSecretMissingTemplateConstant = "environment variable %s is not set"
	secretFileReadErrorTemplateConstant      = "unable to read secret file %s: %w"
	secretFileEmptyTemplateConstant          = "secret file %s is empty"
	unsupportedSecretSourceTemplateConstant  = "unsupported secret source type %q"
)

// SecretSourceType enumerates where an unattended secret can come from.
type SecretSourceType string

// Secret source types.
const (
	SecretSourceEnvironment SecretSourceType = SecretSourceType(environmentSecretSourceValueConstant)
	SecretSourceFile        SecretSourceType = SecretSourceType(fileSecretSourceValueConstant)
)

// SecretSource locates a secret such as an account password.
type SecretSource struct {
	Type      SecretSourceType
	Reference string
}

// EnvironmentLookup obtains an environment variable value.
type EnvironmentLookup func(key string) (string, bool)

// FileReader reads the contents of a file path.
type FileReader func(path string) ([]byte, error)

// SecretResolver reads secrets from their declared sources.
type SecretResolver struct {
	environmentLookup EnvironmentLookup
	fileReader        FileReader
	homeExpander      *pathutils.HomeExpander
}

// NewSecretResolver creates a resolver with optional dependency overrides.
func NewSecretResolver(environmentLookup EnvironmentLookup, fileReader FileReader) *SecretResolver {
	if environmentLookup == nil {
		environmentLookup = os.LookupEnv
	}
	if fileReader == nil {
		fileReader = os.ReadFile
	}
	return &SecretResolver{environmentLookup: environmentLookup, fileReader: fileReader, homeExpander: pathutils.NewHomeExpander()}
}

// ParseSecretSource interprets "env:NAME", "file:/path" or a bare environment variable name.
func ParseSecretSource(sourceValue string) (SecretSource, error) {
	trimmedValue := strings.TrimSpace(sourceValue)
	if len(trimmedValue) == 0 {
		return SecretSource{}, errors.New(secretSourceMissingMessageConstant)
	}

	components := strings.SplitN(trimmedValue, secretSourceSeparatorConstant, 2)
	if len(components) == 1 {
		return SecretSource{Type: SecretSourceEnvironment, Reference: trimmedValue}, nil
	}

	sourceType := strings.ToLower(strings.TrimSpace(components[0]))
	reference := strings.TrimSpace(components[1])

	switch SecretSourceType(sourceType) {
	case SecretSourceEnvironment:
		if len(reference) == 0 {
			return SecretSource{}, errors.New(environmentNameMissingMessageConstant)
		}
		return SecretSource{Type: SecretSourceEnvironment, Reference: reference}, nil
	case SecretSourceFile:
		if len(reference) == 0 {
			return SecretSource{}, errors.New(filePathMissingMessageConstant)
		}
		return SecretSource{Type: SecretSourceFile, Reference: reference}, nil
	default:
		return SecretSource{}, fmt.Errorf(unsupportedSecretSourceTemplateConstant, sourceType)
	}
}

// ResolveSecret reads the secret named by source.
func (resolver *SecretResolver) ResolveSecret(resolutionContext context.Context, source SecretSource) (string, error) {
	if contextError := resolutionContext.Err(); contextError != nil {
		return "", contextError
	}

	switch source.Type {
	case SecretSourceEnvironment:
		value, found := resolver.environmentLookup(source.Reference)
		trimmedValue := strings.TrimSpace(value)
		if !found || len(trimmedValue) == 0 {
			return "", fmt.Errorf(environmentSecretMissingTemplateConstant, source.Reference)
		}
		return trimmedValue, nil
	case SecretSourceFile:
		contents, readError := resolver.fileReader(resolver.homeExpander.Expand(source.Reference))
		if readError != nil {
			return "", fmt.Errorf(secretFileReadErrorTemplateConstant, source.Reference, readError)
		}
		trimmedValue := strings.TrimSpace(string(contents))
		if len(trimmedValue) == 0 {
			return "", fmt.Errorf(secretFileEmptyTemplateConstant, source.Reference)
		}
		return trimmedValue, nil
	default:
		return "", fmt.Errorf(unsupportedSecretSourceTemplateConstant, source.Type)
	}
}
