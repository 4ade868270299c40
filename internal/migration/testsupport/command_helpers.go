package testsupport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/temirov/pdsmigrate/internal/migration"
	"github.com/temirov/pdsmigrate/internal/operator"
)

const (
	unknownEndpointMessageConstant = "no stub server for endpoint"
	unknownSecretMessageConstant   = "no secret configured"
	wrappedDetailTemplateConstant  = "%w: %s"
)

var (
	// ErrUnknownEndpoint reports a client requested for an endpoint no stub serves.
	ErrUnknownEndpoint = errors.New(unknownEndpointMessageConstant)
	// ErrUnknownSecret reports a secret reference missing from SecretResolverStub.
	ErrUnknownSecret = errors.New(unknownSecretMessageConstant)
)

// ServiceStub records migration requests and returns a configured outcome.
type ServiceStub struct {
	mutex                sync.Mutex
	Result               migration.MigrationResult
	Error                error
	ReceivedOptions      []migration.MigrationOptions
	ReceivedDependencies []migration.Dependencies
}

// Provide returns the stub as a migration executor and records the dependencies it was built with.
func (service *ServiceStub) Provide(dependencies migration.Dependencies) (migration.MigrationExecutor, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.ReceivedDependencies = append(service.ReceivedDependencies, dependencies)
	return service, nil
}

// Execute records the options and returns the configured result.
func (service *ServiceStub) Execute(_ context.Context, options migration.MigrationOptions) (migration.MigrationResult, error) {
	service.mutex.Lock()
	defer service.mutex.Unlock()
	service.ReceivedOptions = append(service.ReceivedOptions, options)
	result := service.Result
	if len(result.RunID) == 0 {
		result.RunID = options.RunID
	}
	return result, service.Error
}

// SecretResolverStub resolves secrets from an in-memory table keyed by reference.
type SecretResolverStub struct {
	Secrets map[string]string
}

// ResolveSecret returns the configured secret or ErrUnknownSecret.
func (resolver SecretResolverStub) ResolveSecret(_ context.Context, source operator.SecretSource) (string, error) {
	secret, exists := resolver.Secrets[source.Reference]
	if !exists {
		return "", fmt.Errorf(wrappedDetailTemplateConstant, ErrUnknownSecret, source.Reference)
	}
	return secret, nil
}

// StubClientFactory returns a client factory serving servers keyed by endpoint.
func StubClientFactory(servers ...*AccountServerStub) migration.ClientFactory {
	byEndpoint := make(map[string]*AccountServerStub, len(servers))
	for _, server := range servers {
		byEndpoint[server.EndpointURL] = server
	}
	return func(endpoint string) (migration.AccountClient, error) {
		server, exists := byEndpoint[endpoint]
		if !exists {
			return nil, fmt.Errorf(wrappedDetailTemplateConstant, ErrUnknownEndpoint, endpoint)
		}
		return server, nil
	}
}
