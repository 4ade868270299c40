package atproto

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

const (
	xrpcErrorTemplateConstant             = "%s failed with status %d"
	xrpcErrorNameTemplateConstant         = "%s failed with status %d (%s)"
	xrpcErrorMessageTemplateConstant      = "%s failed with status %d (%s): %s"
	transportErrorTemplateConstant        = "%s transport failure: %s"
	authorizationErrorTemplateConstant    = "service token for %s on %s rejected: %s"
	sessionRequiredMessageConstant        = "authenticated session required"
	serverIdentityUnknownMessageConstant  = "server DID unknown; describe the server first"
	endpointRequiredMessageConstant       = "server endpoint must be provided"
	endpointInvalidTemplateConstant       = "server endpoint %q is not an absolute URL"
	httpClientMissingMessageConstant      = "HTTP client not configured"
	responseDecodingErrorTemplateConstant = "%s response decoding failed: %w"
)

var (
	// ErrSessionRequired indicates an authenticated call was attempted before login.
	ErrSessionRequired = errors.New(sessionRequiredMessageConstant)
	// ErrServerIdentityUnknown indicates the server DID is needed but DescribeServer has not run.
	ErrServerIdentityUnknown = errors.New(serverIdentityUnknownMessageConstant)

	errEndpointRequired  = errors.New(endpointRequiredMessageConstant)
	errHTTPClientMissing = errors.New(httpClientMissingMessageConstant)
)

// XRPCError captures a non-success response from a server.
type XRPCError struct {
	Operation  string
	StatusCode int
	Name       string
	Message    string
}

// Error describes the failed call.
func (xrpcError XRPCError) Error() string {
	switch {
	case len(xrpcError.Name) > 0 && len(xrpcError.Message) > 0:
		return fmt.Sprintf(xrpcErrorMessageTemplateConstant, xrpcError.Operation, xrpcError.StatusCode, xrpcError.Name, xrpcError.Message)
	case len(xrpcError.Name) > 0:
		return fmt.Sprintf(xrpcErrorNameTemplateConstant, xrpcError.Operation, xrpcError.StatusCode, xrpcError.Name)
	default:
		return fmt.Sprintf(xrpcErrorTemplateConstant, xrpcError.Operation, xrpcError.StatusCode)
	}
}

// TransportError wraps failures that happened before a response arrived.
type TransportError struct {
	Operation string
	Cause     error
}

// Error describes the transport failure.
func (transportError TransportError) Error() string {
	return fmt.Sprintf(transportErrorTemplateConstant, transportError.Operation, transportError.Cause)
}

// Unwrap exposes the underlying cause.
func (transportError TransportError) Unwrap() error {
	return transportError.Cause
}

// AuthorizationError reports a service token presented outside its scope.
type AuthorizationError struct {
	Audience  string
	Operation string
	Reason    string
}

// Error describes the rejected token.
func (authorizationError AuthorizationError) Error() string {
	return fmt.Sprintf(authorizationErrorTemplateConstant, authorizationError.Operation, authorizationError.Audience, authorizationError.Reason)
}

// IsTransient reports whether a failure is worth repeating for an idempotent call:
// rate limiting, server-side errors, and network faults other than cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var xrpcError XRPCError
	if errors.As(err, &xrpcError) {
		return xrpcError.StatusCode == http.StatusTooManyRequests || xrpcError.StatusCode >= http.StatusInternalServerError
	}

	var transportError TransportError
	if errors.As(err, &transportError) {
		return true
	}

	var networkError net.Error
	return errors.As(err, &networkError)
}
