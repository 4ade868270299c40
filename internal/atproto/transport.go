package atproto

import (
	"context"
	"errors"
	"net/http"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/xrpc"
)

const (
	expiredTokenErrorNameConstant = "ExpiredToken"
	jsonContentTypeConstant       = "application/json"
)

// transport returns an indigo XRPC client bound to this server. A non-empty
// bearer is sent as the Authorization header.
func (client *Client) transport(bearer string) *xrpc.Client {
	transport := &xrpc.Client{
		Client: client.httpClient,
		Host:   client.endpoint,
	}
	if len(bearer) > 0 {
		transport.Auth = &xrpc.AuthInfo{AccessJwt: bearer}
	}
	if len(client.userAgent) > 0 {
		userAgent := client.userAgent
		transport.UserAgent = &userAgent
	}
	return transport
}

// authorized runs call with the session access token. When the server reports
// an expired token the session is refreshed once and call replays with the new token.
func (client *Client) authorized(requestContext context.Context, operation string, call func(transport *xrpc.Client) error) error {
	bearer, sessionError := client.accessToken()
	if sessionError != nil {
		return sessionError
	}

	callError := translateError(operation, call(client.transport(bearer)))
	if !isExpiredToken(callError) {
		return callError
	}

	refreshedBearer, refreshError := client.refreshSession(requestContext, bearer)
	if refreshError != nil {
		return errors.Join(callError, refreshError)
	}
	return translateError(operation, call(client.transport(refreshedBearer)))
}

// anonymous runs call with the session token when one exists and without
// authorization otherwise. Sync endpoints serve public data.
func (client *Client) anonymous(operation string, call func(transport *xrpc.Client) error) error {
	return translateError(operation, call(client.transport(client.optionalAccessToken())))
}

// refreshSession trades the refresh token for a new access token. Concurrent
// callers that observed the same stale token share one refresh.
func (client *Client) refreshSession(requestContext context.Context, staleBearer string) (string, error) {
	client.refreshMutex.Lock()
	defer client.refreshMutex.Unlock()

	client.stateMutex.RLock()
	current := client.session
	client.stateMutex.RUnlock()

	if current.AccessToken != staleBearer && len(current.AccessToken) > 0 {
		return current.AccessToken, nil
	}
	if len(current.RefreshToken) == 0 {
		return "", ErrSessionRequired
	}

	refreshed, refreshError := comatproto.ServerRefreshSession(requestContext, client.transport(current.RefreshToken))
	if refreshError != nil {
		return "", translateError(RefreshSessionOperation, refreshError)
	}

	client.stateMutex.Lock()
	client.session.AccessToken = refreshed.AccessJwt
	client.session.RefreshToken = refreshed.RefreshJwt
	client.refreshCount++
	client.stateMutex.Unlock()
	return refreshed.AccessJwt, nil
}

// translateError maps indigo transport failures onto XRPCError and TransportError.
func translateError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var indigoError *xrpc.Error
	if errors.As(err, &indigoError) {
		translated := XRPCError{Operation: operation, StatusCode: indigoError.StatusCode}
		var body *xrpc.XRPCError
		if errors.As(indigoError.Wrapped, &body) {
			translated.Name = body.ErrStr
			translated.Message = body.Message
		}
		return translated
	}

	var alreadyTranslated XRPCError
	var authorizationError AuthorizationError
	if errors.As(err, &alreadyTranslated) || errors.As(err, &authorizationError) || errors.Is(err, ErrSessionRequired) {
		return err
	}
	return TransportError{Operation: operation, Cause: err}
}

func isExpiredToken(err error) bool {
	var xrpcError XRPCError
	if !errors.As(err, &xrpcError) {
		return false
	}
	return xrpcError.Name == expiredTokenErrorNameConstant && (xrpcError.StatusCode == http.StatusBadRequest || xrpcError.StatusCode == http.StatusUnauthorized)
}
