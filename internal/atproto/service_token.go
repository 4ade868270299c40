package atproto

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenReasonMalformedConstant      = "token is not a decodable JWT"
	tokenReasonAudienceConstant       = "token audience does not match"
	tokenReasonOperationConstant      = "token is not scoped to this operation"
	tokenReasonExpiredConstant        = "token expired"
	tokenReasonConsumedConstant       = "token already used"
	tokenReasonRequestedScopeConstant = "requested scope differs from issued scope"
)

type serviceClaims struct {
	jwt.RegisteredClaims
	LexiconMethod string `json:"lxm,omitempty"`
}

// ServiceToken is a single-use bearer credential scoped to one audience and one operation.
type ServiceToken struct {
	audience  string
	operation string
	expiry    time.Time
	bearer    string
	consumed  bool
}

// ParseServiceToken decodes an issued service JWT and confirms that the issuer scoped it
// to exactly the requested audience and operation. The signature is not verified here;
// the receiving server does that.
func ParseServiceToken(bearer string, audience string, operation string) (*ServiceToken, error) {
	claims := &serviceClaims{}
	// Servers sign with curves the JWT library does not register; the claims are decoded regardless.
	_, _, parseError := jwt.NewParser().ParseUnverified(strings.TrimSpace(bearer), claims)
	if parseError != nil && !errors.Is(parseError, jwt.ErrTokenUnverifiable) {
		return nil, AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonMalformedConstant}
	}
	if !slices.Contains(claims.Audience, audience) {
		return nil, AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonAudienceConstant}
	}
	if claims.LexiconMethod != operation {
		return nil, AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonOperationConstant}
	}

	token := &ServiceToken{
		audience:  audience,
		operation: operation,
		bearer:    strings.TrimSpace(bearer),
	}
	if claims.ExpiresAt != nil {
		token.expiry = claims.ExpiresAt.Time
	}
	return token, nil
}

// Audience returns the DID of the server the token is valid for.
func (token *ServiceToken) Audience() string {
	return token.audience
}

// Operation returns the method identifier the token is valid for.
func (token *ServiceToken) Operation() string {
	return token.operation
}

// Expiry returns the token expiry; the zero time means the issuer set none.
func (token *ServiceToken) Expiry() time.Time {
	return token.expiry
}

// Consumed reports whether the token has already been redeemed.
func (token *ServiceToken) Consumed() bool {
	return token.consumed
}

// Redeem releases the bearer value for a call against audience invoking operation.
// Any other pairing, an expired token, or a second redemption is rejected.
func (token *ServiceToken) Redeem(audience string, operation string, now time.Time) (string, error) {
	if token == nil {
		return "", AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonMalformedConstant}
	}
	if token.audience != audience || token.operation != operation {
		return "", AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonRequestedScopeConstant}
	}
	if token.consumed {
		return "", AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonConsumedConstant}
	}
	if !token.expiry.IsZero() && !now.Before(token.expiry) {
		return "", AuthorizationError{Audience: audience, Operation: operation, Reason: tokenReasonExpiredConstant}
	}

	token.consumed = true
	return token.bearer, nil
}
