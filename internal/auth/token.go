// Package auth verifies peer credentials: bearer JWTs for desktop, web and api
// peers, and console credentials against the external verification authority.
package auth

import (
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/console-relay/broker/internal/model"
)

// Claims carried by bearer credentials. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
	Role       string `json:"role,omitempty"`
	LoginToken string `json:"login_token,omitempty"`
}

// UserID returns the owning-user identifier.
func (c *Claims) UserID() string {
	return c.Subject
}

// Caller converts the claims to an operation caller.
func (c *Claims) Caller() model.Caller {
	role, _ := model.ParseRole(c.Role)
	return model.Caller{Role: role, UserID: c.Subject, LoginToken: c.LoginToken}
}

// TokenVerifier validates HS256 bearer tokens issued by the trusted issuer.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a verifier. An empty issuer skips the iss check.
func NewTokenVerifier(secret, issuer string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates a bearer token.
// Every failure wraps model.ErrAuthentication.
func (v *TokenVerifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: missing bearer token", model.ErrAuthentication)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return nil, fmt.Errorf("%w: invalid bearer token: %v", model.ErrAuthentication, err)
	}
	if claims.Subject == "" && claims.Role != string(model.RoleAPI) {
		return nil, fmt.Errorf("%w: token has no subject", model.ErrAuthentication)
	}
	return claims, nil
}
