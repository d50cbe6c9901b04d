package cognito

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingClaim is returned when a required claim is missing
var ErrMissingClaim = errors.New("missing required claim")

// Claims are the claims of a Cognito ID or access token
type Claims struct {
	jwt.RegisteredClaims
	Email           string   `json:"email"`
	EmailVerified   bool     `json:"email_verified"`
	TokenUse        string   `json:"token_use"`
	AuthTime        int64    `json:"auth_time"`
	CognitoUsername string   `json:"cognito:username"`
	Groups          []string `json:"cognito:groups"`
	ClientID        string   `json:"client_id"` // access tokens carry the client here instead of aud
}

// ParsedClaims is the identity carried by a validated token. Roles are not
// taken from the token: the caller's roles live in the users table.
type ParsedClaims struct {
	Subject       string
	Email         string
	EmailVerified bool
	Username      string
	Groups        []string
	IssuedAt      time.Time
	ExpiresAt     time.Time
}

func parseClaims(claims *Claims) (*ParsedClaims, error) {
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	parsed := &ParsedClaims{
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		Username:      claims.CognitoUsername,
		Groups:        claims.Groups,
	}
	if claims.IssuedAt != nil {
		parsed.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		parsed.ExpiresAt = claims.ExpiresAt.Time
	}
	return parsed, nil
}
