// Package auth verifies the bearer credentials presented at WebSocket
// handshake time. The platform's account service issues HMAC-signed JWTs;
// the gateway only needs to validate them and extract the user identity,
// so the surface here is a single-method interface with a JWT-backed
// production implementation.
package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated principal behind a verified token.
type Identity struct {
	UserID int64
}

// Verifier validates a bearer token and returns the identity it carries.
// A verification failure of any kind (bad signature, expired, malformed
// claims) returns a nil Identity and a non-nil error.
type Verifier interface {
	Verify(token string) (*Identity, error)
}

// DefaultTTL is the token lifetime used by Issue when no TTL is given.
const DefaultTTL = 2 * time.Hour

// JWTVerifier validates HS256-signed tokens whose "sub" claim holds the
// numeric user id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with secret.
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify parses and validates token. Only the HMAC family of signing
// methods is accepted; tokens signed with "none" or an asymmetric
// algorithm are rejected before the signature is checked.
func (v *JWTVerifier) Verify(token string) (*Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("auth: invalid token")
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("auth: unexpected claims type")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("auth: token has no subject")
	}
	userID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("auth: non-numeric subject %q", sub)
	}

	return &Identity{UserID: userID}, nil
}

// Issue signs a token for userID with the given TTL (DefaultTTL if ttl is
// zero). Token issuance belongs to the account service in production; this
// helper exists for local development and tests.
func (v *JWTVerifier) Issue(userID int64, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()

	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
