package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the principal forwarded to backend services.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewClaims builds claims for subject valid for ttl from now.
func NewClaims(subject, name, role string, ttl time.Duration) Claims {
	now := time.Now()
	return Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

func SignHS256(claims Claims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Verifier validates HS256 tokens with a shared secret and, when a JWKS client
// is configured, RS256 tokens by key id.
type Verifier struct {
	secret []byte
	jwks   *JWKSClient
}

func NewVerifier(secret string, jwks *JWKSClient) *Verifier {
	return &Verifier{secret: []byte(secret), jwks: jwks}
}

func (v *Verifier) Verify(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, v.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (v *Verifier) keyFunc(t *jwt.Token) (any, error) {
	switch t.Method.Alg() {
	case jwt.SigningMethodHS256.Alg():
		if len(v.secret) == 0 {
			return nil, errors.New("hs256 secret not configured")
		}
		return v.secret, nil
	case jwt.SigningMethodRS256.Alg():
		if v.jwks == nil {
			return nil, errors.New("jwks not configured")
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, ErrKeyNotFound
		}
		return v.jwks.Get(kid)
	default:
		return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
	}
}
