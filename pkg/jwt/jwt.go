package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

const tokenTypeResume = "resume"

// Claims represents resume token claims. A resume token lets a reconnecting
// client recover its previous connection identity.
type Claims struct {
	jwt.RegisteredClaims
	ConnectionID string `json:"connection_id"`
	Scope        string `json:"scope"`
	Type         string `json:"type"`
}

// Manager issues and validates resume tokens.
type Manager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	ttl        time.Duration
	issuer     string
}

// NewManager creates a Manager with a freshly generated RSA key pair. Tokens
// are only valid for the lifetime of the process that issued them.
func NewManager(ttl time.Duration, issuer string) (*Manager, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	return &Manager{
		privateKey: privateKey,
		publicKey:  &privateKey.PublicKey,
		ttl:        ttl,
		issuer:     issuer,
	}, nil
}

// IssueResumeToken signs a token binding connectionID to scope.
func (m *Manager) IssueResumeToken(connectionID, scope string) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   connectionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		ConnectionID: connectionID,
		Scope:        scope,
		Type:         tokenTypeResume,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	return token.SignedString(m.privateKey)
}

// ValidateResumeToken validates a token and returns its claims.
func (m *Manager) ValidateResumeToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, ErrInvalidToken
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(m.issuer))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != tokenTypeResume {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
