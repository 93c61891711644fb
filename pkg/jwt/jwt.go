package jwt

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrMissingKey   = errors.New("signing key is not configured")
)

// Claims represents JWT claims issued by the auth service.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	Type     string   `json:"type"` // "access" or "refresh"
}

// Manager signs and verifies HMAC-SHA256 tokens with a key shared between services.
type Manager struct {
	key            []byte
	accessDuration time.Duration
	issuer         string
	now            func() time.Time
}

// NewManager creates a new JWT manager.
func NewManager(secret string, accessDuration time.Duration, issuer string) (*Manager, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	if accessDuration <= 0 {
		accessDuration = 15 * time.Minute
	}
	return &Manager{
		key:            []byte(secret),
		accessDuration: accessDuration,
		issuer:         issuer,
		now:            time.Now,
	}, nil
}

// GenerateAccessToken issues an access token. The relation service only
// verifies tokens; issuing is used by internal tooling and tests.
func (m *Manager) GenerateAccessToken(userID, username string, roles []string) (string, error) {
	now := m.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessDuration)),
		},
		UserID:   userID,
		Username: username,
		Roles:    roles,
		Type:     "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.key)
}

// ValidateToken validates an access token and returns its claims.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.key, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Type != "access" {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}

	return claims, nil
}
