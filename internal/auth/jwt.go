package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CaioWing/Watchtower/internal/domain"
)

const (
	TokenTypeAccess     = "access"
	TokenTypeEnrollment = "enrollment"

	issuer = "watchtower"
)

var errWrongTokenType = errors.New("wrong token type")

type JWTManager struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

type ManagementClaims struct {
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
	TenantID string `json:"tenant_id"`
	Type     string `json:"type"`
	jwt.RegisteredClaims
}

func (c *ManagementClaims) Principal() domain.Principal {
	return domain.Principal{UserID: c.UserID, Role: c.Role, TenantID: c.TenantID}
}

func NewJWTManager(secret string, expiry time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		expiry: expiry,
		now:    time.Now,
	}
}

func (m *JWTManager) Generate(p domain.Principal) (string, time.Time, error) {
	now := m.now()
	expiresAt := now.Add(m.expiry)
	claims := ManagementClaims{
		UserID:   p.UserID,
		Role:     p.Role,
		TenantID: p.TenantID,
		Type:     TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate accepts only unexpired access tokens signed with this manager's secret.
func (m *JWTManager) Validate(tokenStr string) (*ManagementClaims, error) {
	claims := &ManagementClaims{}
	if err := parseHS256(tokenStr, claims, m.secret, m.now); err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeAccess {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, errWrongTokenType)
	}
	return claims, nil
}

func parseHS256(tokenStr string, claims jwt.Claims, secret []byte, now func() time.Time) error {
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(now), jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return fmt.Errorf("%w: parse jwt: %w", domain.ErrUnauthorized, err)
	}
	if !token.Valid {
		return fmt.Errorf("%w: invalid token claims", domain.ErrUnauthorized)
	}
	return nil
}
