package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CaioWing/Watchtower/internal/domain"
)

// EnrollmentClaims authorize exactly one device registration for a user.
// Verification is stateless.
type EnrollmentClaims struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

type EnrollmentSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewEnrollmentSigner(secret string, ttl time.Duration) *EnrollmentSigner {
	return &EnrollmentSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (s *EnrollmentSigner) Issue(userID, orgID string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := EnrollmentClaims{
		UserID: userID,
		OrgID:  orgID,
		Type:   TokenTypeEnrollment,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign enrollment token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, expiry and type tag. Every failure wraps ErrUnauthorized.
func (s *EnrollmentSigner) Verify(token string) (*EnrollmentClaims, error) {
	claims := &EnrollmentClaims{}
	if err := parseHS256(token, claims, s.secret, s.now); err != nil {
		return nil, err
	}
	if claims.Type != TokenTypeEnrollment {
		return nil, fmt.Errorf("%w: %w", domain.ErrUnauthorized, errWrongTokenType)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: enrollment token without user", domain.ErrUnauthorized)
	}
	return claims, nil
}
