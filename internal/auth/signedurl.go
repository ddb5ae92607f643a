package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/CaioWing/Watchtower/internal/domain"
)

// URLSigner issues short-lived signatures for download links.
type URLSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewURLSigner(secret string, ttl time.Duration) *URLSigner {
	return &URLSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Sign returns the expiry (unix seconds) and signature for resource.
func (s *URLSigner) Sign(resource string) (int64, string) {
	exp := s.now().Add(s.ttl).Unix()
	return exp, s.mac(resource, exp)
}

// Check validates signature and expiry. It must run on every fetch.
func (s *URLSigner) Check(resource string, exp int64, sig string) error {
	if s.now().Unix() > exp {
		return fmt.Errorf("%w: link expired", domain.ErrUnauthorized)
	}
	want := s.mac(resource, exp)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return fmt.Errorf("%w: bad signature", domain.ErrUnauthorized)
	}
	return nil
}

func (s *URLSigner) mac(resource string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(resource))
	mac.Write([]byte{'|'})
	mac.Write([]byte(strconv.FormatInt(exp, 10)))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
