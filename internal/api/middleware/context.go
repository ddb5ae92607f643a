package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/CaioWing/Watchtower/internal/domain"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"
	DeviceKey    contextKey = "device"
	IngestKeyKey contextKey = "ingest_key"
	SecureKey    contextKey = "secure"
)

func WithPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(domain.Principal)
	return p, ok
}

func WithDevice(ctx context.Context, d *domain.Device) context.Context {
	return context.WithValue(ctx, DeviceKey, d)
}

func DeviceFrom(ctx context.Context) (*domain.Device, bool) {
	d, ok := ctx.Value(DeviceKey).(*domain.Device)
	return d, ok && d != nil
}

// IsSecure reports whether the request arrived over TLS. X-Forwarded-Proto counts only
// when ForwardedProto accepted it from a trusted proxy.
func IsSecure(r *http.Request) bool {
	if secure, ok := r.Context().Value(SecureKey).(bool); ok {
		return secure
	}
	return r.TLS != nil
}

// ForwardedProto records whether the request is secure, believing X-Forwarded-Proto only
// from peers inside trusted. It must run before RealIP rewrites RemoteAddr.
func ForwardedProto(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secure := r.TLS != nil
			if !secure && fromTrustedPeer(r.RemoteAddr, trusted) {
				secure = strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), SecureKey, secure)))
		})
	}
}

func fromTrustedPeer(remoteAddr string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimPrefix(header, "Bearer ")
	if header == "" || token == header || token == "" {
		return "", false
	}
	return token, true
}
