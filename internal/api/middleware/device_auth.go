package middleware

import (
	"context"
	"net/http"

	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/domain"
)

type DeviceAuthenticator interface {
	Authenticate(ctx context.Context, token string) (*domain.Device, error)
}

// DeviceAuth authenticates agents by device token and stores the device in the context.
func DeviceAuth(devices DeviceAuthenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			device, err := devices.Authenticate(r.Context(), token)
			if err != nil {
				response.Error(w, http.StatusUnauthorized, "invalid device token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithDevice(r.Context(), device)))
		})
	}
}
