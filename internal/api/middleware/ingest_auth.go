package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/CaioWing/Watchtower/internal/api/response"
	"github.com/CaioWing/Watchtower/internal/domain"
)

const (
	HeaderLogKey       = "X-Log-Key"
	HeaderLogSignature = "X-Log-Signature"
)

type IngestVerifier interface {
	VerifyIngestion(ctx context.Context, keyID string, body []byte, signature string) error
}

// IngestAuth verifies the HMAC signature over the raw body before anything parses it.
// Downstream handlers see the identical bytes.
func IngestAuth(verifier IngestVerifier, maxBody int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
			if err != nil {
				response.Error(w, http.StatusBadRequest, "unable to read request body")
				return
			}
			if int64(len(body)) > maxBody {
				response.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			keyID := r.Header.Get(HeaderLogKey)
			if err := verifier.VerifyIngestion(r.Context(), keyID, body, r.Header.Get(HeaderLogSignature)); err != nil {
				if errors.Is(err, domain.ErrUnauthorized) {
					response.Error(w, http.StatusUnauthorized, "invalid ingestion signature")
					return
				}
				response.Error(w, http.StatusInternalServerError, "failed to verify ingestion signature")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			ctx := context.WithValue(r.Context(), IngestKeyKey, keyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
