package core

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"mentormail/internal/queue"
	"mentormail/internal/types"
)

// maxSignedBodySize bounds the body read performed for signature
// verification. Queue callbacks carry at most a few hundred recipients, so
// 1 MB is generous.
const maxSignedBodySize = 1 << 20

// SignatureMiddleware verifies the HMAC signature on queue callback requests.
//
//  1. Reads the raw request body (the signature covers the exact bytes).
//  2. Checks the X-Mentormail-Signature header against the configured signer.
//  3. Restores the body so downstream handlers can decode it.
//
// Enforcement depends on configuration and environment:
//   - Signer configured, header valid: request proceeds.
//   - Signer configured, header missing or invalid: 401 auth_signature_invalid
//     (auth_signature_missing when absent).
//   - Signer not configured in production: 401. An unsigned production
//     callback endpoint is a misconfiguration, not an open door.
//   - Signer not configured outside production: request proceeds with a
//     warning log, so local development works without secrets.
func (s *Server) SignatureMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		configured := s.Signer != nil && s.Signer.Configured()
		if !configured {
			if s.Config.IsProduction() {
				s.Logger.Error("rejecting callback: no signing secret configured in production",
					slog.String("path", r.URL.Path),
				)
				Error(w, r, types.NewAppError(
					types.ErrCodeAuthSignatureInvalid,
					"callback signature verification is not configured",
					nil,
				))
				return
			}
			s.Logger.Warn("accepting unsigned callback: no signing secret configured",
				slog.String("path", r.URL.Path),
			)
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get(queue.SignatureHeader)
		if header == "" {
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthSignatureMissing,
				"missing "+queue.SignatureHeader+" header",
				nil,
			))
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodySize+1))
		if err != nil {
			Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidJSON,
				"failed to read request body",
				err,
			))
			return
		}
		if len(body) > maxSignedBodySize {
			Error(w, r, types.NewAppError(
				types.ErrCodeValidationInvalidJSON,
				"request body must not exceed 1MB",
				nil,
			))
			return
		}

		if !s.Signer.Verify(body, header) {
			s.Logger.Warn("callback signature verification failed",
				slog.String("path", r.URL.Path),
			)
			Error(w, r, types.NewAppError(
				types.ErrCodeAuthSignatureInvalid,
				"invalid callback signature",
				nil,
			))
			return
		}

		// Restore the body for downstream handlers.
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
