package middleware

import (
	"bytes"
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
)

// SignatureVerifier checks a signature token against the request body it
// covers.
type SignatureVerifier interface {
	Verify(token string, payload []byte) bool
}

// SignatureHeader carries the dispatcher's signature over the callback body.
const SignatureHeader = "X-Callback-Signature"

// maxCallbackBody bounds how much of a callback body is read for
// verification. Callback payloads are a single session id.
const maxCallbackBody = 1 << 16

// CallbackAuth authenticates worker callbacks: a signature header minted by
// the task dispatcher over the request body, or a bearer token fallback for
// manual invocation. With neither configured the middleware is disabled,
// which only makes sense in development.
//
// The body is read for signature verification and restored for the handler.
func CallbackAuth(verifier SignatureVerifier, bearerToken string, unauthorized http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil && bearerToken == "" {
				next.ServeHTTP(w, r)
				return
			}

			if verifier != nil {
				if sig := r.Header.Get(SignatureHeader); sig != "" {
					body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
					if err != nil {
						unauthorized(w, r)
						return
					}
					r.Body = io.NopCloser(bytes.NewReader(body))
					if verifier.Verify(sig, body) {
						next.ServeHTTP(w, r)
						return
					}
					unauthorized(w, r)
					return
				}
			}

			if bearerToken != "" && bearerMatches(r, bearerToken) {
				next.ServeHTTP(w, r)
				return
			}

			unauthorized(w, r)
		})
	}
}

// BearerAuth guards admin endpoints with a static bearer token. An empty
// token disables the check.
func BearerAuth(token string, unauthorized http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || bearerMatches(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w, r)
		})
	}
}

func bearerMatches(r *http.Request, token string) bool {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
