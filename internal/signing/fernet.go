// Package signing provides Fernet-based signed tokens for worker callback
// authentication.
package signing

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
)

// Signer mints and verifies callback tokens. A token is the Fernet
// encryption of the callback payload; verification both checks the signature
// within the TTL and compares the recovered payload to the delivered body,
// binding the signature to this specific invocation.
type Signer struct {
	key *fernet.Key
	ttl time.Duration
}

// NewSigner creates a signer from a URL-safe base64-encoded 32-byte key.
func NewSigner(keyStr string, ttl time.Duration) (*Signer, error) {
	keyStr = strings.TrimSpace(keyStr)
	if keyStr == "" {
		return nil, fmt.Errorf("signing key is empty")
	}

	k, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decoding fernet key: %w", err)
	}

	return &Signer{key: k, ttl: ttl}, nil
}

// GenerateKey creates a new random Fernet key and returns its URL-safe
// base64 encoding, the form NewSigner and CALLBACK_SIGNING_KEY expect.
func GenerateKey() (string, error) {
	k := new(fernet.Key)
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generating key: %w", err)
	}
	return k.Encode(), nil
}

// Sign produces a token over the given payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	tok, err := fernet.EncryptAndSign(payload, s.key)
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return string(tok), nil
}

// Verify reports whether token is a valid, unexpired signature over payload.
func (s *Signer) Verify(token string, payload []byte) bool {
	recovered := fernet.VerifyAndDecrypt([]byte(token), s.ttl, []*fernet.Key{s.key})
	if recovered == nil {
		return false
	}
	return subtle.ConstantTimeCompare(recovered, payload) == 1
}
