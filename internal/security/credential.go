package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Signer issues and verifies display credentials with an HMAC key kept in
// the server data directory. A credential has the form
//
//	v1.<displayID>.<hmac_sha512_hex>
//
// The v1 prefix leaves room for rotating the scheme later.
type Signer struct {
	key []byte
}

// LoadSigner reads the signing key from dataDir/credential.key, creating
// a fresh 32-byte key on first start.
func LoadSigner(dataDir string) (*Signer, error) {
	path := filepath.Join(dataDir, "credential.key")

	raw, err := os.ReadFile(path)
	if err == nil {
		key, decodeErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decodeErr != nil || len(key) < 32 {
			return nil, fmt.Errorf("corrupt signing key at %s", path)
		}
		return &Signer{key: key}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, fmt.Errorf("write signing key: %w", err)
	}
	return &Signer{key: key}, nil
}

// NewSigner wraps an explicit key; used by tests.
func NewSigner(key []byte) *Signer {
	return &Signer{key: key}
}

// Sign produces a credential for a display ID.
func (s *Signer) Sign(displayID string) string {
	mac := hmac.New(sha512.New, s.key)
	mac.Write([]byte("display-credential:" + displayID))
	return fmt.Sprintf("v1.%s.%s", displayID, hex.EncodeToString(mac.Sum(nil)))
}

// Verify checks a v1-format credential string and returns the embedded
// display ID on success.
func (s *Signer) Verify(credential string) (string, error) {
	parts := strings.Split(credential, ".")
	if len(parts) != 3 || parts[0] != "v1" {
		return "", fmt.Errorf("unsupported credential format")
	}
	displayID := parts[1]

	want := s.Sign(displayID)
	if !hmac.Equal([]byte(credential), []byte(want)) {
		return "", fmt.Errorf("credential signature mismatch")
	}
	return displayID, nil
}

// CredentialHash returns the SHA-256 hex of a credential for DB lookup.
// The raw credential is never stored.
func CredentialHash(credential string) string {
	h := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(h[:])
}
