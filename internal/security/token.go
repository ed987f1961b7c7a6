package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jwulff/signage-sub002/internal/store"
)

// Ambiguity-safe code alphabet: uppercase + digits, minus O/0/I/1/L.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// pairingCodeTTL is how long a pairing code stays valid. Codes are typed
// into an installer by hand, so the window is short.
const pairingCodeTTL = 15 * time.Minute

// GeneratePairingToken creates a pairing token with a human-readable
// XXXX-XXXX code. The code is returned once; only its hash is stored.
func GeneratePairingToken(label string) (*store.PairingToken, string, error) {
	code, err := randomCode(8)
	if err != nil {
		return nil, "", err
	}

	now := time.Now()
	token := &store.PairingToken{
		ID:        randomHex(8),
		CodeHash:  hashCode(code),
		Label:     label,
		CreatedAt: now,
		ExpiresAt: now.Add(pairingCodeTTL),
	}

	return token, formatCode(code), nil
}

// HashPairingCode normalises and hashes a pairing code for DB lookup.
// Strips dashes and whitespace, uppercases, then SHA-256 hashes.
func HashPairingCode(code string) string {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
	return hashCode(cleaned)
}

// GenerateAPIKey creates a new API key with the format sgn_<random>.
func GenerateAPIKey(name string) (*store.APIKey, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}

	key := "sgn_" + hex.EncodeToString(raw)

	apiKey := &store.APIKey{
		ID:        randomHex(8),
		Name:      name,
		KeyHash:   hashCode(key),
		Prefix:    key[:12],
		CreatedAt: time.Now(),
	}

	return apiKey, key, nil
}

// HashAPIKey returns the SHA-256 hash of an API key for DB lookup.
func HashAPIKey(key string) string {
	return hashCode(key)
}

func randomCode(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	code := make([]byte, length)
	for i := range b {
		code[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(code), nil
}

// formatCode inserts dashes every 4 characters for readability.
func formatCode(code string) string {
	var parts []string
	for i := 0; i < len(code); i += 4 {
		end := i + 4
		if end > len(code) {
			end = len(code)
		}
		parts = append(parts, code[i:end])
	}
	return strings.Join(parts, "-")
}

func hashCode(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func randomHex(n int) string {
	b := make([]byte, n)
	rand.Read(b) //nolint:errcheck
	return hex.EncodeToString(b)
}
