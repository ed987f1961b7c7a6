// Package store defines persistence for the channel server: paired
// displays, pairing tokens, and API keys. Implementations must be safe
// for concurrent use so backends can swap without touching server logic.
package store

import (
	"context"
	"errors"
	"time"
)

// Pairing-code redemption failures callers may want to distinguish from
// infrastructure errors.
var (
	ErrTokenConsumed = errors.New("pairing code already used")
	ErrTokenExpired  = errors.New("pairing code expired")
)

// Store is the persistence interface for all channel-server data.
type Store interface {
	// Paired displays.
	CreateDisplay(ctx context.Context, d *DisplayRecord) error
	GetDisplay(ctx context.Context, id string) (*DisplayRecord, error)
	GetDisplayByCredential(ctx context.Context, credentialHash string) (*DisplayRecord, error)
	UpdateDisplaySeen(ctx context.Context, id string, t time.Time) error
	AddFramesRelayed(ctx context.Context, id string, n int64) error
	ListDisplays(ctx context.Context) ([]*DisplayRecord, error)
	DeleteDisplay(ctx context.Context, id string) error

	// Pairing tokens.
	CreatePairingToken(ctx context.Context, token *PairingToken) error
	ConsumePairingToken(ctx context.Context, codeHash string, displayID string) (*PairingToken, error)
	ListPairingTokens(ctx context.Context) ([]*PairingToken, error)
	DeletePairingToken(ctx context.Context, id string) error

	// API keys.
	CreateAPIKey(ctx context.Context, key *APIKey) error
	VerifyAPIKey(ctx context.Context, keyHash string) (*APIKey, error)
	ListAPIKeys(ctx context.Context) ([]*APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	// Close releases database resources.
	Close() error
}

// DisplayRecord is the persistent record for a paired display.
type DisplayRecord struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Kind           string    `json:"kind"`        // "pixoo", "web", ...
	TerminalID     string    `json:"terminal_id"` // routing target, empty = all-frames
	CredentialHash string    `json:"-"`
	PairedAt       time.Time `json:"paired_at"`
	LastSeen       time.Time `json:"last_seen"`
	FramesRelayed  int64     `json:"frames_relayed"`
}

// PairingToken authorises a single display pairing.
type PairingToken struct {
	ID        string     `json:"id"`
	CodeHash  string     `json:"-"`
	Label     string     `json:"label"` // human-readable description
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// APIKey grants access to the management API.
type APIKey struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	Prefix    string     `json:"prefix"` // first 12 chars for identification
	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}
