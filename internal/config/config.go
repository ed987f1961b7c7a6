// Package config reads deployment settings from the environment. A .env
// file next to the working directory is honored for development; real
// deployments set the variables directly. Flags still win over both.
package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Server holds channel-server settings.
type Server struct {
	Addr    string // listen address
	DataDir string // signing key, TLS material, SQLite database
	DBPath  string // overrides <DataDir>/signage.db when set
	Domain  string // non-empty enables ACME TLS for that domain
}

// Relay holds relay-client settings.
type Relay struct {
	ServerURL  string // ws:// or wss:// channel URL
	Kind       string // "pixoo" or "emulator"
	DeviceAddr string // Pixoo device IP or host:port
	TerminalID string // routing target this display answers to
	Credential string // credential issued at pairing
	Name       string
}

// LoadServer reads server settings, applying defaults.
func LoadServer() Server {
	_ = godotenv.Load()
	return Server{
		Addr:    getenv("SIGNAGE_ADDR", ":8080"),
		DataDir: getenv("SIGNAGE_DATA_DIR", "data"),
		DBPath:  os.Getenv("SIGNAGE_DB"),
		Domain:  os.Getenv("SIGNAGE_DOMAIN"),
	}
}

// LoadRelay reads relay settings, applying defaults.
func LoadRelay() Relay {
	_ = godotenv.Load()
	return Relay{
		ServerURL:  getenv("SIGNAGE_SERVER_URL", "ws://localhost:8080/ws/display"),
		Kind:       getenv("SIGNAGE_KIND", "emulator"),
		DeviceAddr: os.Getenv("SIGNAGE_DEVICE_ADDR"),
		TerminalID: os.Getenv("SIGNAGE_TERMINAL_ID"),
		Credential: os.Getenv("SIGNAGE_CREDENTIAL"),
		Name:       os.Getenv("SIGNAGE_NAME"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
