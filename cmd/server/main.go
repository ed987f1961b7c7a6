// Command server runs the channel server that brokers frames between
// sources and paired displays.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/jwulff/signage-sub002/internal/config"
	"github.com/jwulff/signage-sub002/internal/security"
	"github.com/jwulff/signage-sub002/internal/store"
	"github.com/jwulff/signage-sub002/internal/version"
)

func main() {
	cfg := config.LoadServer()

	addr := flag.String("addr", cfg.Addr, "Server listen address")
	dataDir := flag.String("data", cfg.DataDir, "State directory (keys, certs, database)")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path (defaults to <data>/signage.db)")
	domain := flag.String("domain", cfg.Domain, "Domain for automatic ACME certificates")
	useTLS := flag.Bool("tls", false, "Serve TLS with a self-signed certificate")
	flag.Parse()

	log.Printf("Channel server v%s (built %s)", version.Version, version.BuildTime)

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	if *dbPath == "" {
		*dbPath = filepath.Join(*dataDir, "signage.db")
	}
	db, err := store.NewSQLiteStore(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close() //nolint:errcheck
	log.Printf("Database: %s", *dbPath)

	signer, err := security.LoadSigner(*dataDir)
	if err != nil {
		log.Fatalf("Failed to load signing key: %v", err)
	}

	bootstrapAPIKey(db)

	srv := NewServer(db, signer)

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	switch {
	case *domain != "":
		manager, tlsConfig := security.NewACMEManager(*dataDir, *domain)
		httpServer.Addr = ":443"
		httpServer.TLSConfig = tlsConfig
		go func() {
			// ACME HTTP-01 challenges arrive on port 80.
			log.Fatal(http.ListenAndServe(":80", manager.HTTPHandler(nil))) //nolint:gosec
		}()
		log.Printf("Listening on :443 (ACME, domain %s)", *domain)
		log.Fatal(httpServer.ListenAndServeTLS("", ""))

	case *useTLS:
		tlsConfig, paths, err := security.LoadOrGenerateTLS(*dataDir)
		if err != nil {
			log.Fatalf("Failed to prepare TLS: %v", err)
		}
		httpServer.TLSConfig = tlsConfig
		log.Printf("Listening on %s (self-signed cert %s)", *addr, paths.CertPath)
		log.Fatal(httpServer.ListenAndServeTLS("", ""))

	default:
		log.Printf("Listening on %s (plain HTTP)", *addr)
		log.Fatal(httpServer.ListenAndServe())
	}
}

// bootstrapAPIKey creates and logs an initial management key on a fresh
// database, so the API is reachable without out-of-band setup.
func bootstrapAPIKey(db store.Store) {
	ctx := context.Background()
	keys, err := db.ListAPIKeys(ctx)
	if err != nil || len(keys) > 0 {
		return
	}
	key, plain, err := security.GenerateAPIKey("bootstrap")
	if err != nil {
		log.Printf("Failed to generate bootstrap API key: %v", err)
		return
	}
	if err := db.CreateAPIKey(ctx, key); err != nil {
		log.Printf("Failed to store bootstrap API key: %v", err)
		return
	}
	log.Printf("Bootstrap API key (shown once): %s", plain)
}
