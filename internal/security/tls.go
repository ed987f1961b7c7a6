package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/acme/autocert"
)

// CertPaths holds the locations of the self-signed server certificate files.
type CertPaths struct {
	CertPath string
	KeyPath  string
}

// LoadOrGenerateTLS loads the self-signed certificate from dataDir or
// generates a fresh one. Suited to LAN deployments where displays trust
// the server out of band.
func LoadOrGenerateTLS(dataDir string) (*tls.Config, *CertPaths, error) {
	paths := &CertPaths{
		CertPath: filepath.Join(dataDir, "server.crt"),
		KeyPath:  filepath.Join(dataDir, "server.key"),
	}

	if !fileExists(paths.CertPath) || !fileExists(paths.KeyPath) {
		if err := generateSelfSigned(paths); err != nil {
			return nil, nil, fmt.Errorf("generate TLS cert: %w", err)
		}
	}

	cert, err := tls.LoadX509KeyPair(paths.CertPath, paths.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load TLS keypair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, paths, nil
}

// NewACMEManager creates a Let's Encrypt autocert manager for the given
// domains. Certificates are obtained and renewed automatically and cached
// under dataDir/acme-certs.
//
// Usage:
//
//	manager, tlsCfg := security.NewACMEManager(dataDir, "signage.example.com")
//	go http.ListenAndServe(":80", manager.HTTPHandler(nil))  // HTTP-01 challenges
//	server := &http.Server{Addr: ":443", TLSConfig: tlsCfg}
//	server.ListenAndServeTLS("", "")
func NewACMEManager(dataDir string, domains ...string) (*autocert.Manager, *tls.Config) {
	cacheDir := filepath.Join(dataDir, "acme-certs")
	_ = os.MkdirAll(cacheDir, 0700)

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	tlsCfg := manager.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS12

	return manager, tlsCfg
}

// generateSelfSigned creates a server certificate with SANs for localhost,
// the machine hostname, and all local IP addresses.
func generateSelfSigned(paths *CertPaths) error {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}

	dnsNames, ipAddrs := collectSANs()

	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject: pkix.Name{
			Organization: []string{"Signage"},
			CommonName:   "Signage Channel Server",
		},
		DNSNames:    dnsNames,
		IPAddresses: ipAddrs,
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(2 * 365 * 24 * time.Hour),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	if err := writePEM(paths.CertPath, "CERTIFICATE", certDER); err != nil {
		return err
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return writePEM(paths.KeyPath, "EC PRIVATE KEY", keyBytes)
}

// collectSANs gathers DNS names and IP addresses for the certificate.
func collectSANs() ([]string, []net.IP) {
	dnsNames := []string{"localhost"}
	ipAddrs := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}

	if hostname, err := os.Hostname(); err == nil {
		dnsNames = append(dnsNames, hostname)
	}

	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			addrs, err := iface.Addrs()
			if err != nil {
				continue
			}
			for _, addr := range addrs {
				var ip net.IP
				switch v := addr.(type) {
				case *net.IPNet:
					ip = v.IP
				case *net.IPAddr:
					ip = v.IP
				}
				if ip != nil && !ip.IsLoopback() {
					ipAddrs = append(ipAddrs, ip)
				}
			}
		}
	}

	return dnsNames, ipAddrs
}

func writePEM(path, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close() //nolint:errcheck

	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}

func newSerial() *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, max)
	return serial
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
