package security

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/acme/autocert"
)

// TLSMode describes how the server should handle TLS.
type TLSMode int

const (
	// TLSModeOff disables TLS entirely (development only).
	TLSModeOff TLSMode = iota
	// TLSModeSelfSigned uses an auto-generated CA and server certificate.
	TLSModeSelfSigned
	// TLSModeACME uses Let's Encrypt automatic certificate management.
	TLSModeACME
	// TLSModeCustom uses user-provided certificate and key files.
	TLSModeCustom
)

// ParseTLSMode maps a configuration value to a TLSMode.
func ParseTLSMode(s string) (TLSMode, error) {
	switch s {
	case "", "off":
		return TLSModeOff, nil
	case "self-signed":
		return TLSModeSelfSigned, nil
	case "acme":
		return TLSModeACME, nil
	case "custom":
		return TLSModeCustom, nil
	}
	return TLSModeOff, fmt.Errorf("unknown TLS mode %q", s)
}

func (m TLSMode) String() string {
	switch m {
	case TLSModeSelfSigned:
		return "self-signed"
	case TLSModeACME:
		return "acme"
	case TLSModeCustom:
		return "custom"
	default:
		return "off"
	}
}

// CertPaths locates the self-signed CA and server certificate files.
type CertPaths struct {
	CA   string
	Cert string
	Key  string
}

// TLSOptions selects and parameterizes a TLS mode.
type TLSOptions struct {
	Mode     TLSMode
	DataDir  string
	CertFile string
	KeyFile  string
	// ACMEDomains are the names certificates are requested for.
	ACMEDomains []string
	// Hosts are extra names or addresses the self-signed certificate
	// covers, on top of localhost and the local interfaces.
	Hosts []string
}

// TLSResult holds the outcome of TLS setup, including any ACME manager
// whose challenge handler must be served on port 80.
type TLSResult struct {
	Config      *tls.Config
	Paths       *CertPaths        // self-signed mode only
	ACMEManager *autocert.Manager // ACME mode only
	Mode        TLSMode
}

// SetupTLS prepares the server TLS configuration for the chosen mode. It
// returns nil for TLSModeOff.
func SetupTLS(opts TLSOptions) (*TLSResult, error) {
	switch opts.Mode {
	case TLSModeOff:
		return nil, nil
	case TLSModeSelfSigned:
		paths, err := loadOrIssue(filepath.Join(opts.DataDir, "tls"), opts.Hosts)
		if err != nil {
			return nil, err
		}
		cfg, err := keyPairConfig(paths.Cert, paths.Key)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Paths: paths, Mode: opts.Mode}, nil
	case TLSModeACME:
		if len(opts.ACMEDomains) == 0 {
			return nil, fmt.Errorf("acme mode needs at least one domain")
		}
		cacheDir := filepath.Join(opts.DataDir, "acme-certs")
		if err := os.MkdirAll(cacheDir, 0700); err != nil {
			return nil, err
		}
		manager := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(opts.ACMEDomains...),
			Cache:      autocert.DirCache(cacheDir),
		}
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS13
		return &TLSResult{Config: cfg, ACMEManager: manager, Mode: opts.Mode}, nil
	case TLSModeCustom:
		cfg, err := keyPairConfig(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, err
		}
		return &TLSResult{Config: cfg, Mode: opts.Mode}, nil
	}
	return nil, fmt.Errorf("unknown TLS mode %d", opts.Mode)
}

func keyPairConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS keypair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil
}
