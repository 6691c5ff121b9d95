package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	caLifetime     = 10 * 365 * 24 * time.Hour
	serverLifetime = 2 * 365 * 24 * time.Hour
	// renewBefore is how close to expiry a server certificate is replaced.
	renewBefore = 30 * 24 * time.Hour
)

// loadOrIssue returns the certificate files in dir, issuing a new CA and
// server certificate when any file is missing, the server certificate is
// about to expire or it does not cover every requested host.
func loadOrIssue(dir string, hosts []string) (*CertPaths, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	paths := &CertPaths{
		CA:   filepath.Join(dir, "ca.crt"),
		Cert: filepath.Join(dir, "server.crt"),
		Key:  filepath.Join(dir, "server.key"),
	}

	reason, err := needsIssue(paths, hosts)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		if err := issue(paths, hosts); err != nil {
			return nil, fmt.Errorf("issue certificate (%s): %w", reason, err)
		}
	}
	return paths, nil
}

// needsIssue returns why the files must be regenerated, or "" when they
// can be reused.
func needsIssue(paths *CertPaths, hosts []string) (string, error) {
	for _, p := range []string{paths.CA, paths.Key} {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			return "missing " + filepath.Base(p), nil
		}
	}
	data, err := os.ReadFile(paths.Cert)
	if errors.Is(err, os.ErrNotExist) {
		return "missing " + filepath.Base(paths.Cert), nil
	}
	if err != nil {
		return "", err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return "unreadable certificate", nil
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "unreadable certificate", nil
	}
	if time.Until(cert.NotAfter) < renewBefore {
		return "expiring", nil
	}
	for _, h := range hosts {
		if cert.VerifyHostname(h) != nil {
			return "new host " + h, nil
		}
	}
	return "", nil
}

// issue writes a fresh ECDSA P-384 CA and a server certificate signed by
// it.
func issue(paths *CertPaths, hosts []string) error {
	now := time.Now()
	caKey, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}
	caTemplate := &x509.Certificate{
		SerialNumber:          newSerial(),
		Subject:               pkix.Name{Organization: []string{"devmirror"}, CommonName: "devmirror local CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(caLifetime),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		return err
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return err
	}

	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return err
	}
	dnsNames, ips := subjectAltNames(hosts)
	template := &x509.Certificate{
		SerialNumber: newSerial(),
		Subject:      pkix.Name{Organization: []string{"devmirror"}, CommonName: "devmirror server"},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(serverLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return err
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}

	if err := writePEM(paths.CA, "CERTIFICATE", caDER); err != nil {
		return err
	}
	if err := writePEM(paths.Cert, "CERTIFICATE", der); err != nil {
		return err
	}
	return writePEM(paths.Key, "EC PRIVATE KEY", keyDER)
}

// subjectAltNames covers localhost, the machine hostname, every address
// of an up interface and the extra hosts.
func subjectAltNames(hosts []string) ([]string, []net.IP) {
	dnsNames := []string{"localhost"}
	ips := []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	if hostname, err := os.Hostname(); err == nil {
		dnsNames = append(dnsNames, hostname)
	}

	ifaces, _ := net.Interfaces()
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, _ := iface.Addrs()
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" && !slices.Contains(dnsNames, h) {
			dnsNames = append(dnsNames, h)
		}
	}
	return dnsNames, ips
}

func writePEM(path, blockType string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func newSerial() *big.Int {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, _ := rand.Int(rand.Reader, limit)
	return serial
}
