// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package certauthority mints the root certificate the proxy's operator
// installs as a trust anchor, and signs per-host leaf certificates on
// demand so the proxy can terminate TLS for any hostname it intercepts.
package certauthority

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/TiltMeSenpai/proxy-project/pkg/waitpoint"
)

const (
	rootKeyBits = 2048
	leafKeyBits = 2048
	leafValid   = 365 * 24 * time.Hour
	serialBits  = 128
)

// oidExtensionExtendedKeyUsage and oidExtKeyUsageServerAuth let mint build
// the leaf's EKU extension by hand: the stdlib always marshals the
// ExtKeyUsage struct field as non-critical, but the leaf needs it marked
// critical.
var (
	oidExtensionExtendedKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}
	oidExtKeyUsageServerAuth     = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}
)

// Authority holds the root key pair and signs leaf certificates for
// hostnames presented at TLS negotiation time.
type Authority struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey

	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
	ttl   time.Duration

	inflightMu sync.Mutex
	inflight   map[string]*waitpoint.Waitpoint
}

// Option configures an Authority beyond its required root material.
type Option func(*Authority)

// WithLogger attaches a logger for certificate lifecycle events.
func WithLogger(logger zerolog.Logger) Option {
	return func(a *Authority) { a.logger = logger }
}

// WithCache enables an in-memory leaf certificate cache, keyed by
// hostname, with entries evicted once fewer than ttl remains before
// their NotAfter.
func WithCache(ttl time.Duration) Option {
	return func(a *Authority) {
		a.cache = make(map[string]*tls.Certificate)
		a.ttl = ttl
	}
}

// LoadOrCreate loads a root certificate and key from certPath/keyPath, or,
// if either file is missing, unreadable or does not parse, mints a new
// self-signed root and writes it to those paths.
func LoadOrCreate(certPath, keyPath string, opts ...Option) (*Authority, error) {
	a := &Authority{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	cert, key, err := load(certPath, keyPath)
	if err == nil {
		a.cert, a.key = cert, key
		a.logger.Info().Str("cert", certPath).Str("key", keyPath).Msg("loaded certificate authority")
		return a, nil
	}

	cert, key, err = generate(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("generate certificate authority: %w", err)
	}
	a.cert, a.key = cert, key
	a.logger.Info().Str("cert", certPath).Str("key", keyPath).Msg("generated new certificate authority")
	return a, nil
}

// RootPEM returns the PEM encoding of the root certificate, suitable for
// installation as a trust anchor.
func (a *Authority) RootPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.cert.Raw})
}

// Resolve returns a leaf certificate for the hostname negotiated over
// TLS. sniHint is the ClientHello server name; connectHint is the
// hostname from the CONNECT target, used when the client skips SNI.
//
// When caching is enabled, concurrent handshakes for a hostname with no
// cached leaf yet coalesce onto a single mint: the first caller mints
// and stores the result, and every other caller awaits that mint's
// waitpoint instead of signing a redundant leaf for the same host.
func (a *Authority) Resolve(sniHint, connectHint string) (*tls.Certificate, error) {
	host := sniHint
	if host == "" {
		host = connectHint
	}
	if host == "" {
		return nil, errors.New("certauthority: no hostname to resolve a certificate for")
	}

	if leaf, ok := a.fromCache(host); ok {
		return leaf, nil
	}

	if a.cache == nil {
		return a.mintAndStore(host)
	}

	wp, isMinter := a.claimMint(host)
	if !isMinter {
		wp.Await(context.Background())
		if leaf, ok := a.fromCache(host); ok {
			return leaf, nil
		}
		// The mint we waited on failed to populate the cache; take over
		// rather than awaiting a waitpoint that will never complete again.
		if wp, isMinter = a.claimMint(host); !isMinter {
			return a.mintAndStore(host)
		}
	}

	// A previous minter may have stored and released between our cache
	// check and our claim; reuse its leaf rather than minting a second one.
	if leaf, ok := a.fromCache(host); ok {
		a.releaseMint(host, wp)
		return leaf, nil
	}

	leaf, err := a.mintAndStore(host)
	a.releaseMint(host, wp)
	return leaf, err
}

// claimMint registers the calling goroutine as the one minting host's
// leaf, or returns the in-flight waitpoint to await if another goroutine
// already claimed it.
func (a *Authority) claimMint(host string) (*waitpoint.Waitpoint, bool) {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()
	if a.inflight == nil {
		a.inflight = make(map[string]*waitpoint.Waitpoint)
	}
	if wp, ok := a.inflight[host]; ok {
		return wp, false
	}
	wp := waitpoint.New()
	a.inflight[host] = wp
	return wp, true
}

// releaseMint clears host's in-flight claim and wakes anyone awaiting it.
func (a *Authority) releaseMint(host string, wp *waitpoint.Waitpoint) {
	a.inflightMu.Lock()
	delete(a.inflight, host)
	a.inflightMu.Unlock()
	wp.Complete()
}

func (a *Authority) mintAndStore(host string) (*tls.Certificate, error) {
	leaf, err := a.mint(host)
	if err != nil {
		a.logger.Error().Err(err).Str("host", host).Msg("failed to mint leaf certificate")
		return nil, err
	}
	a.storeInCache(host, leaf)
	a.logger.Debug().Str("host", host).Msg("minted leaf certificate")
	return leaf, nil
}

func (a *Authority) fromCache(host string) (*tls.Certificate, bool) {
	if a.cache == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	leaf, ok := a.cache[host]
	if !ok || leaf.Leaf == nil {
		return nil, false
	}
	if time.Until(leaf.Leaf.NotAfter) <= a.ttl {
		return nil, false
	}
	return leaf, true
}

func (a *Authority) storeInCache(host string, leaf *tls.Certificate) {
	if a.cache == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[host] = leaf
	a.evictExpiredLocked()
}

// evictExpiredLocked drops cached leaves too close to expiry to be worth
// keeping. Must be called with a.mu held for writing.
func (a *Authority) evictExpiredLocked() {
	stale := lo.Filter(lo.Keys(a.cache), func(host string, _ int) bool {
		leaf := a.cache[host]
		return leaf.Leaf == nil || time.Until(leaf.Leaf.NotAfter) <= a.ttl
	})
	for _, host := range stale {
		delete(a.cache, host)
	}
}

func (a *Authority) mint(host string) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), serialBits))
	if err != nil {
		return nil, fmt.Errorf("generate leaf serial: %w", err)
	}

	ekuValue, err := asn1.Marshal([]asn1.ObjectIdentifier{oidExtKeyUsageServerAuth})
	if err != nil {
		return nil, fmt.Errorf("marshal leaf EKU extension: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: host},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(leafValid),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		DNSNames:     []string{host},

		SignatureAlgorithm: x509.SHA512WithRSA,

		// ExtKeyUsage is set by hand as a critical ExtraExtensions entry,
		// not via the ExtKeyUsage field, which the stdlib always marshals
		// non-critical.
		ExtraExtensions: []pkix.Extension{
			{Id: oidExtensionExtendedKeyUsage, Critical: true, Value: ekuValue},
		},
	}
	template.URIs = []*url.URL{{Scheme: "https", Host: host}}

	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &leafKey.PublicKey, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign leaf certificate: %w", err)
	}

	leaf := &tls.Certificate{
		Certificate: [][]byte{der, a.cert.Raw},
		PrivateKey:  leafKey,
	}
	leaf.Leaf, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse minted leaf: %w", err)
	}
	return leaf, nil
}

func load(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	parsedKey, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse root key: %w", err)
	}
	key, ok := parsedKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("root key in %s is not RSA", keyPath)
	}

	return cert, key, nil
}

func generate(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate root key: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost", Organization: []string{"proxy"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(leafValid),
		KeyUsage:     x509.KeyUsageKeyCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},

		BasicConstraintsValid: true,
		IsCA:                  true,

		SignatureAlgorithm: x509.SHA512WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("self-sign root certificate: %w", err)
	}

	if err := writeFileAtomic(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644); err != nil {
		return nil, nil, fmt.Errorf("write root certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal root key: %w", err)
	}
	if err := writeFileAtomic(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		return nil, nil, fmt.Errorf("write root key: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("parse generated root certificate: %w", err)
	}
	return cert, key, nil
}

// writeFileAtomic writes data to a temporary file beside path and renames
// it into place, creating path's directory first if it is missing.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
