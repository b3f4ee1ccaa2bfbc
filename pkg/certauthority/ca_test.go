// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package certauthority

import (
	"crypto/x509"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLoadOrCreateGeneratesThenLoads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "root.pem")
	keyPath := filepath.Join(dir, "root.key")

	first, err := LoadOrCreate(certPath, keyPath)
	if err != nil {
		t.Fatalf("unexpected error generating authority: %v", err)
	}
	if !first.cert.IsCA {
		t.Fatal("expected generated root to be a CA certificate")
	}
	if first.cert.SignatureAlgorithm != x509.SHA512WithRSA {
		t.Fatalf("expected SHA512WithRSA, got %v", first.cert.SignatureAlgorithm)
	}

	second, err := LoadOrCreate(certPath, keyPath)
	if err != nil {
		t.Fatalf("unexpected error loading existing authority: %v", err)
	}
	if second.cert.SerialNumber.Cmp(first.cert.SerialNumber) != 0 {
		t.Fatal("expected loaded root to match generated root")
	}
}

func TestResolveMintsLeafWithDNSAndURISAN(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := a.Resolve("example.com", "")
	if err != nil {
		t.Fatalf("unexpected error resolving leaf: %v", err)
	}
	if leaf.Leaf.Subject.CommonName != "example.com" {
		t.Fatalf("expected CN example.com, got %q", leaf.Leaf.Subject.CommonName)
	}
	if len(leaf.Leaf.DNSNames) != 1 || leaf.Leaf.DNSNames[0] != "example.com" {
		t.Fatalf("expected DNS SAN example.com, got %v", leaf.Leaf.DNSNames)
	}
	if len(leaf.Leaf.URIs) != 1 || leaf.Leaf.URIs[0].Host != "example.com" {
		t.Fatalf("expected URI SAN for example.com, got %v", leaf.Leaf.URIs)
	}
	if leaf.Leaf.SignatureAlgorithm != x509.SHA512WithRSA {
		t.Fatalf("expected leaf signed with SHA512WithRSA, got %v", leaf.Leaf.SignatureAlgorithm)
	}
}

func TestResolveMintsLeafWithCriticalExtKeyUsage(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := a.Resolve("critical-eku.example", "")
	if err != nil {
		t.Fatalf("unexpected error resolving leaf: %v", err)
	}

	found := false
	for _, ext := range leaf.Leaf.Extensions {
		if ext.Id.Equal(oidExtensionExtendedKeyUsage) {
			found = true
			if !ext.Critical {
				t.Fatal("expected leaf EKU extension to be marked critical")
			}
		}
	}
	if !found {
		t.Fatal("expected leaf to carry an EKU extension")
	}
	if len(leaf.Leaf.ExtKeyUsage) != 1 || leaf.Leaf.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Fatalf("expected leaf to advertise serverAuth EKU, got %v", leaf.Leaf.ExtKeyUsage)
	}
}

func TestResolveFallsBackToConnectHintWithoutSNI(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	leaf, err := a.Resolve("", "fallback.internal")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if leaf.Leaf.Subject.CommonName != "fallback.internal" {
		t.Fatalf("expected fallback hostname, got %q", leaf.Leaf.Subject.CommonName)
	}
}

func TestResolveWithoutHintsFails(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := a.Resolve("", ""); err == nil {
		t.Fatal("expected an error when no hostname can be resolved")
	}
}

func TestCachedLeafIsReusedUntilNearExpiry(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"), WithCache(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := a.Resolve("cached.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := a.Resolve("cached.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Leaf.SerialNumber.Cmp(first.Leaf.SerialNumber) != 0 {
		t.Fatal("expected cache hit to reuse the same leaf certificate")
	}
}

func TestConcurrentResolveCoalescesOntoOneMint(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"), WithCache(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const concurrency = 20
	leaves := make([]*x509.Certificate, concurrency)
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		i := i
		go func() {
			defer wg.Done()
			leaf, err := a.Resolve("racing.example", "")
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			leaves[i] = leaf.Leaf
		}()
	}
	wg.Wait()

	for i := 1; i < concurrency; i++ {
		if leaves[i] == nil || leaves[0] == nil {
			continue
		}
		if leaves[i].SerialNumber.Cmp(leaves[0].SerialNumber) != 0 {
			t.Fatalf("expected every concurrent resolve to coalesce onto a single mint, got distinct serials at index %d", i)
		}
	}
}

func TestWithoutCacheMintsFreshLeafEachTime(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadOrCreate(filepath.Join(dir, "root.pem"), filepath.Join(dir, "root.key"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	first, err := a.Resolve("nocache.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := a.Resolve("nocache.example", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second.Leaf.SerialNumber.Cmp(first.Leaf.SerialNumber) == 0 {
		t.Fatal("expected a fresh leaf certificate without a cache configured")
	}
}
