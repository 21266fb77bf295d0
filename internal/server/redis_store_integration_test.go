package server

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"vodforge/internal/testsupport/redisstub"
)

func TestRedisStoreAllowPlain(t *testing.T) {
	runRedisStoreIntegration(t, false)
}

func TestRedisStoreAllowTLS(t *testing.T) {
	runRedisStoreIntegration(t, true)
}

func runRedisStoreIntegration(t *testing.T, useTLS bool) {
	t.Helper()
	srv, err := redisstub.Start(redisstub.Options{Password: "secret", EnableTLS: useTLS})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	opts := &redis.Options{Addr: srv.Addr(), Password: "secret"}
	if useTLS {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(srv.CertPEM()) {
			t.Fatal("append stub certificate")
		}
		opts.TLSConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() {
		_ = client.Close()
	})
	store := newRedisStore(client, time.Second)
	allowed, retry, err := store.Allow("uploads:198.51.100.1", 2, time.Second)
	if err != nil || !allowed || retry != 0 {
		t.Fatalf("first allow unexpected: allowed=%v retry=%v err=%v", allowed, retry, err)
	}
	allowed, _, err = store.Allow("uploads:198.51.100.1", 2, time.Second)
	if err != nil || !allowed {
		t.Fatalf("second allow unexpected: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err = store.Allow("uploads:198.51.100.1", 2, time.Second)
	if err != nil {
		t.Fatalf("third allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected throttle on third attempt")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry hint, got %v", retry)
	}
}

func TestRateLimiterSharesRedisCounters(t *testing.T) {
	srv, err := redisstub.Start(redisstub.Options{})
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
	})
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	cfg := RateLimitConfig{UploadLimit: 1, UploadWindow: time.Minute, RedisClient: client}
	first := newRateLimiter(cfg)
	second := newRateLimiter(cfg)

	allowed, _, err := first.AllowUpload("203.0.113.9")
	if err != nil || !allowed {
		t.Fatalf("first replica allow: allowed=%v err=%v", allowed, err)
	}
	allowed, retry, err := second.AllowUpload("203.0.113.9")
	if err != nil {
		t.Fatalf("second replica allow err: %v", err)
	}
	if allowed {
		t.Fatal("expected second replica to see the shared budget exhausted")
	}
	if retry <= 0 {
		t.Fatalf("expected positive retry hint, got %v", retry)
	}
}
