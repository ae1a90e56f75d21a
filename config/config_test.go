package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `{"storage":{"postgres":{"url":"postgres://u:p@localhost:5432/research?sslmode=disable"}}}`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Research.MaxRequests != 5 {
		t.Fatalf("expected max_requests 5, got %d", cfg.Research.MaxRequests)
	}
	if cfg.Research.MaxContextTokens != 850000 {
		t.Fatalf("expected max_context_tokens 850000, got %d", cfg.Research.MaxContextTokens)
	}
	if cfg.Research.TokenTolerance != 50000 {
		t.Fatalf("expected tolerance 50000, got %d", cfg.Research.TokenTolerance)
	}
	if cfg.RateLimit.Cooldown != time.Hour {
		t.Fatalf("expected 1h cooldown, got %s", cfg.RateLimit.Cooldown)
	}
	if cfg.Oracle.DecideRetries != 3 {
		t.Fatalf("expected 3 decide retries, got %d", cfg.Oracle.DecideRetries)
	}
	if cfg.Storage.Redis.Enabled() {
		t.Fatalf("expected redis disabled without host")
	}
	if len(cfg.RateLimit.BlockPatterns) == 0 {
		t.Fatalf("expected default block patterns")
	}
}

func TestLoadConfigLegacyEnv(t *testing.T) {
	path := writeConfig(t, `{"research":{"max_requests":9},"storage":{"postgres":{"url":"postgres://localhost/db"}}}`)
	t.Setenv("AUTO_MAX_REQUESTS", "3")
	t.Setenv("AUTO_MAX_CONTEXT_TOKENS", "1000")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Research.MaxRequests != 3 {
		t.Fatalf("expected env override 3, got %d", cfg.Research.MaxRequests)
	}
	if cfg.Research.MaxContextTokens != 1000 {
		t.Fatalf("expected env override 1000, got %d", cfg.Research.MaxContextTokens)
	}
}

func TestLoadConfigRejectsInvalidResearchBounds(t *testing.T) {
	path := writeConfig(t, `{"research":{"max_requests":0},"storage":{"postgres":{"url":"postgres://localhost/db"}}}`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected validation error for max_requests 0")
	}
}

func TestPostgresDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: "5432", User: "app", Password: "s3cr3t", DBName: "research"}
	want := "postgres://app:s3cr3t@db:5432/research?sslmode=disable"
	if got := p.DSN(); got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	p.URL = "postgres://override"
	if got := p.DSN(); got != "postgres://override" {
		t.Fatalf("expected url to win, got %q", got)
	}
}

func TestRateLimitNormalize(t *testing.T) {
	c := RateLimitConfig{BlockPatterns: []string{" Too Many Requests ", "", "CAPTCHA"}}.Normalize()
	if c.Cooldown != time.Hour {
		t.Fatalf("expected default cooldown, got %s", c.Cooldown)
	}
	if len(c.BlockPatterns) != 2 || c.BlockPatterns[0] != "too many requests" || c.BlockPatterns[1] != "captcha" {
		t.Fatalf("unexpected patterns %v", c.BlockPatterns)
	}
}

func TestLoadConfigProxyFromLegacyEnv(t *testing.T) {
	path := writeConfig(t, `{"storage":{"postgres":{"url":"postgres://localhost/db"}}}`)
	t.Setenv("PROXY_URL", "proxy.internal")
	t.Setenv("PROXY_PORT", "3128")
	t.Setenv("PROXY_USERNAME", "scraper")
	t.Setenv("PROXY_PASSWORD", "pw")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	u := cfg.Retriever.Proxy.URL()
	if u == nil {
		t.Fatalf("expected proxy to be enabled")
	}
	if u.String() != "http://scraper:pw@proxy.internal:3128" {
		t.Fatalf("unexpected proxy url %s", u)
	}
}

func TestProxyDisabledWithoutHost(t *testing.T) {
	if u := (ProxyConfig{Port: "3128"}).URL(); u != nil {
		t.Fatalf("expected no proxy, got %s", u)
	}
	if err := (RetrieverConfig{SearxngURL: "http://s", Proxy: ProxyConfig{Port: "3128"}}).Validate(); err == nil {
		t.Fatalf("expected validation error for port without host")
	}
}
