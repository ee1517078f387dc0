package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: pricewatch\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Driver != "sqlite" || cfg.Database.Path != "pricewatch.db" {
		t.Fatalf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Alerting.Cooldown != 24*time.Hour {
		t.Fatalf("cooldown default: %v", cfg.Alerting.Cooldown)
	}
	if cfg.Alerting.BigDiscountThreshold != 30 || cfg.Alerting.PriceErrorThreshold != 0.5 || cfg.Alerting.MinPriceForError != 10 {
		t.Fatalf("threshold defaults: %+v", cfg.Alerting)
	}
	if cfg.Pacing.BackoffMin != 5*time.Second || cfg.Pacing.BackoffMax != 300*time.Second {
		t.Fatalf("backoff defaults: %+v", cfg.Pacing)
	}
	if cfg.Categories.MaxItems != 30 {
		t.Fatalf("category max items: %d", cfg.Categories.MaxItems)
	}
	if !cfg.Scheduler.Items.Enabled || cfg.Scheduler.Items.Interval != 30*time.Minute {
		t.Fatalf("items job: %+v", cfg.Scheduler.Items)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	t.Setenv("PRICEWATCH_ALERTING_COOLDOWN", "2h")
	path := writeConfig(t, `
sites:
  - name: Shop
    search_url: "https://shop.example/search?q=%s"
    loader: headless
global_scan:
  queries: "laptop,rtx 4070"
analyzer:
  ranges:
    - keyword: widget
      min: 10
      max: 20
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Alerting.Cooldown != 2*time.Hour {
		t.Fatalf("env override ignored: %v", cfg.Alerting.Cooldown)
	}
	if len(cfg.Sites) != 1 || cfg.Sites[0].Loader != "headless" {
		t.Fatalf("sites: %+v", cfg.Sites)
	}
	if len(cfg.GlobalScan.Queries) != 2 || cfg.GlobalScan.Queries[1] != "rtx 4070" {
		t.Fatalf("queries: %v", cfg.GlobalScan.Queries)
	}
	if len(cfg.Analyzer.Ranges) != 1 || cfg.Analyzer.Ranges[0].Max != 20 {
		t.Fatalf("ranges: %+v", cfg.Analyzer.Ranges)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"postgres without dsn", "database:\n  driver: postgres\n", "database.dsn"},
		{"unknown driver", "database:\n  driver: mysql\n", "not supported"},
		{"big discount out of range", "alerting:\n  big_discount_threshold: 150\n", "big_discount_threshold"},
		{"ratio out of range", "alerting:\n  price_error_threshold: 2\n", "price_error_threshold"},
		{"telegram without token", "alerting:\n  telegram:\n    enabled: true\n", "bot_token is required"},
		{"search url without placeholder", "sites:\n  - name: a\n    search_url: https://a.example/\n", "search_url"},
		{"duplicate site", "sites:\n  - name: a\n    search_url: \"https://a/%s\"\n  - name: A\n    search_url: \"https://a/%s\"\n", "duplicate"},
		{"bad loader", "sites:\n  - name: a\n    search_url: \"https://a/%s\"\n    loader: ftp\n", "loader"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 50}}
	if got := cfg.ResolveMaxPoints(0); got != 50 {
		t.Fatalf("default: %d", got)
	}
	if got := cfg.ResolveMaxPoints(7); got != 7 {
		t.Fatalf("override: %d", got)
	}
}
