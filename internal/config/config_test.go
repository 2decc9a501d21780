package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("local")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	timeout, err := cfg.AutoReleaseTimeout()
	if err != nil {
		t.Fatalf("auto release timeout: %v", err)
	}
	if timeout != 168*time.Hour {
		t.Fatalf("expected 168h, got %s", timeout)
	}
}

func TestGeneratedTemplateRoundTrips(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("mkt-1")))
	if err != nil {
		t.Fatalf("template must parse: %v", err)
	}
	if cfg.Market.ID != "mkt-1" {
		t.Fatalf("expected market id mkt-1, got %s", cfg.Market.ID)
	}
	if cfg.Stake.Min != 100 || cfg.Tasks.PlatformFeeBps != 250 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing market", func(c *Config) { c.Market.ID = "" }, "market.id"},
		{"zero stake", func(c *Config) { c.Stake.Min = 0 }, "stake.min"},
		{"slash bps range", func(c *Config) { c.Stake.SlashPercentBps = 10001 }, "slash_percent_bps"},
		{"fee bps range", func(c *Config) { c.Tasks.PlatformFeeBps = -1 }, "platform_fee_bps"},
		{"bad timeout", func(c *Config) { c.Tasks.AutoReleaseTimeout = "soon" }, "auto_release_timeout"},
		{"initial above max", func(c *Config) { c.Reputation.Initial = c.Reputation.Max + 1 }, "reputation.initial"},
		{"webhook url", func(c *Config) { c.Webhooks = []WebhookConfig{{}} }, "webhooks[0].url"},
	}
	for _, tc := range cases {
		cfg := Default("local")
		tc.mutate(cfg)
		err := cfg.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected error mentioning %q, got %v", tc.name, tc.want, err)
		}
	}
}
