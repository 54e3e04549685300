package main

import (
	"log/slog"
	"testing"

	"github.com/basket/fleetcore/internal/config"
	"github.com/basket/fleetcore/internal/notify"
)

func TestFirstOrDefault(t *testing.T) {
	if got := firstOrDefault(nil, "fleetd-agent"); got != "fleetd-agent" {
		t.Fatalf("empty command should fall back, got %q", got)
	}
	if got := firstOrDefault([]string{"custom-agent", "--flag"}, "fleetd-agent"); got != "custom-agent" {
		t.Fatalf("expected first element of a non-empty command, got %q", got)
	}
}

func TestBuildNotifierLogOnlyWhenTelegramDisabled(t *testing.T) {
	cfg := config.Config{}
	n := buildNotifier(cfg, slog.Default())
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Fatalf("expected a bare LogNotifier when telegram is disabled, got %T", n)
	}
}

func TestBuildNotifierFallsBackToLogOnlyWhenTelegramDialFails(t *testing.T) {
	// NewTelegramNotifier validates the token against the live Telegram API
	// at construction; a bogus token (or no network) fails that dial, and
	// buildNotifier must fall back to log-only rather than propagate the
	// error (spec ambient stack: notification failures never block startup).
	cfg := config.Config{}
	cfg.Telegram.Enabled = true
	cfg.Telegram.Token = "not-a-real-token"
	n := buildNotifier(cfg, slog.Default())
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Fatalf("expected log-only fallback when telegram dial fails, got %T", n)
	}
}
