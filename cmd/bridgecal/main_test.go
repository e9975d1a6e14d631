package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
	"github.com/bridgecal/bridgecal/internal/calsync"
)

func TestExitCodeForErr(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("wrap: %w", bridgecal.ErrConfig), exitConfig},
		{fmt.Errorf("wrap: %w", bridgecal.ErrAuth), exitAuth},
		{errors.New("network down"), exitTransient},
	}
	for _, tc := range cases {
		if got := exitCodeForErr(tc.err); got != tc.want {
			t.Fatalf("exitCodeForErr(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestExitCodeForTick(t *testing.T) {
	if got := exitCodeForTick(calsync.Summary{}, nil); got != exitOK {
		t.Fatalf("clean tick must exit 0, got %d", got)
	}
	// Errors with zero progress is a runtime failure.
	if got := exitCodeForTick(calsync.Summary{Errors: 2}, nil); got != exitTransient {
		t.Fatalf("errors without progress must exit 4, got %d", got)
	}
	// Errors alongside progress still count as a working pass.
	if got := exitCodeForTick(calsync.Summary{Errors: 2, CreatedGoogle: 1}, nil); got != exitOK {
		t.Fatalf("errors with progress must exit 0, got %d", got)
	}
	if got := exitCodeForTick(calsync.Summary{}, fmt.Errorf("wrap: %w", bridgecal.ErrAuth)); got != exitAuth {
		t.Fatalf("auth failure must exit 3, got %d", got)
	}
}

func TestHealthExitCode(t *testing.T) {
	if got := healthExitCode(fmt.Errorf("wrap: %w", bridgecal.ErrAuth)); got != exitAuth {
		t.Fatalf("auth health failure must exit 3, got %d", got)
	}
	if got := healthExitCode(errors.New("bridge unreachable")); got != exitConfig {
		t.Fatalf("non-auth health failure must exit 2, got %d", got)
	}
}

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("BRIDGECAL_TEST_VALUE", "  set  ")
	if got := envOrDefault("BRIDGECAL_TEST_VALUE", "fallback"); got != "set" {
		t.Fatalf("expected trimmed env value, got %q", got)
	}
	if got := envOrDefault("BRIDGECAL_TEST_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if got := run([]string{"frobnicate"}); got != exitConfig {
		t.Fatalf("unknown command must exit 2, got %d", got)
	}
	if got := run(nil); got != exitConfig {
		t.Fatalf("missing command must exit 2, got %d", got)
	}
}
