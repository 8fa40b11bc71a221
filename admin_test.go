package main

import (
	"testing"

	"github.com/Patopm/grupos-estudiantiles-sub000/internal/config"
)

func TestRetentionDaysResolution(t *testing.T) {
	cfg := &config.Config{}
	if got := retentionDays(false, 90, cfg); got != 90 {
		t.Fatalf("default: got %d, want 90", got)
	}
	cfg.Security.AuditRetentionDays = 30
	if got := retentionDays(false, 90, cfg); got != 30 {
		t.Fatalf("configured: got %d, want 30", got)
	}
	if got := retentionDays(true, 7, cfg); got != 7 {
		t.Fatalf("explicit flag: got %d, want 7", got)
	}
}
