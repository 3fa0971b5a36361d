package main

import (
	"strings"
	"testing"
)

func TestLoadConfig_CreatedAtRequired(t *testing.T) {
	t.Setenv("TOREX_CREATED_AT", "")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("config loaded without TOREX_CREATED_AT; a zero anchor back-charges the first trader since the epoch")
	}
	if !strings.Contains(err.Error(), "TOREX_CREATED_AT") {
		t.Errorf("error does not name the missing variable: %v", err)
	}
}

func TestLoadConfig_CreatedAtRejectsInvalid(t *testing.T) {
	for _, bad := range []string{"yesterday", "0", "-5"} {
		t.Setenv("TOREX_CREATED_AT", bad)
		if _, err := LoadConfig(); err == nil {
			t.Errorf("TOREX_CREATED_AT=%q accepted", bad)
		}
	}
}

func TestLoadConfig_CreatedAtAnchorsInstance(t *testing.T) {
	t.Setenv("TOREX_CREATED_AT", "1700000000")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Instance.CreatedAt != 1_700_000_000 {
		t.Errorf("Instance.CreatedAt = %d, want 1700000000", cfg.Instance.CreatedAt)
	}
}
