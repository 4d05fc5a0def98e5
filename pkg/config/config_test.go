package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Pipeline.Concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", cfg.Pipeline.Concurrency)
	}
	if cfg.Pipeline.FailureRatio != 0.5 {
		t.Errorf("failureRatio = %v, want 0.5", cfg.Pipeline.FailureRatio)
	}
	if cfg.Tasks.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat = %v", cfg.Tasks.HeartbeatInterval)
	}
	if cfg.Tasks.AbnormalAfter != 5*time.Minute {
		t.Errorf("abnormalAfter = %v", cfg.Tasks.AbnormalAfter)
	}
	if cfg.Tasks.Expiry != 24*time.Hour {
		t.Errorf("expiry = %v", cfg.Tasks.Expiry)
	}
	if cfg.Risk.ChunkSize != 5000 || cfg.Risk.TocScanChars != 15000 {
		t.Errorf("risk defaults wrong: %+v", cfg.Risk)
	}
	if cfg.LLM.MaxRetries != 2 {
		t.Errorf("maxRetries = %d", cfg.LLM.MaxRetries)
	}
}

func TestLoadFileRejectsBadRatio(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("pipeline:\n  failureRatio: 1.5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestPurposeTimeout(t *testing.T) {
	c := LLMConfig{TimeoutSec: 30, PurposeTimeouts: map[string]int{"bid_evaluator": 90}}
	if got := c.PurposeTimeout("BID_EVALUATOR"); got != 90*time.Second {
		t.Errorf("bid evaluator timeout = %v", got)
	}
	if got := c.PurposeTimeout("filter"); got != 30*time.Second {
		t.Errorf("fallback timeout = %v", got)
	}
	if got := (LLMConfig{}).PurposeTimeout("x"); got != 30*time.Second {
		t.Errorf("zero config timeout = %v", got)
	}
}
