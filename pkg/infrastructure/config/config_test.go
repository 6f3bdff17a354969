package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Segmentation.MaxSegmentLength != 4000 {
		t.Errorf("expected default max segment length 4000, got %d", cfg.Segmentation.MaxSegmentLength)
	}
	if cfg.Concurrency.DefaultConcurrentLimit != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Concurrency.DefaultConcurrentLimit)
	}
	if cfg.Partial.ExpiryHours != 24 {
		t.Errorf("expected default partial expiry 24h, got %d", cfg.Partial.ExpiryHours)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Logging.Level)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config failed validation: %v", err)
	}

	cfg.Segmentation.TriggerLength = cfg.Segmentation.MaxSegmentLength - 1
	if err := cfg.Validate(); err == nil {
		t.Error("trigger length below max segment length should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Concurrency.MaxConcurrentLimit = cfg.Concurrency.DefaultConcurrentLimit - 1
	if err := cfg.Validate(); err == nil {
		t.Error("max concurrency below default concurrency should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Partial.ExpiryHours = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expiry hours of 0 should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Partial.ExpiryHours = 200
	if err := cfg.Validate(); err == nil {
		t.Error("expiry hours above 168 should fail validation")
	}

	cfg = DefaultConfig()
	cfg.Logging.Level = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("invalid log level should fail validation")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	os.Setenv("BATCHSUM_MAX_SEGMENT_LENGTH", "5000")
	os.Setenv("BATCHSUM_LOG_LEVEL", "debug")
	os.Setenv("BATCHSUM_MAX_CONCURRENCY", "32")
	defer func() {
		os.Unsetenv("BATCHSUM_MAX_SEGMENT_LENGTH")
		os.Unsetenv("BATCHSUM_LOG_LEVEL")
		os.Unsetenv("BATCHSUM_MAX_CONCURRENCY")
	}()

	cfg := DefaultConfig()
	cfg.applyEnvironmentOverrides()

	if cfg.Segmentation.MaxSegmentLength != 5000 {
		t.Errorf("environment override failed for max segment length, got %d", cfg.Segmentation.MaxSegmentLength)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("environment override failed for log level, got %s", cfg.Logging.Level)
	}
	if cfg.Concurrency.MaxConcurrentLimit != 32 {
		t.Errorf("environment override failed for max concurrency, got %d", cfg.Concurrency.MaxConcurrentLimit)
	}
}

func TestConfigFileRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "batchsum_config_test")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	configPath := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.Summarizer.BaseURL = "http://summarizer.internal:9000"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("failed to save config: %v", err)
	}

	loaded, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if loaded.Summarizer.BaseURL != "http://summarizer.internal:9000" {
		t.Errorf("config not round-tripped correctly, got %s", loaded.Summarizer.BaseURL)
	}
}

func TestLoadNonexistentConfigUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.json")
	if err != nil {
		t.Fatalf("loading a non-existent config should not error: %v", err)
	}
	if cfg.Segmentation.MaxSegmentLength != 4000 {
		t.Errorf("non-existent config should use defaults, got %d", cfg.Segmentation.MaxSegmentLength)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Segmentation.SentenceEndMarkers[0] = "!"
	clone.Progress.StageWeights["batch_processing"] = 0.99

	if cfg.Segmentation.SentenceEndMarkers[0] == "!" {
		t.Error("clone should not share the sentence end marker slice with the original")
	}
	if cfg.Progress.StageWeights["batch_processing"] == 0.99 {
		t.Error("clone should not share the stage weights map with the original")
	}
}
