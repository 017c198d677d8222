package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPassesValidation(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Default() failed validation: %v", err)
	}
}

func TestApplyDefaultsFillsZeroValues(t *testing.T) {
	var cfg Config
	ApplyDefaults(&cfg)

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Logging.Level = %q, want INFO", cfg.Logging.Level)
	}
	if cfg.Router.MaxVRFs == 0 {
		t.Error("Router.MaxVRFs left at zero")
	}
	if cfg.Router.TickInterval != time.Second {
		t.Errorf("Router.TickInterval = %v, want 1s", cfg.Router.TickInterval)
	}
	if cfg.Resolution.MaxHeldPkts == 0 {
		t.Error("Resolution.MaxHeldPkts left at zero")
	}
	if cfg.ControlAPI.Addr == "" {
		t.Error("ControlAPI.Addr left empty")
	}
	if cfg.ShutdownTimeout == 0 {
		t.Error("ShutdownTimeout left at zero")
	}
}

func TestApplyDefaultsUppercasesLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.Level = "debug"
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Logging.Level = %q, want DEBUG", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "VERBOSE"
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate accepted an invalid logging level")
	}
}

func TestValidateRequiresPersistencePathWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Persistence.Enabled = true
	cfg.Persistence.Path = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("Validate accepted Persistence.Enabled with no Path")
	}

	cfg.Persistence.Path = "/tmp/static.db"
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate rejected a fully-specified persistence config: %v", err)
	}
}

func TestApplyDefaultsFillsPersistenceMaxSize(t *testing.T) {
	cfg := &Config{}
	cfg.Persistence.Enabled = true
	ApplyDefaults(cfg)
	if cfg.Persistence.MaxSize == 0 {
		t.Error("Persistence.MaxSize left at zero with Persistence.Enabled")
	}
}

func TestToLoopConfigTranslatesDurationsToTicks(t *testing.T) {
	cfg := Default()
	cfg.Router.TickInterval = 100 * time.Millisecond
	cfg.Resolution.ReachableTTL = 1 * time.Second
	cfg.Resolution.RetransInterval = 200 * time.Millisecond

	loopCfg := cfg.ToLoopConfig()

	// 1s of reachable TTL at a 100ms tick is 10 ticks.
	if loopCfg.Tunables.ReachableTTL != 10 {
		t.Errorf("ReachableTTL = %d ticks, want 10", loopCfg.Tunables.ReachableTTL)
	}
	// 200ms retransmit at a 100ms tick is 2 ticks.
	if loopCfg.Tunables.RetransTicks != 2 {
		t.Errorf("RetransTicks = %d ticks, want 2", loopCfg.Tunables.RetransTicks)
	}
	if loopCfg.MaxVRFs != cfg.Router.MaxVRFs {
		t.Errorf("MaxVRFs = %d, want %d", loopCfg.MaxVRFs, cfg.Router.MaxVRFs)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := Default()
	cfg.Router.MaxVRFs = 42
	cfg.Logging.Level = "WARN"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Router.MaxVRFs != 42 {
		t.Errorf("loaded Router.MaxVRFs = %d, want 42", loaded.Router.MaxVRFs)
	}
	if loaded.Logging.Level != "WARN" {
		t.Errorf("loaded Logging.Level = %q, want WARN", loaded.Logging.Level)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load with missing config file: %v", err)
	}
	if cfg.Router.MaxVRFs != Default().Router.MaxVRFs {
		t.Errorf("Load without a file did not fall back to defaults")
	}
}
