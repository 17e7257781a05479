package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigFillsUnsetFlagsOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "brainfill.yaml")
	body := `store:
  kind: pebble
  path: /tmp/brainfill-data
artifacts_dir: out
log_level: debug
width: 12.5
kurtosis_threshold: 4
nearest_neighbor: true
match_threshold: "2.5"
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	common := registerCommon(fs)
	model := registerModel(fs)
	if err := parse(fs, []string{"--config", path, "--kurtosis", "7", "--store", "memory"}, common, model); err != nil {
		t.Fatalf("parse: %v", err)
	}

	if *common.store != "memory" {
		t.Fatalf("explicit --store was overridden: %s", *common.store)
	}
	if *common.dbPath != "/tmp/brainfill-data" || *common.artifactsDir != "out" || *common.logLevel != "debug" {
		t.Fatalf("config not applied: db=%s artifacts=%s log=%s", *common.dbPath, *common.artifactsDir, *common.logLevel)
	}
	if *model.kurtosis != 7 {
		t.Fatalf("explicit --kurtosis was overridden: %g", *model.kurtosis)
	}
	if *model.width != 12.5 || !*model.nearest || *model.matchThreshold != "2.5" {
		t.Fatalf("model defaults not applied: width=%g nn=%t threshold=%s", *model.width, *model.nearest, *model.matchThreshold)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("store: [unclosed"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := newLogger("loud"); err == nil {
		t.Fatal("expected level parse error")
	}
	logger, err := newLogger("info")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	_ = logger.Sync()
}

func TestSplitIDs(t *testing.T) {
	got := splitIDs(" a, b,,c ")
	if len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("unexpected ids: %v", got)
	}
	if _, err := parseFloats("1,x"); err == nil {
		t.Fatal("expected parse error")
	}
}
