package main

import "testing"

func TestWalPathForDefaultsToDeviceSuffix(t *testing.T) {
	flagWAL = ""
	if got := walPathFor("/tmp/dev"); got != "/tmp/dev.wal" {
		t.Fatalf("expected default wal suffix, got %q", got)
	}
}

func TestWalPathForHonorsExplicitFlag(t *testing.T) {
	flagWAL = "/tmp/custom.wal"
	defer func() { flagWAL = "" }()
	if got := walPathFor("/tmp/dev"); got != "/tmp/custom.wal" {
		t.Fatalf("expected the explicit --wal path, got %q", got)
	}
}

func TestLoadConfigFallsBackToDefaultsWithoutAConfigFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	want := defaultConfig()
	if cfg != want {
		t.Fatalf("expected defaults when no config file exists, got %+v", cfg)
	}
}
