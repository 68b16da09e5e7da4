package main

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/pcicrec/internal/config"
	"github.com/danmuck/pcicrec/internal/container"
	"github.com/danmuck/pcicrec/internal/protocol/session"
	"github.com/danmuck/pcicrec/internal/testutil/testlog"
)

func TestLoadFileConfigDefaultsAndOverrides(t *testing.T) {
	testlog.Start(t)
	cfg := defaultAppConfig()
	if err := loadFileConfig("ex.config.toml", &cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	rc := cfg.Recorder
	if rc.Host != "192.168.0.69" {
		t.Fatalf("unexpected host: %q", rc.Host)
	}
	if !slices.Equal(rc.Sources, []string{"port2", "port0"}) {
		t.Fatalf("unexpected sources: %v", rc.Sources)
	}
	if rc.Duration != 30*time.Second || rc.Timeout != 5*time.Second {
		t.Fatalf("unexpected duration=%v timeout=%v", rc.Duration, rc.Timeout)
	}
	if rc.QueueSize != 16 || rc.Session.Strategy != session.StrategyPull || !rc.Session.AutoReconnect {
		t.Fatalf("unexpected queue=%d strategy=%s reconnect=%v", rc.QueueSize, rc.Session.Strategy, rc.Session.AutoReconnect)
	}
	if rc.Container.Compression != container.CodecZstd || rc.Container.SyncEvery != 100 {
		t.Fatalf("unexpected container options: %+v", rc.Container)
	}
	if rc.Session.OnceRepetition.Every != 50 || rc.OnceFramesAfterStart != 2 {
		t.Fatalf("unexpected once every=%d after start=%d", rc.Session.OnceRepetition.Every, rc.OnceFramesAfterStart)
	}
	if cfg.StatusAddr != "127.0.0.1:7070" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected status=%q log level=%q", cfg.StatusAddr, cfg.LogLevel)
	}
	// keys absent from the file keep their defaults
	if rc.PushTimeout != 3*time.Second || rc.ForceDisableMotionCompensation {
		t.Fatalf("defaults lost: push=%v force=%v", rc.PushTimeout, rc.ForceDisableMotionCompensation)
	}
}

func TestLoadFileConfigResolvesCatalogBesideFile(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	if err := config.WriteTemplate(filepath.Join(dir, "sensors.toml"), false); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	path := filepath.Join(dir, "pcicrec.toml")
	if err := os.WriteFile(path, []byte("catalog = \"sensors.toml\"\nstrategy = \"push\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg := defaultAppConfig()
	if err := loadFileConfig(path, &cfg); !errors.Is(err, session.ErrInvalidStrategy) {
		t.Fatalf("expected push to be rejected, got %v", err)
	}

	if err := os.WriteFile(path, []byte("catalog = \"sensors.toml\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg = defaultAppConfig()
	if err := loadFileConfig(path, &cfg); err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Recorder.Catalog.ConfigStream != "o3r_json" {
		t.Fatalf("unexpected catalog: %+v", cfg.Recorder.Catalog)
	}
}

func TestParseArgsFlagsOverrideFile(t *testing.T) {
	testlog.Start(t)
	cfg, err := parseArgs([]string{
		"--config", "ex.config.toml",
		"--ip", "10.0.0.5",
		"--seconds", "1.5",
		"--timeout", "2",
		"--filename", "null",
		"--no-app-auto-source",
		"--compression", "lz4",
		"--once-every", "10",
		"port3", "app0",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	rc := cfg.Recorder
	if rc.Host != "10.0.0.5" || rc.Filename != "null" || rc.AppAutoSource {
		t.Fatalf("unexpected host=%q filename=%q auto=%v", rc.Host, rc.Filename, rc.AppAutoSource)
	}
	if rc.Duration != 1500*time.Millisecond || rc.Timeout != 2*time.Second {
		t.Fatalf("unexpected duration=%v timeout=%v", rc.Duration, rc.Timeout)
	}
	if rc.Session.ReadTimeout != 2*time.Second || rc.Session.RPCTimeout != 2*time.Second {
		t.Fatalf("session timeouts not aligned: %+v", rc.Session)
	}
	if rc.Container.Compression != container.CodecLZ4 {
		t.Fatalf("unexpected compression: %s", rc.Container.Compression)
	}
	if !slices.Equal(rc.Sources, []string{"port3", "app0"}) {
		t.Fatalf("unexpected sources: %v", rc.Sources)
	}
	if rc.Session.OnceRepetition.Every != 10 {
		t.Fatalf("unexpected once every=%d", rc.Session.OnceRepetition.Every)
	}
	// untouched flags leave file values alone
	if rc.QueueSize != 16 || rc.Session.Strategy != session.StrategyPull || rc.OnceFramesAfterStart != 2 {
		t.Fatalf("file values lost: queue=%d strategy=%s once after start=%d", rc.QueueSize, rc.Session.Strategy, rc.OnceFramesAfterStart)
	}
}

func TestParseArgsDefaultsAndErrors(t *testing.T) {
	testlog.Start(t)
	cfg, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !slices.Equal(cfg.Recorder.Sources, []string{"port2"}) || cfg.Recorder.Timeout != 3*time.Second || !cfg.Recorder.AppAutoSource {
		t.Fatalf("unexpected defaults: %+v", cfg.Recorder)
	}
	if _, err := parseArgs([]string{"--help"}); !errors.Is(err, pflag.ErrHelp) {
		t.Fatalf("expected ErrHelp, got %v", err)
	}
	if _, err := parseArgs([]string{"--strategy", "push"}); !errors.Is(err, session.ErrInvalidStrategy) {
		t.Fatalf("expected ErrInvalidStrategy, got %v", err)
	}
	if _, err := parseArgs([]string{"--compression", "gzip"}); !errors.Is(err, container.ErrUnknownCodec) {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
