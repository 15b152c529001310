package main

import (
	"testing"

	"github.com/alecthomas/kong"

	"github.com/brice/clapcore/internal/config"
	"github.com/brice/clapcore/internal/sleepguard"
)

func TestDaemonCmdSleepModeDefaultsToSystem(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("clapcored"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	if _, err := parser.Parse([]string{"daemon"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cli.Daemon.SleepMode != "system" {
		t.Errorf("SleepMode default = %q, want %q per the CLI boundary contract", cli.Daemon.SleepMode, "system")
	}
}

func TestBuildBackendsSQLiteOnly(t *testing.T) {
	cfg := &config.Config{StorageRoot: t.TempDir(), StorageDriver: config.StorageSQLite}
	backends, err := buildBackends(cfg)
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("got %d backends, want 1", len(backends))
	}
	for _, b := range backends {
		b.Close()
	}
}

func TestBuildBackendsFilesystemOnly(t *testing.T) {
	cfg := &config.Config{StorageRoot: t.TempDir(), StorageDriver: config.StorageFilesystem}
	backends, err := buildBackends(cfg)
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("got %d backends, want 1", len(backends))
	}
}

func TestBuildBackendsRemoteOnly(t *testing.T) {
	cfg := &config.Config{StorageRoot: t.TempDir(), StorageDriver: config.StorageRemote, RemoteBaseURL: "https://store.example.com"}
	backends, err := buildBackends(cfg)
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(backends) != 1 {
		t.Fatalf("got %d backends, want 1", len(backends))
	}
}

func TestBuildBackendsAllFansOutToThree(t *testing.T) {
	cfg := &config.Config{
		StorageRoot: t.TempDir(), StorageDriver: config.StorageAll,
		RemoteBaseURL: "https://store.example.com",
	}
	backends, err := buildBackends(cfg)
	if err != nil {
		t.Fatalf("buildBackends: %v", err)
	}
	if len(backends) != 3 {
		t.Fatalf("got %d backends, want 3 for storage_driver=all", len(backends))
	}
	for _, b := range backends {
		b.Close()
	}
}

func TestBuildSleepGuardDisabledReturnsNoop(t *testing.T) {
	g := buildSleepGuard(true)
	if _, ok := g.(sleepguard.Noop); !ok {
		t.Errorf("buildSleepGuard(true) = %T, want sleepguard.Noop", g)
	}
}

func TestBuildSleepGuardEnabledReturnsSystemdInhibit(t *testing.T) {
	g := buildSleepGuard(false)
	if _, ok := g.(*sleepguard.SystemdInhibit); !ok {
		t.Errorf("buildSleepGuard(false) = %T, want *sleepguard.SystemdInhibit", g)
	}
}
