package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
)

func inEmptyDir(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
}

func TestLoadDefaults(t *testing.T) {
	inEmptyDir(t)

	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := &Config{
		StateDir:   DefaultStateDir,
		LayoutDir:  "/var/lib/envbuild/images",
		DBPath:     "/var/lib/envbuild/envbuild.db",
		LockDir:    "/var/lib/envbuild/locks",
		WorkDir:    "/var/lib/envbuild/work",
		ResolvConf: "/etc/resolv.conf",
		LogFormat:  "text",
		LogLevel:   "info",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadPrecedence(t *testing.T) {
	inEmptyDir(t)
	err := os.WriteFile("envbuild.toml", []byte(`
state_dir = "/srv/envbuild"
require_digest = true
log_level = "debug"
`), 0o644)
	if err != nil {
		t.Fatal(err)
	}
	t.Setenv("ENVBUILD_LOG_LEVEL", "warn")
	t.Setenv("ENVBUILD_LAYOUT_DIR", "/mnt/images")
	t.Setenv("SOURCE_DATE_EPOCH", "1714003200")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-format", "text", "")
	flags.String("state-dir", "", "")
	if err := flags.Parse([]string{"--log-format=json"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load("", flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.StateDir != "/srv/envbuild" {
		t.Errorf("StateDir = %q, unset flag must not override the file", cfg.StateDir)
	}
	if !cfg.RequireDigest {
		t.Error("RequireDigest from file not applied")
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, environment must override the file", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, flag must win", cfg.LogFormat)
	}
	if cfg.LayoutDir != "/mnt/images" {
		t.Errorf("LayoutDir = %q", cfg.LayoutDir)
	}
	if cfg.DBPath != "/srv/envbuild/envbuild.db" {
		t.Errorf("DBPath = %q, should derive from state dir", cfg.DBPath)
	}
	if got := cfg.Created(time.Now()); got != time.Unix(1714003200, 0).UTC() {
		t.Errorf("Created = %s", got)
	}
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	inEmptyDir(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml"), nil); err == nil {
		t.Error("expected error for missing explicit config file")
	}
}

func TestValidate(t *testing.T) {
	inEmptyDir(t)
	t.Setenv("ENVBUILD_LOG_FORMAT", "xml")
	if _, err := Load("", nil); err == nil {
		t.Error("expected invalid log format to be rejected")
	}
}
