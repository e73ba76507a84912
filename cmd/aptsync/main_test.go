package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/git-pkgs/aptsync/internal/packages"
	"github.com/git-pkgs/aptsync/internal/probe"
	reposync "github.com/git-pkgs/aptsync/internal/sync"
)

const jammyRelease = `Origin: Ubuntu
Suite: jammy
Version: 22.04
Codename: jammy
Architectures: amd64
Components: main
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func restoreGlobals(t *testing.T) {
	t.Helper()
	origCfg, origLevel, origFormat, origJSON := cfgFile, logLevel, logFormat, jsonOutput
	t.Cleanup(func() {
		cfgFile, logLevel, logFormat, jsonOutput = origCfg, origLevel, origFormat, origJSON
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestSetupLogger(t *testing.T) {
	restoreGlobals(t)

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/text", logLevel: "warn", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat
			if setupLogger() == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestLoadConfigExplicitPath(t *testing.T) {
	restoreGlobals(t)
	root := t.TempDir()
	cfgFile = writeConfig(t, "cache:\n  root: "+root+"\nstore:\n  driver: memory\n")

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Cache.Root != root {
		t.Errorf("Cache.Root = %q, want %q", cfg.Cache.Root, root)
	}
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	restoreGlobals(t)
	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")

	if _, err := loadConfig(quietLogger()); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfigDefaultPathMissing(t *testing.T) {
	restoreGlobals(t)
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig(quietLogger())
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	cancel()
	<-ctx.Done()
	if ctx.Err() == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })

	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "aptsync dev\n") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestRepositoryArg(t *testing.T) {
	got, err := repositoryArg(" http://deb.example.org/debian ")
	if err != nil {
		t.Fatalf("repositoryArg: %v", err)
	}
	if got != "http://deb.example.org/debian/" {
		t.Errorf("repositoryArg = %q", got)
	}
	if _, err := repositoryArg("deb.example.org/debian"); err == nil {
		t.Error("expected error for url without scheme")
	}
}

func TestWriteProbeResults(t *testing.T) {
	names := []string{"jammy", "trusty"}
	results := map[string]probe.Result{
		"jammy":  {Name: "jammy", State: probe.Exists, URL: "http://m/dists/jammy/Release"},
		"trusty": {Name: "trusty", State: probe.Absent},
	}

	var buf bytes.Buffer
	if err := writeProbeResults(&buf, names, results, false); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "jammy") || !strings.Contains(lines[1], "exists") {
		t.Errorf("line 1 = %q", lines[1])
	}

	buf.Reset()
	if err := writeProbeResults(&buf, names, results, true); err != nil {
		t.Fatal(err)
	}
	var decoded []probeLine
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if decoded[1].State != "absent" {
		t.Errorf("trusty state = %q, want absent", decoded[1].State)
	}
}

func TestWritePackagesLimit(t *testing.T) {
	seq := func(yield func(packages.Package, error) bool) {
		for _, name := range []string{"a", "b", "c"} {
			if !yield(packages.Package{Name: name, Version: "1", Architecture: "amd64"}, nil) {
				return
			}
		}
	}

	var buf bytes.Buffer
	target := packages.Target{Dist: "bookworm", Component: "main", Arch: "amd64"}
	if err := writePackages(&buf, quietLogger(), seq, target, "debian", 2, true); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	var first packageLine
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if want := "pkg:deb/debian/a@1?arch=amd64&distro=bookworm"; first.PURL != want {
		t.Errorf("purl = %q, want %q", first.PURL, want)
	}
}

func TestSyncCommand(t *testing.T) {
	restoreGlobals(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ubuntu/dists/jammy/Release" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(jammyRelease))
	}))
	t.Cleanup(srv.Close)

	path := writeConfig(t, `cache:
  root: `+t.TempDir()+`
sync:
  probe_retries: 0
store:
  driver: memory
lease:
  driver: memory
`)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", path, "--log-level", "error", "sync", "--json", srv.URL + "/ubuntu", "jammy", "trusty"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	var summary reposync.Summary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("invalid summary %q: %v", out.String(), err)
	}
	if got := summary.Names(reposync.CandidateSynced); len(got) != 1 || got[0] != "jammy" {
		t.Errorf("synced = %v, want [jammy]", got)
	}
	if got := summary.Names(reposync.CandidateAbsent); len(got) != 1 || got[0] != "trusty" {
		t.Errorf("absent = %v, want [trusty]", got)
	}
	if summary.Upserted != 1 {
		t.Errorf("Upserted = %d, want 1", summary.Upserted)
	}
}
