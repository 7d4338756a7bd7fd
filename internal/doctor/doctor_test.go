package doctor

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/basket/lagbot/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		Path:    filepath.Join(home, "config.yaml"),
		DBPath:  filepath.Join(home, "lagbot.db"),
		Global:  config.GlobalConfig{Owner: "alice!a@host", Nickname: "lagbot"},
		Plugins: config.PluginsConfig{Dir: filepath.Join(home, "plugins")},
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q result in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_NilConfig(t *testing.T) {
	d := Run(context.Background(), nil, "test", Options{Offline: true})
	if got := find(t, d, "Config").Status; got != StatusFail {
		t.Fatalf("Config status = %s, want FAIL", got)
	}
	if got := find(t, d, "Database").Status; got != StatusSkip {
		t.Fatalf("Database status = %s, want SKIP", got)
	}
	if !d.Failed() {
		t.Fatal("Failed() = false")
	}
}

func TestRun_HealthyOffline(t *testing.T) {
	cfg := testConfig(t)
	pdir := filepath.Join(cfg.Plugins.Dir, "dice")
	if err := os.MkdirAll(pdir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(pdir, "plugin.yaml"), []byte("name: dice\ncommands: [roll]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := Run(context.Background(), cfg, "test", Options{Offline: true})
	for _, name := range []string{"Config", "Database", "Permissions", "Plugins"} {
		if got := find(t, d, name); got.Status != StatusPass {
			t.Errorf("%s = %+v, want PASS", name, got)
		}
	}
	if got := find(t, d, "Network").Status; got != StatusSkip {
		t.Errorf("Network status = %s, want SKIP", got)
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
	if d.System.Version != "test" {
		t.Fatalf("version = %q", d.System.Version)
	}
}

func TestCheckPlugins(t *testing.T) {
	cfg := testConfig(t)
	if got := checkPlugins(cfg).Status; got != StatusWarn {
		t.Fatalf("missing dir status = %s, want WARN", got)
	}

	bad := filepath.Join(cfg.Plugins.Dir, "bad")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bad, "plugin.yaml"), []byte("commands: [x]\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := checkPlugins(cfg); got.Status != StatusWarn || got.Detail == "" {
		t.Fatalf("invalid manifest result = %+v", got)
	}

	cfg.Plugins.Dir = filepath.Join(bad, "plugin.yaml")
	if got := checkPlugins(cfg).Status; got != StatusFail {
		t.Fatalf("unreadable dir status = %s, want FAIL", got)
	}
}

func TestCheckConfig_WarnsWithoutOwner(t *testing.T) {
	cfg := testConfig(t)
	cfg.Global.Owner = ""
	if got := checkConfig(cfg).Status; got != StatusWarn {
		t.Fatalf("status = %s, want WARN", got)
	}
}

func TestCheckNetworks_DialsEachServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_ = c.Close()
		}
	}()
	port := ln.Addr().(*net.TCPAddr).Port

	// A listener closed straight away gives a port nothing is bound to.
	dead, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	deadPort := dead.Addr().(*net.TCPAddr).Port
	_ = dead.Close()

	cfg := testConfig(t)
	cfg.Networks = []config.NetworkConfig{
		{Name: "up", Host: "127.0.0.1", Port: port},
		{Name: "down", Host: "127.0.0.1", Port: deadPort},
	}
	results := checkNetworks(context.Background(), cfg, 2*time.Second)
	if len(results) != 2 {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Status != StatusPass {
		t.Errorf("up = %+v (port %s)", results[0], strconv.Itoa(port))
	}
	if results[1].Status != StatusFail {
		t.Errorf("down = %+v", results[1])
	}
}
