package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/lagbot/internal/config"
)

const sampleConfig = `
log_level: debug
global:
  owner: "alice!a@h"
  nickname: lagbot
  channels: ["#test", "#lobby"]
networks:
  - name: libera
    host: irc.libera.chat
    tls: true
  - name: local
    host: 127.0.0.1
    channels: ["#dev"]
channels:
  "#Lobby":
    ops: ["bob!b@h"]
plugins:
  dir: ./plugins
  disabled: ["seen"]
`

func writeConfig(t *testing.T, contents string) (home, path string) {
	t.Helper()
	home = t.TempDir()
	path = filepath.Join(home, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home, path
}

func TestLoadFile_Sample(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)

	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	if cfg.CommandPrefix != "!" {
		t.Fatalf("expected default prefix, got %q", cfg.CommandPrefix)
	}
	if cfg.Global.Username != "lagbot" || cfg.Global.Realname != "lagbot" {
		t.Fatalf("expected username/realname to default to nickname, got %q/%q", cfg.Global.Username, cfg.Global.Realname)
	}
	if got := cfg.Networks[0].Port; got != 6697 {
		t.Fatalf("expected TLS default port 6697, got %d", got)
	}
	if got := cfg.Networks[1].Port; got != 6667 {
		t.Fatalf("expected plain default port 6667, got %d", got)
	}
	if cfg.DBPath != filepath.Join(home, "lagbot.db") {
		t.Fatalf("unexpected db path %q", cfg.DBPath)
	}
	if !cfg.Plugins.IsDisabled("seen") || cfg.Plugins.IsDisabled("ping") {
		t.Fatalf("unexpected disabled set %v", cfg.Plugins.Disabled)
	}
	if cfg.Plugins.ActivationTimeout().Seconds() != 10 {
		t.Fatalf("expected default activation timeout, got %v", cfg.Plugins.ActivationTimeout())
	}
}

func TestPrivileges(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	cases := []struct {
		name    string
		sender  string
		channel string
		owner   bool
		op      bool
	}{
		{"owner exact", "alice!a@h", "#test", true, false},
		{"owner different host", "alice!a@elsewhere", "#test", false, false},
		{"op in configured channel", "bob!b@h", "#lobby", false, true},
		{"op channel case-insensitive", "bob!b@h", "#LOBBY", false, true},
		{"channel without ops list", "bob!b@h", "#test", false, false},
		{"unknown sender", "eve!e@h", "#lobby", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := cfg.IsOwner(tc.sender); got != tc.owner {
				t.Fatalf("IsOwner(%q) = %v, want %v", tc.sender, got, tc.owner)
			}
			if got := cfg.IsOperator(tc.sender, tc.channel); got != tc.op {
				t.Fatalf("IsOperator(%q, %q) = %v, want %v", tc.sender, tc.channel, got, tc.op)
			}
		})
	}
}

func TestIsOwner_EmptyOwnerMatchesNobody(t *testing.T) {
	cfg := &config.Config{}
	if cfg.IsOwner("") {
		t.Fatal("empty owner must not match empty sender")
	}
	var nilCfg *config.Config
	if nilCfg.IsOwner("alice!a@h") || nilCfg.IsOperator("alice!a@h", "#test") {
		t.Fatal("nil config grants nothing")
	}
}

func TestChannelsFor(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got := cfg.ChannelsFor("libera"); len(got) != 2 || got[0] != "#test" {
		t.Fatalf("expected global channels for libera, got %v", got)
	}
	if got := cfg.ChannelsFor("local"); len(got) != 1 || got[0] != "#dev" {
		t.Fatalf("expected network override for local, got %v", got)
	}
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	t.Setenv("LAGBOT_OWNER", "carol!c@h")
	t.Setenv("LAGBOT_LOG_LEVEL", "warn")
	t.Setenv("LAGBOT_ACTIVATION_TIMEOUT_SECONDS", "3")

	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.IsOwner("carol!c@h") {
		t.Fatalf("expected env owner override, got %q", cfg.Global.Owner)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected env log level, got %q", cfg.LogLevel)
	}
	if cfg.Plugins.ActivationTimeoutSeconds != 3 {
		t.Fatalf("expected env activation timeout, got %d", cfg.Plugins.ActivationTimeoutSeconds)
	}
}

func TestLoadFile_Validation(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"no transports", "global:\n  nickname: x\n", "no networks configured"},
		{"long prefix", "command_prefix: '!!'\nnetworks:\n  - host: a\n", "single character"},
		{"missing host", "networks:\n  - name: broken\n", "host is required"},
		{"duplicate network", "networks:\n  - name: a\n    host: h\n  - name: a\n    host: h\n", "configured twice"},
		{"telegram without token", "telegram:\n  enabled: true\n", "telegram.token"},
		{"telegram without allowlist", "telegram:\n  enabled: true\n  token: \"1:x\"\n", "allowed_ids"},
		{"unknown otel exporter", "global:\n  nickname: x\nnetworks:\n  - host: a\notel:\n  enabled: true\n  exporter: jaeger\n", "otel.exporter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			home, path := writeConfig(t, tc.body)
			_, err := config.LoadFile(home, path)
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFile_Missing(t *testing.T) {
	home := t.TempDir()
	if _, err := config.LoadFile(home, filepath.Join(home, "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestFingerprint_ChangesWithOps(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	a, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	b, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs must share a fingerprint")
	}
	b.Channels["#lobby"] = config.ChannelConfig{Ops: []string{"mallory!m@h"}}
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("changing ops must change the fingerprint")
	}
}

func TestHolder_Reload(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	h := config.NewHolder(cfg)
	if h.Current().IsOperator("dave!d@h", "#test") {
		t.Fatal("dave should not be op yet")
	}

	updated := strings.Replace(sampleConfig, "channels:\n  \"#Lobby\":", "channels:\n  \"#test\":\n    ops: [\"dave!d@h\"]\n  \"#Lobby\":", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	next, prev, err := h.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if prev != cfg {
		t.Fatal("expected previous snapshot to be returned")
	}
	if h.Current() != next {
		t.Fatal("expected holder to serve the new snapshot")
	}
	if !h.Current().IsOperator("dave!d@h", "#test") {
		t.Fatal("expected reloaded ops to apply")
	}
	if cfg.IsOperator("dave!d@h", "#test") {
		t.Fatal("old snapshot must not be mutated")
	}
}

func TestHolder_ReloadErrorKeepsSnapshot(t *testing.T) {
	home, path := writeConfig(t, sampleConfig)
	cfg, err := config.LoadFile(home, path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	h := config.NewHolder(cfg)
	if err := os.WriteFile(path, []byte("networks: [this is: not yaml"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	if _, _, err := h.Reload(); err == nil {
		t.Fatal("expected parse error")
	}
	if h.Current() != cfg {
		t.Fatal("failed reload must keep the previous snapshot")
	}
}
