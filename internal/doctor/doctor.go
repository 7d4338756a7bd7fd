// Package doctor runs startup diagnostics for lagbot.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin/wasm"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Options tunes the checks. Offline skips the network dial.
type Options struct {
	Offline     bool
	DialTimeout time.Duration
}

// Run executes all diagnostic checks. cfg may be nil when loading failed.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	d.Results = append(d.Results,
		checkConfig(cfg),
		checkDatabase(ctx, cfg),
		checkPermissions(cfg),
		checkPlugins(cfg),
		checkTelegram(cfg),
	)
	if opts.Offline {
		d.Results = append(d.Results, CheckResult{Name: "Network", Status: StatusSkip, Message: "offline"})
	} else {
		d.Results = append(d.Results, checkNetworks(ctx, cfg, opts.DialTimeout)...)
	}
	return d
}

func checkConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Global.Owner == "" {
		return CheckResult{Name: "Config", Status: StatusWarn,
			Message: fmt.Sprintf("Loaded from %s", cfg.Path),
			Detail:  "global.owner is empty; reload_plugins and reload_config are refused for everyone"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.Path)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	recs, err := store.ListPlugins(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	quarantined := 0
	for _, r := range recs {
		if r.State == persistence.PluginStateQuarantined {
			quarantined++
		}
	}
	if quarantined > 0 {
		return CheckResult{Name: "Database", Status: StatusWarn,
			Message: "Connection and schema valid",
			Detail:  fmt.Sprintf("%d quarantined plugin(s); see `lagbot plugins`", quarantined)}
	}
	return CheckResult{Name: "Database", Status: StatusPass, Message: "Connection and schema valid"}
}

func checkPermissions(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPlugins(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Plugins", Status: StatusSkip, Message: "Config missing"}
	}
	entries, err := os.ReadDir(cfg.Plugins.Dir)
	if errors.Is(err, fs.ErrNotExist) {
		return CheckResult{Name: "Plugins", Status: StatusWarn,
			Message: fmt.Sprintf("%s does not exist; only built-in units will load", cfg.Plugins.Dir)}
	}
	if err != nil {
		return CheckResult{Name: "Plugins", Status: StatusFail,
			Message: fmt.Sprintf("Cannot read %s: %v", cfg.Plugins.Dir, err),
			Detail:  "discovery will fail and the registry will stay empty"}
	}

	var valid, invalid int
	var problems []string
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(cfg.Plugins.Dir, ent.Name(), wasm.ManifestFile))
		if err == nil {
			_, err = wasm.ParseManifest(raw)
		}
		if err != nil {
			invalid++
			problems = append(problems, fmt.Sprintf("%s: %v", ent.Name(), err))
			continue
		}
		valid++
	}
	res := CheckResult{Name: "Plugins", Status: StatusPass,
		Message: fmt.Sprintf("%d valid manifest(s) in %s", valid, cfg.Plugins.Dir)}
	if invalid > 0 {
		res.Status = StatusWarn
		res.Detail = fmt.Sprintf("%d skipped: %v", invalid, problems)
	}
	return res
}

func checkTelegram(cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Telegram.Enabled {
		return CheckResult{Name: "Telegram", Status: StatusSkip, Message: "disabled"}
	}
	return CheckResult{Name: "Telegram", Status: StatusPass,
		Message: fmt.Sprintf("token set, %d allowed user(s)", len(cfg.Telegram.AllowedIDs))}
}

// checkNetworks dials each configured IRC server once.
func checkNetworks(ctx context.Context, cfg *config.Config, timeout time.Duration) []CheckResult {
	if cfg == nil {
		return []CheckResult{{Name: "Network", Status: StatusSkip, Message: "Config missing"}}
	}
	if len(cfg.Networks) == 0 {
		return []CheckResult{{Name: "Network", Status: StatusSkip, Message: "no IRC networks configured"}}
	}
	out := make([]CheckResult, 0, len(cfg.Networks))
	dialer := net.Dialer{Timeout: timeout}
	for _, n := range cfg.Networks {
		name := "Network " + n.Name
		start := time.Now()
		conn, err := dialer.DialContext(ctx, "tcp", n.Addr())
		latency := time.Since(start)
		if err != nil {
			out = append(out, CheckResult{Name: name, Status: StatusFail,
				Message: fmt.Sprintf("dial %s failed: %v", n.Addr(), err),
				Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds())})
			continue
		}
		_ = conn.Close()
		out = append(out, CheckResult{Name: name, Status: StatusPass,
			Message: fmt.Sprintf("reached %s (%dms)", n.Addr(), latency.Milliseconds())})
	}
	return out
}
