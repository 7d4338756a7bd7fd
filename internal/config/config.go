package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/lagbot/internal/otel"
)

// GlobalConfig holds the bot identity and the principal with elevated privilege.
type GlobalConfig struct {
	Owner    string   `yaml:"owner"`
	Nickname string   `yaml:"nickname"`
	Username string   `yaml:"username"`
	Realname string   `yaml:"realname"`
	Channels []string `yaml:"channels"`
}

// NetworkConfig describes one IRC network connection.
type NetworkConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Password string `yaml:"password"`
	// Channels overrides global.channels for this network when non-empty.
	Channels []string `yaml:"channels"`
}

// Addr returns host:port.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ChannelConfig holds per-channel settings.
type ChannelConfig struct {
	Ops []string `yaml:"ops"`
}

type PluginsConfig struct {
	Dir                      string   `yaml:"dir"`
	Watch                    bool     `yaml:"watch"`
	ReloadSchedule           string   `yaml:"reload_schedule"`
	ActivationTimeoutSeconds int      `yaml:"activation_timeout_seconds"`
	Disabled                 []string `yaml:"disabled"`
}

// ActivationTimeout bounds a whole registry build.
func (p PluginsConfig) ActivationTimeout() time.Duration {
	return time.Duration(p.ActivationTimeoutSeconds) * time.Second
}

// IsDisabled reports whether the named unit is excluded by configuration.
func (p PluginsConfig) IsDisabled(name string) bool {
	return slices.Contains(p.Disabled, name)
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type Config struct {
	HomeDir string `yaml:"-"`
	Path    string `yaml:"-"`

	LogLevel      string `yaml:"log_level"`
	CommandPrefix string `yaml:"command_prefix"`
	DBPath        string `yaml:"db_path"`

	Global   GlobalConfig             `yaml:"global"`
	Networks []NetworkConfig          `yaml:"networks"`
	Channels map[string]ChannelConfig `yaml:"channels"`
	Plugins  PluginsConfig            `yaml:"plugins"`
	Telegram TelegramConfig           `yaml:"telegram"`
	OTel     otel.Config              `yaml:"otel"`
}

// IsOwner reports whether sender is exactly the configured owner identity.
func (c *Config) IsOwner(sender string) bool {
	if c == nil || c.Global.Owner == "" {
		return false
	}
	return sender == c.Global.Owner
}

// IsOperator reports whether sender is listed in the channel's ops. A channel
// without configuration has no operators.
func (c *Config) IsOperator(sender, channel string) bool {
	if c == nil {
		return false
	}
	ch, ok := c.Channels[strings.ToLower(channel)]
	if !ok {
		return false
	}
	return slices.Contains(ch.Ops, sender)
}

// ChannelsFor returns the channels to join on the named network.
func (c *Config) ChannelsFor(network string) []string {
	for _, n := range c.Networks {
		if n.Name == network && len(n.Channels) > 0 {
			return n.Channels
		}
	}
	return c.Global.Channels
}

// Fingerprint returns a stable hash of the settings that affect dispatch.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "owner=%s|nick=%s|prefix=%s|plugins=%s|disabled=%v|channels=%v",
		c.Global.Owner, c.Global.Nickname, c.CommandPrefix, c.Plugins.Dir, c.Plugins.Disabled, c.Global.Channels)
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(h, "|%s=%v", name, c.Channels[name].Ops)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:      "info",
		CommandPrefix: "!",
		Global: GlobalConfig{
			Nickname: "lagbot",
		},
		Plugins: PluginsConfig{
			Dir:                      "./plugins",
			ActivationTimeoutSeconds: 10,
		},
	}
}

// HomeDir returns $LAGBOT_HOME or ~/.lagbot.
func HomeDir() string {
	if override := os.Getenv("LAGBOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".lagbot")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the default home directory.
func Load() (*Config, error) {
	home := HomeDir()
	return LoadFile(home, ConfigPath(home))
}

// LoadFile reads the configuration at path. homeDir is where logs and the
// database live; relative plugin and database paths are left as written.
func LoadFile(homeDir, path string) (*Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	cfg.Path = path

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lagbot home: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("LAGBOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("LAGBOT_OWNER"); raw != "" {
		cfg.Global.Owner = raw
	}
	if raw := os.Getenv("LAGBOT_NICKNAME"); raw != "" {
		cfg.Global.Nickname = raw
	}
	if raw := os.Getenv("LAGBOT_ACTIVATION_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Plugins.ActivationTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Telegram.Token = raw
	}
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.CommandPrefix == "" {
		cfg.CommandPrefix = "!"
	}
	if cfg.Global.Username == "" {
		cfg.Global.Username = cfg.Global.Nickname
	}
	if cfg.Global.Realname == "" {
		cfg.Global.Realname = cfg.Global.Nickname
	}
	if strings.TrimSpace(cfg.Plugins.Dir) == "" {
		cfg.Plugins.Dir = "./plugins"
	}
	if cfg.Plugins.ActivationTimeoutSeconds <= 0 {
		cfg.Plugins.ActivationTimeoutSeconds = 10
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "lagbot.db")
	}
	for i := range cfg.Networks {
		n := &cfg.Networks[i]
		if n.Port == 0 {
			if n.TLS {
				n.Port = 6697
			} else {
				n.Port = 6667
			}
		}
		if n.Name == "" {
			n.Name = n.Host
		}
	}
	// IRC channel names are case-insensitive; ops are looked up by lowercase key.
	if len(cfg.Channels) > 0 {
		lowered := make(map[string]ChannelConfig, len(cfg.Channels))
		for name, ch := range cfg.Channels {
			lowered[strings.ToLower(name)] = ch
		}
		cfg.Channels = lowered
	}
}

func validate(cfg *Config) error {
	var errs []error
	if len([]rune(cfg.CommandPrefix)) != 1 {
		errs = append(errs, fmt.Errorf("command_prefix must be a single character, got %q", cfg.CommandPrefix))
	}
	if len(cfg.Networks) == 0 && !cfg.Telegram.Enabled {
		errs = append(errs, errors.New("no networks configured and telegram disabled"))
	}
	if len(cfg.Networks) > 0 && strings.TrimSpace(cfg.Global.Nickname) == "" {
		errs = append(errs, errors.New("global.nickname is required"))
	}
	seen := make(map[string]struct{}, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if strings.TrimSpace(n.Host) == "" {
			errs = append(errs, fmt.Errorf("network %q: host is required", n.Name))
		}
		if _, dup := seen[n.Name]; dup {
			errs = append(errs, fmt.Errorf("network %q configured twice", n.Name))
		}
		seen[n.Name] = struct{}{}
	}
	if cfg.Telegram.Enabled && cfg.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.enabled requires telegram.token or TELEGRAM_TOKEN"))
	}
	if cfg.Telegram.Enabled && len(cfg.Telegram.AllowedIDs) == 0 {
		errs = append(errs, errors.New("telegram.allowed_ids must list at least one user id"))
	}
	if err := cfg.OTel.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
