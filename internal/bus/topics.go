package bus

// Registry lifecycle topics.
const (
	TopicRegistryReloaded        = "registry.reloaded"
	TopicRegistryReloadFailed    = "registry.reload_failed"
	TopicRegistryUnitRejected    = "registry.unit_rejected"
	TopicRegistryCommandConflict = "registry.command_conflict"
)

// Configuration and dispatch topics.
const (
	TopicConfigReloaded     = "config.reloaded"
	TopicDispatchUnitFailed = "dispatch.unit_failed"
	TopicPluginQuarantined  = "plugin.quarantined"
)

// RegistryReloaded is published after a generation has been built and swapped in.
type RegistryReloaded struct {
	Generation string
	Previous   string
	Commands   int
	Triggers   int
	Handlers   int
	Rejected   int
}

// RegistryReloadFailed is published when discovery fails and the registry was left empty.
type RegistryReloadFailed struct {
	Previous string
	Error    string
}

// UnitRejected is published when a unit is excluded from a generation.
type UnitRejected struct {
	Generation string
	Unit       string
	Reason     string
}

// CommandConflict is published when a second unit claims an already-bound keyword.
type CommandConflict struct {
	Generation string
	Keyword    string
	Winner     string
	Loser      string
}

// ConfigReloaded is published after the configuration snapshot has been replaced.
type ConfigReloaded struct {
	Fingerprint string
	Previous    string
}

// UnitFailed is published when a unit returns an error or panics while handling a message.
type UnitFailed struct {
	Unit    string
	Class   string // "command", "trigger" or "handler"
	Network string
	Target  string
	Error   string
}

// PluginQuarantined is published when a wasm plugin crosses its fault threshold.
type PluginQuarantined struct {
	Plugin string
	Reason string
}
