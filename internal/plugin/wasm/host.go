// Package wasm runs sandboxed chat plugins compiled to WebAssembly.
package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/basket/lagbot/internal/audit"
	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin"
)

// Fault reasons reported by plugin invocations.
const (
	FaultModuleNotFound  = "WASM_MODULE_NOT_FOUND"
	FaultTimeout         = "WASM_TIMEOUT"
	FaultMemoryExceeded  = "WASM_MEMORY_EXCEEDED"
	FaultMemoryExhausted = "WASM_HOST_MEMORY_EXHAUSTED"
	FaultNoExport        = "WASM_NO_EXPORT"
	FaultExecError       = "WASM_FAULT"
	FaultQuarantined     = "WASM_QUARANTINED"
)

// PluginFault is the typed error returned by plugin loads and invocations.
type PluginFault struct {
	Reason string
	Plugin string
	Detail string
}

func (e *PluginFault) Error() string {
	return fmt.Sprintf("%s: plugin=%s: %s", e.Reason, e.Plugin, e.Detail)
}

// HostModule is the import module name guests link against.
const HostModule = "lagbot"

const (
	// DefaultMemoryLimitPages is 160 pages = 10MB (one wasm page is 64KB).
	DefaultMemoryLimitPages uint32 = 160
	// DefaultAggregateMemoryLimitPages is 640 pages = 40MB across all plugins.
	DefaultAggregateMemoryLimitPages uint32 = 640
	DefaultInvokeTimeout                    = 5 * time.Second
)

type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger

	// MemoryLimitPages caps memory per plugin. 0 uses DefaultMemoryLimitPages.
	MemoryLimitPages uint32
	// AggregateMemoryLimitPages caps memory across loaded plugins. 0 uses DefaultAggregateMemoryLimitPages.
	AggregateMemoryLimitPages uint32
	// InvokeTimeout caps wall-clock time per call. 0 uses DefaultInvokeTimeout.
	InvokeTimeout time.Duration
	// QuarantineThreshold is the fault count that quarantines a plugin.
	// 0 uses persistence.DefaultQuarantineThreshold.
	QuarantineThreshold int
}

type instance struct {
	mu       sync.Mutex
	compiled wazero.CompiledModule
	module   api.Module
	pages    uint32
}

// Host owns one wazero runtime shared by every loaded plugin.
type Host struct {
	store  *persistence.Store
	logger *slog.Logger

	runtime       wazero.Runtime
	invokeTimeout time.Duration
	threshold     int

	hostFunctions map[string]struct{}

	modulesMu            sync.Mutex
	modules              map[string]*instance
	aggregateMemoryLimit uint32
}

func NewHost(ctx context.Context, cfg Config) (*Host, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	memPages := cfg.MemoryLimitPages
	if memPages == 0 {
		memPages = DefaultMemoryLimitPages
	}
	aggLimit := cfg.AggregateMemoryLimitPages
	if aggLimit == 0 {
		aggLimit = DefaultAggregateMemoryLimitPages
	}
	invokeTimeout := cfg.InvokeTimeout
	if invokeTimeout == 0 {
		invokeTimeout = DefaultInvokeTimeout
	}

	runtimeCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(memPages).
		WithCloseOnContextDone(true)

	h := &Host{
		store:                cfg.Store,
		logger:               cfg.Logger.With("component", "wasm"),
		runtime:              wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		invokeTimeout:        invokeTimeout,
		threshold:            cfg.QuarantineThreshold,
		hostFunctions:        map[string]struct{}{},
		modules:              map[string]*instance{},
		aggregateMemoryLimit: aggLimit,
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}

	builder := h.runtime.NewHostModuleBuilder(HostModule)
	exports := map[string]any{
		"send_message":   h.hostSendMessage,
		"log":            h.hostLog,
		"is_owner":       h.hostIsOwner,
		"is_operator":    h.hostIsOperator,
		"request_reload": h.hostRequestReload,
		"kv_set":         h.hostKVSet,
	}
	for name, fn := range exports {
		builder.NewFunctionBuilder().WithFunc(fn).Export(name)
		h.hostFunctions[name] = struct{}{}
	}
	if _, err := builder.Instantiate(ctx); err != nil {
		_ = h.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return h, nil
}

func (h *Host) HasHostFunction(name string) bool {
	_, ok := h.hostFunctions[name]
	return ok
}

func (h *Host) Close(ctx context.Context) error {
	h.modulesMu.Lock()
	for name, inst := range h.modules {
		_ = inst.module.Close(ctx)
		_ = inst.compiled.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()
	return h.runtime.Close(ctx)
}

func (h *Host) HasModule(name string) bool {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	_, ok := h.modules[name]
	return ok
}

// MemoryStats returns aggregate memory pages, the per-plugin breakdown, and the limit.
func (h *Host) MemoryStats() (aggregatePages uint32, perModule map[string]uint32, limit uint32) {
	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	perModule = make(map[string]uint32, len(h.modules))
	for name, inst := range h.modules {
		aggregatePages += inst.pages
		perModule[name] = inst.pages
	}
	return aggregatePages, perModule, h.aggregateMemoryLimit
}

// Load compiles and instantiates a plugin, replacing any module of the same name.
func (h *Host) Load(ctx context.Context, name string, wasmBytes []byte, source string) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("compile wasm plugin %s: %w", name, err)
	}

	// Min() is the initial page count the module declares.
	var estimatedPages uint32
	for _, def := range compiled.ImportedMemories() {
		estimatedPages += def.Min()
	}
	for _, def := range compiled.ExportedMemories() {
		estimatedPages += def.Min()
	}
	if estimatedPages == 0 {
		estimatedPages = 1
	}

	h.modulesMu.Lock()
	var currentAggregate uint32
	for n, inst := range h.modules {
		if n != name {
			currentAggregate += inst.pages
		}
	}
	if currentAggregate+estimatedPages > h.aggregateMemoryLimit {
		h.modulesMu.Unlock()
		_ = compiled.Close(ctx)
		return &PluginFault{
			Reason: FaultMemoryExhausted,
			Plugin: name,
			Detail: fmt.Sprintf("aggregate=%d pages, new=%d pages, limit=%d pages",
				currentAggregate, estimatedPages, h.aggregateMemoryLimit),
		}
	}
	// wazero tracks instance names, so the old one must go first.
	if old, ok := h.modules[name]; ok {
		_ = old.module.Close(ctx)
		_ = old.compiled.Close(ctx)
		delete(h.modules, name)
	}
	h.modulesMu.Unlock()

	module, err := h.instantiate(ctx, name, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return err
	}
	inst := &instance{compiled: compiled, module: module, pages: memoryPages(module, estimatedPages)}

	h.modulesMu.Lock()
	defer h.modulesMu.Unlock()
	h.modules[name] = inst

	var aggregate uint32
	for _, i := range h.modules {
		aggregate += i.pages
	}
	h.logger.Info("wasm plugin loaded", "plugin", name, "path", source,
		"memory_pages", inst.pages, "aggregate_pages", aggregate, "limit_pages", h.aggregateMemoryLimit)
	return nil
}

func (h *Host) instantiate(ctx context.Context, name string, compiled wazero.CompiledModule) (api.Module, error) {
	cfg := wazero.NewModuleConfig().
		WithName(name).
		WithStartFunctions("_initialize").
		WithSysWalltime()
	module, err := h.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate wasm plugin %s: %w", name, err)
	}
	return module, nil
}

func memoryPages(module api.Module, fallback uint32) uint32 {
	mem := module.Memory()
	if mem == nil {
		return fallback
	}
	// Grow(0) reports the current size without changing it.
	if pages, ok := mem.Grow(0); ok && pages > 0 {
		return pages
	}
	return fallback
}

// Unload closes a plugin. Unloading an unknown plugin is a no-op.
func (h *Host) Unload(ctx context.Context, name string) error {
	h.modulesMu.Lock()
	inst, ok := h.modules[name]
	delete(h.modules, name)
	h.modulesMu.Unlock()
	if !ok {
		return nil
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	err := inst.module.Close(ctx)
	if cerr := inst.compiled.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("unload wasm plugin %s: %w", name, err)
	}
	h.logger.Info("wasm plugin unloaded", "plugin", name)
	return nil
}

// wireEvent is the JSON document handed to a guest's execute export.
type wireEvent struct {
	Network string `json:"network"`
	Sender  string `json:"sender"`
	Nick    string `json:"nick"`
	Target  string `json:"target"`
	Text    string `json:"text"`
	Class   string `json:"class,omitempty"`
	Private bool   `json:"private,omitempty"`
}

type invocationKey struct{}

type invocation struct {
	plugin string
	client plugin.Client
	event  plugin.Event
}

func invocationFrom(ctx context.Context) (*invocation, bool) {
	inv, ok := ctx.Value(invocationKey{}).(*invocation)
	return inv, ok && inv != nil
}

// Invoke delivers one event to a plugin. A non-zero result from execute is a fault.
func (h *Host) Invoke(ctx context.Context, name string, c plugin.Client, ev plugin.Event) error {
	if h.store != nil {
		if quarantined, err := h.store.IsPluginQuarantined(ctx, name); err == nil && quarantined {
			h.logger.Warn("plugin quarantined, invocation denied", "plugin", name)
			return &PluginFault{Reason: FaultQuarantined, Plugin: name, Detail: "plugin quarantined due to repeated faults"}
		}
	}

	h.modulesMu.Lock()
	inst, ok := h.modules[name]
	h.modulesMu.Unlock()
	if !ok {
		return &PluginFault{Reason: FaultModuleNotFound, Plugin: name, Detail: "plugin not loaded"}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	fault := h.call(ctx, name, inst, c, ev)
	if fault == nil {
		return nil
	}
	h.logger.Warn("plugin invocation fault", "plugin", name, "reason", fault.Reason, "detail", fault.Detail)
	if fault.Reason == FaultTimeout && inst.module.IsClosed() {
		// The runtime closes a module whose context ended mid-call.
		if module, err := h.instantiate(context.WithoutCancel(ctx), name, inst.compiled); err != nil {
			h.logger.Error("plugin reinstantiate failed", "plugin", name, "error", err)
		} else {
			inst.module = module
		}
	}
	if h.recordFault(context.WithoutCancel(ctx), name, fault.Reason) {
		// Drop the plugin from dispatch at the next rebuild.
		c.RequestReload()
	}
	return fault
}

func (h *Host) call(ctx context.Context, name string, inst *instance, c plugin.Client, ev plugin.Event) *PluginFault {
	module := inst.module
	if module.IsClosed() {
		return &PluginFault{Reason: FaultModuleNotFound, Plugin: name, Detail: "plugin instance closed"}
	}
	alloc := module.ExportedFunction("alloc")
	execute := module.ExportedFunction("execute")
	if alloc == nil || execute == nil {
		return &PluginFault{Reason: FaultNoExport, Plugin: name, Detail: "plugin must export alloc and execute"}
	}
	if module.Memory() == nil {
		return &PluginFault{Reason: FaultNoExport, Plugin: name, Detail: "plugin exports no memory"}
	}

	payload, err := json.Marshal(wireEvent{
		Network: ev.Network,
		Sender:  ev.Sender,
		Nick:    ev.Nick(),
		Target:  ev.Target,
		Text:    ev.Text,
		Class:   string(plugin.ClassOf(ctx)),
		Private: ev.Private,
	})
	if err != nil {
		return &PluginFault{Reason: FaultExecError, Plugin: name, Detail: err.Error()}
	}

	invokeCtx, cancel := context.WithTimeout(ctx, h.invokeTimeout)
	defer cancel()
	invokeCtx = context.WithValue(invokeCtx, invocationKey{}, &invocation{plugin: name, client: c, event: ev})

	results, err := alloc.Call(invokeCtx, uint64(len(payload)))
	if err != nil {
		return classifyFault(name, err)
	}
	if len(results) == 0 {
		return &PluginFault{Reason: FaultExecError, Plugin: name, Detail: "alloc returned no pointer"}
	}
	ptr := uint32(results[0])
	if !module.Memory().Write(ptr, payload) {
		return &PluginFault{Reason: FaultMemoryExceeded, Plugin: name,
			Detail: fmt.Sprintf("event of %d bytes does not fit at %#x", len(payload), ptr)}
	}

	results, err = execute.Call(invokeCtx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return classifyFault(name, err)
	}
	if len(results) > 0 && int32(results[0]) != 0 {
		return &PluginFault{Reason: FaultExecError, Plugin: name,
			Detail: fmt.Sprintf("execute returned %d", int32(results[0]))}
	}
	return nil
}

// recordFault reports whether this fault quarantined the plugin.
func (h *Host) recordFault(ctx context.Context, name, reason string) bool {
	if h.store == nil {
		return false
	}
	quarantined, err := h.store.IncrementPluginFault(ctx, name, reason, h.threshold)
	if err != nil {
		h.logger.Error("failed to record plugin fault", "plugin", name, "error", err)
		return false
	}
	if quarantined {
		h.logger.Warn("plugin quarantined due to repeated faults", "plugin", name)
		audit.Record(audit.Deny, "plugin.invoke", name, "", "fault threshold exceeded")
	}
	return quarantined
}

// classifyFault maps a wasm execution error to a PluginFault.
func classifyFault(name string, err error) *PluginFault {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &PluginFault{Reason: FaultTimeout, Plugin: name, Detail: err.Error()}
	}
	if errors.Is(err, context.Canceled) {
		return &PluginFault{Reason: FaultTimeout, Plugin: name, Detail: "canceled"}
	}
	// wazero raises sys.ExitError when it closes a module on context done.
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return &PluginFault{Reason: FaultTimeout, Plugin: name, Detail: err.Error()}
	}
	msg := err.Error()
	if strings.Contains(msg, "memory") {
		return &PluginFault{Reason: FaultMemoryExceeded, Plugin: name, Detail: msg}
	}
	return &PluginFault{Reason: FaultExecError, Plugin: name, Detail: msg}
}

// readWASMString reads a string from guest linear memory.
func readWASMString(module api.Module, ptr, length uint32) (string, bool) {
	mem := module.Memory()
	if mem == nil {
		return "", false
	}
	data, ok := mem.Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(data), true
}

func boolResult(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func (h *Host) hostSendMessage(ctx context.Context, module api.Module, targetPtr, targetLen, msgPtr, msgLen uint32) uint32 {
	inv, ok := invocationFrom(ctx)
	if !ok {
		h.logger.Warn("send_message called outside an invocation")
		return 0
	}
	target, ok := readWASMString(module, targetPtr, targetLen)
	if !ok {
		h.logger.Error("send_message: failed to read target from wasm memory", "plugin", inv.plugin)
		return 0
	}
	text, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Error("send_message: failed to read text from wasm memory", "plugin", inv.plugin)
		return 0
	}
	if err := inv.client.SendMessage(target, text); err != nil {
		h.logger.Warn("send_message failed", "plugin", inv.plugin, "target", target, "error", err)
		return 0
	}
	return 1
}

func (h *Host) hostLog(ctx context.Context, module api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
	pluginName := ""
	if inv, ok := invocationFrom(ctx); ok {
		pluginName = inv.plugin
	}
	level, ok := readWASMString(module, levelPtr, levelLen)
	if !ok {
		level = "info"
	}
	msg, ok := readWASMString(module, msgPtr, msgLen)
	if !ok {
		h.logger.Warn("log: failed to read message from wasm memory", "plugin", pluginName)
		return
	}

	switch strings.ToLower(level) {
	case "error":
		h.logger.Error("plugin log", "plugin", pluginName, "msg", msg)
	case "warn":
		h.logger.Warn("plugin log", "plugin", pluginName, "msg", msg)
	case "debug":
		h.logger.Debug("plugin log", "plugin", pluginName, "msg", msg)
	default:
		h.logger.Info("plugin log", "plugin", pluginName, "msg", msg)
	}
}

func (h *Host) hostIsOwner(ctx context.Context) uint32 {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return 0
	}
	return boolResult(inv.client.IsOwner(inv.event.Sender))
}

func (h *Host) hostIsOperator(ctx context.Context) uint32 {
	inv, ok := invocationFrom(ctx)
	if !ok {
		return 0
	}
	return boolResult(inv.client.IsOperator(inv.event.Sender, inv.event.Target))
}

func (h *Host) hostRequestReload(ctx context.Context) {
	if inv, ok := invocationFrom(ctx); ok {
		h.logger.Info("plugin requested reload", "plugin", inv.plugin)
		inv.client.RequestReload()
	}
}

func (h *Host) hostKVSet(ctx context.Context, module api.Module, keyPtr, keyLen, valPtr, valLen uint32) uint32 {
	inv, ok := invocationFrom(ctx)
	if !ok || h.store == nil {
		return 0
	}
	key, ok := readWASMString(module, keyPtr, keyLen)
	if !ok {
		h.logger.Error("kv_set: failed to read key from wasm memory", "plugin", inv.plugin)
		return 0
	}
	val, ok := readWASMString(module, valPtr, valLen)
	if !ok {
		h.logger.Error("kv_set: failed to read value from wasm memory", "plugin", inv.plugin)
		return 0
	}
	if err := h.store.KVSet(ctx, KVNamespace(inv.plugin), key, val); err != nil {
		h.logger.Error("kv_set failed", "plugin", inv.plugin, "key", key, "error", err)
		return 0
	}
	h.logger.Debug("kv_set completed", "plugin", inv.plugin, "key", key)
	return 1
}

// KVNamespace is the store namespace a plugin's kv_set writes into.
func KVNamespace(pluginName string) string {
	return "plugin:" + pluginName
}
