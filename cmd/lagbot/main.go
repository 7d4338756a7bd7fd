package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/lagbot/internal/audit"
	"github.com/basket/lagbot/internal/bot"
	"github.com/basket/lagbot/internal/builtin"
	"github.com/basket/lagbot/internal/bus"
	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/cron"
	otelPkg "github.com/basket/lagbot/internal/otel"
	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin"
	"github.com/basket/lagbot/internal/plugin/wasm"
	"github.com/basket/lagbot/internal/registry"
	"github.com/basket/lagbot/internal/router"
	"github.com/basket/lagbot/internal/session"
	"github.com/basket/lagbot/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const shutdownTimeout = 10 * time.Second

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Usage of %[1]s:

  %[1]s [-config path] [-log-level lvl]    Connect and serve
  %[1]s plugins [-config path] [-reenable name]
                                          List units, report rejected and quarantined plugins
  %[1]s doctor [-json] [-offline]         Run diagnostic checks
  %[1]s version                           Print the version

FLAGS:
`, os.Args[0])
	flag.CommandLine.SetOutput(w)
	flag.PrintDefaults()
	fmt.Fprint(w, `
ENVIRONMENT VARIABLES:
  LAGBOT_HOME             Data directory (default: ~/.lagbot)
  LAGBOT_LOG_LEVEL        Overrides log_level
  LAGBOT_OWNER            Overrides global.owner
  TELEGRAM_TOKEN          Overrides telegram.token
`)
}

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: $LAGBOT_HOME/config.yaml)")
	logLevel := flag.String("log-level", "", "override log_level (debug, info, warn, error)")
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage(os.Stdout)
			return
		case "version":
			fmt.Println("lagbot", Version)
			return
		case "plugins":
			os.Exit(runPluginsCommand(ctx, args[1:], *configPath, os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], *configPath, os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage(os.Stderr)
			os.Exit(2)
		}
	}

	os.Exit(runDaemon(ctx, *configPath, *logLevel))
}

// loadConfig reads the explicit path if given, else $LAGBOT_HOME/config.yaml.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	return config.LoadFile(config.HomeDir(), path)
}

func consoleMode() telemetry.Console {
	if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		return telemetry.ConsoleText
	}
	return telemetry.ConsoleJSON
}

func runDaemon(ctx context.Context, configPath, logLevel string) int {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, consoleMode())
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, cfg.OTel, Version, nil)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if rm, err := provider.Collect(shutdownCtx); err == nil {
			if totals := otelPkg.Totals(rm); len(totals) > 0 {
				logger.Info("dispatch totals", "counters", totals)
			}
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		return fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	eventBus := bus.New()
	defer eventBus.Close()
	go logBusEvents(ctx, eventBus, logger)

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		return fatalStartup(logger, "E_DB_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "db_opened", "path", cfg.DBPath)

	rt, err := newRuntime(ctx, cfg, store, eventBus, metrics, provider, logger)
	if err != nil {
		return fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.close(shutdownCtx)
	}()

	if gen, err := rt.reg.Build(ctx, cfg); err != nil {
		// The bot still connects; a later reload can recover.
		logger.Error("initial plugin discovery failed", "error", err)
	} else {
		logger.Info("startup phase", "phase", "registry_built",
			"generation", gen.ID(),
			"units", len(gen.Units()),
			"rejected", len(gen.Rejected()),
		)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if err := rt.startBackground(runCtx, cfg, &wg); err != nil {
		return fatalStartup(logger, "E_BACKGROUND_INIT", err)
	}

	sessions := buildSessions(cfg, logger)
	errCh := make(chan error, len(sessions))
	for _, s := range sessions {
		wg.Add(1)
		go func(s session.Session) {
			defer wg.Done()
			err := s.Run(runCtx, rt.disp)
			if err != nil {
				err = fmt.Errorf("session %s: %w", s.Network(), err)
			}
			errCh <- err
		}(s)
	}
	logger.Info("startup phase", "phase", "sessions_started", "sessions", len(sessions))

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("session ended", "error", err)
			if errors.Is(err, session.ErrConnectionLost) {
				exitCode = 1
			} else {
				exitCode = 2
			}
		}
	}
	cancel()
	wg.Wait()
	logger.Info("shutdown complete", "exit_code", exitCode)
	return exitCode
}

// runtime is everything between the sessions and the store.
type runtime struct {
	host   *wasm.Host
	loader *wasm.Loader
	reg    *registry.Registry
	disp   *bot.Dispatcher
	holder *config.Holder
	logger *slog.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config, store *persistence.Store, eventBus *bus.Bus,
	metrics *otelPkg.Metrics, provider *otelPkg.Provider, logger *slog.Logger) (*runtime, error) {
	table := plugin.NewTable()
	if err := builtin.Register(table, store, Version); err != nil {
		return nil, fmt.Errorf("register builtins: %w", err)
	}

	host, err := wasm.NewHost(ctx, wasm.Config{Store: store, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("wasm host: %w", err)
	}
	loader := wasm.NewLoader(cfg.Plugins.Dir, host, store, logger)

	reg := registry.New(plugin.NewChain(logger, table, loader), logger, eventBus, metrics, provider.Tracer)
	holder := config.NewHolder(cfg)
	disp := bot.New(holder, reg, logger, eventBus)
	disp.SetRouter(router.New(router.Options{
		Config:  holder,
		Admin:   disp.Admin(),
		Logger:  logger,
		Bus:     eventBus,
		Metrics: metrics,
		Tracer:  provider.Tracer,
	}))

	return &runtime{
		host:   host,
		loader: loader,
		reg:    reg,
		disp:   disp,
		holder: holder,
		logger: logger,
	}, nil
}

// startBackground starts the config watcher, the plugin watcher, and the
// reload schedule. Each one stops with ctx.
func (rt *runtime) startBackground(ctx context.Context, cfg *config.Config, wg *sync.WaitGroup) error {
	if cfg.Path != "" {
		cw := config.NewWatcher(cfg.Path, rt.logger)
		if err := cw.Start(ctx); err != nil {
			rt.logger.Warn("config watcher disabled", "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for ev := range cw.Events() {
					rt.logger.Info("config file changed", "path", ev.Path, "op", ev.Op.String())
					_ = rt.disp.ReloadConfig(ctx)
				}
			}()
		}
	}

	if cfg.Plugins.Watch {
		pw := wasm.NewWatcher(cfg.Plugins.Dir, rt.logger)
		if err := pw.Start(ctx); err != nil {
			rt.logger.Warn("plugin watcher disabled", "dir", cfg.Plugins.Dir, "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range pw.Events() {
					rt.logger.Info("plugin directory changed; reloading")
					if err := rt.disp.ReloadPlugins(ctx); err != nil {
						rt.logger.Error("plugin reload failed", "error", err)
					}
				}
			}()
		}
	}

	if expr := strings.TrimSpace(cfg.Plugins.ReloadSchedule); expr != "" {
		sched, err := cron.NewScheduler(cron.Config{
			Expr:   expr,
			Reload: rt.disp.ReloadPlugins,
			Logger: rt.logger,
		})
		if err != nil {
			return err
		}
		sched.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			sched.Stop()
		}()
	}
	return nil
}

func (rt *runtime) close(ctx context.Context) {
	rt.reg.Shutdown(ctx)
	if err := rt.host.Close(ctx); err != nil {
		rt.logger.Warn("wasm host close failed", "error", err)
	}
}

func buildSessions(cfg *config.Config, logger *slog.Logger) []session.Session {
	var out []session.Session
	for _, n := range cfg.Networks {
		out = append(out, session.NewIRC(n, cfg.Global, logger))
	}
	if cfg.Telegram.Enabled {
		out = append(out, session.NewTelegram(cfg.Telegram.Token, cfg.Telegram.AllowedIDs, logger))
	}
	return out
}

// logBusEvents mirrors every bus event to the debug log.
func logBusEvents(ctx context.Context, b *bus.Bus, logger *slog.Logger) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			logger.Debug("bus event", "topic", ev.Topic, "payload", fmt.Sprintf("%+v", ev.Payload))
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Deny, "runtime.startup", "", "", reasonCode+": "+message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	return 1
}
