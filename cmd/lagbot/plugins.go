package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/basket/lagbot/internal/builtin"
	"github.com/basket/lagbot/internal/config"
	"github.com/basket/lagbot/internal/persistence"
	"github.com/basket/lagbot/internal/plugin"
	"github.com/basket/lagbot/internal/plugin/wasm"
	"github.com/basket/lagbot/internal/registry"
)

// runPluginsCommand discovers units, builds a throwaway generation, and prints
// what would be dispatched. It exits 1 when discovery fails.
func runPluginsCommand(ctx context.Context, args []string, configPath string, out io.Writer) int {
	fs := flag.NewFlagSet("lagbot plugins", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgFlag := fs.String("config", configPath, "path to config.yaml")
	reenable := fs.String("reenable", "", "clear the quarantine on the named plugin first")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*cfgFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		return 1
	}
	defer store.Close()

	if name := strings.TrimSpace(*reenable); name != "" {
		if err := store.ReenablePlugin(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "reenable %s: %v\n", name, err)
			return 1
		}
		fmt.Fprintf(out, "plugin %s re-enabled\n", name)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	table := plugin.NewTable()
	if err := builtin.Register(table, store, Version); err != nil {
		fmt.Fprintf(os.Stderr, "register builtins: %v\n", err)
		return 1
	}
	host, err := wasm.NewHost(ctx, wasm.Config{Store: store, Logger: logger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "wasm host: %v\n", err)
		return 1
	}
	defer host.Close(context.Background())

	chain := plugin.NewChain(logger, table, wasm.NewLoader(cfg.Plugins.Dir, host, store, logger))
	descs, err := chain.Discover(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "discovery failed: %v\n", err)
		return 1
	}

	reg := registry.New(chain, logger, nil, nil, nil)
	gen, err := reg.Build(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build failed: %v\n", err)
		return 1
	}
	defer reg.Shutdown(context.Background())

	records, err := store.ListPlugins(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list plugins: %v\n", err)
		return 1
	}
	printPluginReport(out, cfg, descs, gen, records)
	return 0
}

func printPluginReport(out io.Writer, cfg *config.Config, descs []plugin.Descriptor, gen *registry.Generation, records []persistence.PluginRecord) {
	loaded := make(map[string]bool)
	for _, name := range gen.Units() {
		loaded[name] = true
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSOURCE\tCAPABILITIES\tSTATUS")
	for _, d := range descs {
		status := "loaded"
		switch {
		case cfg.Plugins.IsDisabled(d.Name):
			status = "disabled"
		case !loaded[d.Name]:
			status = "rejected"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Source, d.Capabilities, status)
	}
	_ = tw.Flush()

	if keys := gen.CommandKeys(); len(keys) > 0 {
		fmt.Fprintf(out, "\ncommands: %s\n", strings.Join(keys, ", "))
	}
	if pats := gen.TriggerPatterns(); len(pats) > 0 {
		fmt.Fprintf(out, "triggers: %s\n", strings.Join(pats, ", "))
	}
	if names := gen.HandlerNames(); len(names) > 0 {
		fmt.Fprintf(out, "handlers: %s\n", strings.Join(names, ", "))
	}

	if rejected := gen.Rejected(); len(rejected) > 0 {
		fmt.Fprintln(out, "\nrejected:")
		for _, r := range rejected {
			fmt.Fprintf(out, "  %s: %s\n", r.Unit, r.Reason)
		}
	}

	var quarantined []persistence.PluginRecord
	for _, rec := range records {
		if rec.State == persistence.PluginStateQuarantined {
			quarantined = append(quarantined, rec)
		}
	}
	if len(quarantined) > 0 {
		fmt.Fprintln(out, "\nquarantined:")
		for _, rec := range quarantined {
			fmt.Fprintf(out, "  %s: %d faults, last %s\n", rec.Name, rec.FaultCount, rec.LastFault)
		}
	}
}
