package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/lagbot/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, configPath string, out io.Writer) int {
	fs := flag.NewFlagSet("lagbot doctor", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	cfgFlag := fs.String("config", configPath, "path to config.yaml")
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	offline := fs.Bool("offline", false, "skip dialing IRC servers")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*cfgFlag)
	if err != nil {
		// Keep going so the report shows the failing check.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		cfg = nil
	}
	diag := doctor.Run(ctx, cfg, Version, doctor.Options{Offline: *offline})

	if *jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		printDiagnosis(out, diag)
	}
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(out io.Writer, diag doctor.Diagnosis) {
	fmt.Fprintf(out, "lagbot doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s) lagbot %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(out, "---")
	for _, res := range diag.Results {
		fmt.Fprintf(out, "[%s] %-18s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "       %s\n", res.Detail)
		}
	}
}
