// Command eval scores the extraction step against a dataset of documents
// with hand-checked gold extractions.
//
// Usage:
//
//	go run ./cmd/eval --dataset ./testdata/eval/dataset.json --config emrsync.yaml
//
// A dataset file lists cases:
//
//	{"name": "discharge notes", "cases": [
//	  {"document": "notes/0001.pdf", "gold": "gold/0001.json", "patient_id": 1001}
//	]}
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/brunobiangulo/emrsync"
	"github.com/brunobiangulo/emrsync/eval"
)

func main() {
	var (
		datasetPath = flag.String("dataset", "", "Path to dataset JSON file")
		configPath  = flag.String("config", "", "Path to config file (YAML, JSON or TOML)")
		dbPath      = flag.String("db", "", "Path to SQLite database (default: temporary)")
		jsonOut     = flag.String("json", "", "Also write the full report as JSON to this file")
		minF1       = flag.Float64("min-f1", 0, "Exit non-zero when overall F1 is below this value")
	)
	flag.Parse()

	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "--dataset is required")
		os.Exit(2)
	}

	cfg, err := emrsync.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	// Extraction state goes to a scratch database unless one is given.
	cfg.Database.Driver = "sqlite3"
	cfg.Database.DSN = ""
	cfg.Database.Path = *dbPath
	if cfg.Database.Path == "" {
		tmpDir, err := os.MkdirTemp("", "emrsync-eval-*")
		if err != nil {
			fmt.Fprintf(os.Stderr, "creating temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(tmpDir)
		cfg.Database.Path = tmpDir + "/eval.db"
	}

	ds, err := eval.LoadDataset(*datasetPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	engine, err := emrsync.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("eval: starting", "dataset", ds.Name, "cases", len(ds.Cases),
		"provider", cfg.Chat.Provider, "model", cfg.Chat.Model)
	report, err := eval.NewEvaluator(engine).Run(ctx, ds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "eval: %v\n", err)
		os.Exit(1)
	}

	fmt.Print(eval.FormatReport(report))

	if *jsonOut != "" {
		data, err := json.MarshalIndent(report, "", "  ")
		if err == nil {
			err = os.WriteFile(*jsonOut, data, 0o644)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "writing report: %v\n", err)
			os.Exit(1)
		}
	}

	if f1 := report.Overall().F1(); f1 < *minF1 {
		fmt.Fprintf(os.Stderr, "overall F1 %.2f below threshold %.2f\n", f1, *minF1)
		os.Exit(1)
	}
}
