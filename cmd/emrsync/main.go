// Command emrsync ingests medical documents and reconciles their
// extractions into the database from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/brunobiangulo/emrsync"
	"github.com/brunobiangulo/emrsync/reconcile"
	"github.com/brunobiangulo/emrsync/store"
	"github.com/brunobiangulo/emrsync/validate"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logJSON    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "emrsync",
		Short:         "Extract medical documents and reconcile them into the EMR database",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Path to config file (YAML, JSON or TOML)")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&g.logJSON, "log-json", false, "Log as JSON")

	rootCmd.AddCommand(ingestCmd(g))
	rootCmd.AddCommand(extractCmd(g))
	rootCmd.AddCommand(reconcileCmd(g))
	rootCmd.AddCommand(validateCmd(g))
	rootCmd.AddCommand(migrateCmd(g))
	rootCmd.AddCommand(documentsCmd(g))
	rootCmd.AddCommand(runsCmd(g))
	rootCmd.AddCommand(statsCmd(g))
	return rootCmd
}

// loadConfig reads the configuration and installs the default logger.
func (g *globalFlags) loadConfig(cmd *cobra.Command) (emrsync.Config, error) {
	cfg, err := emrsync.LoadConfig(g.configPath)
	if err != nil {
		return cfg, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if cmd.Flags().Changed("log-json") {
		cfg.LogJSON = g.logJSON
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	slog.SetDefault(cfg.NewLogger(cmd.ErrOrStderr()))
	return cfg, nil
}

// openEngine loads the configuration and creates an engine.
func (g *globalFlags) openEngine(cmd *cobra.Command) (emrsync.Engine, error) {
	cfg, err := g.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return emrsync.New(cfg)
}

func ingestCmd(g *globalFlags) *cobra.Command {
	var patientID int64
	var force bool
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Parse, extract and reconcile documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			opts := ingestOptions(cmd, patientID, force)
			var failed int
			for _, path := range args {
				res, err := eng.Ingest(cmd.Context(), path, opts...)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
					continue
				}
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&patientID, "patient-id", 0, "Patient id the documents belong to")
	cmd.Flags().BoolVar(&force, "force", false, "Re-run even if the file has not changed")
	return cmd
}

func extractCmd(g *globalFlags) *cobra.Command {
	var patientID int64
	var out string
	cmd := &cobra.Command{
		Use:   "extract <file>",
		Short: "Extract a document without reconciling it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Extract(cmd.Context(), args[0], ingestOptions(cmd, patientID, false)...)
			if err != nil {
				return err
			}
			if out != "" {
				data, err := json.MarshalIndent(res.Document, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Int64Var(&patientID, "patient-id", 0, "Patient id the document belongs to")
	cmd.Flags().StringVarP(&out, "output", "o", "", "Also write the extraction document to this file")
	return cmd
}

func ingestOptions(cmd *cobra.Command, patientID int64, force bool) []emrsync.IngestOption {
	var opts []emrsync.IngestOption
	if cmd.Flags().Changed("patient-id") {
		opts = append(opts, emrsync.WithPatientID(patientID))
	}
	if force {
		opts = append(opts, emrsync.WithForce())
	}
	return opts
}

func reconcileCmd(g *globalFlags) *cobra.Command {
	var sourceID int64
	cmd := &cobra.Command{
		Use:   "reconcile [extraction.json]",
		Short: "Reconcile an extraction document, or a stored extraction with --source",
		Args: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("source") {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			var res *reconcile.Result
			if cmd.Flags().Changed("source") {
				res, err = eng.ReconcileSource(cmd.Context(), sourceID)
			} else {
				var doc reconcile.Document
				doc, err = readDocument(args[0])
				if err != nil {
					return err
				}
				res, err = eng.Reconcile(cmd.Context(), doc)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Int64Var(&sourceID, "source", 0, "Source document id whose stored extraction is reconciled")
	return cmd
}

func readDocument(path string) (reconcile.Document, error) {
	f, err := openInput(path)
	if err != nil {
		return reconcile.Document{}, err
	}
	defer f.Close()
	return reconcile.DecodeDocument(f)
}

// openInput opens path, or stdin for "-".
func openInput(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

func validateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <extraction.json>",
		Short: "Check an extraction document against the schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := openInput(args[0])
			if err != nil {
				return err
			}
			data, err := io.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}

			if _, err := g.loadConfig(cmd); err != nil {
				return err
			}
			report, err := validate.ValidateJSON(data)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.OK() {
				return fmt.Errorf("%d validation errors", report.ErrorCount())
			}
			return nil
		},
	}
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.loadConfig(cmd)
			if err != nil {
				return err
			}
			s, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer s.Close()

			v, err := s.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", v, s.Dialect())
			return nil
		},
	}
}

func documentsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "documents",
		Short: "List ingested source documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			docs, err := eng.Documents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
}

func runsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recent reconcile runs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			if len(args) == 1 {
				run, err := eng.Run(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}
			runs, err := eng.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")
	return cmd
}

func statsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd)
			if err != nil {
				return err
			}
			defer eng.Close()

			stats, err := eng.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
