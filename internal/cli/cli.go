// Package cli builds the uatu command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/raysh454/uatu/internal/app"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/registry"
	"github.com/raysh454/uatu/internal/server"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// Options wires the command tree to its environment. Zero fields use the
// process defaults.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	Getenv func(string) string
	// Deps replaces the orchestrator's external tools (tests).
	Deps *app.Deps
}

type rootFlags struct {
	configPath string
	outRoot    string
	verbose    bool
}

// NewRootCommand returns the uatu command with audit, serve, runs and
// version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}

	var rf rootFlags
	root := &cobra.Command{
		Use:           "uatu",
		Short:         "Smart-contract audit pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(opts.Stdout)
	root.SetErr(opts.Stderr)
	root.PersistentFlags().StringVarP(&rf.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().StringVar(&rf.outRoot, "out", "", "output root (overrides config)")
	root.PersistentFlags().BoolVarP(&rf.verbose, "verbose", "v", false, "log pipeline progress to stderr")

	root.AddCommand(
		newAuditCommand(&rf, opts),
		newServeCommand(&rf, opts),
		newRunsCommand(&rf, opts),
		newVersionCommand(),
	)
	return root
}

func loadConfig(rf *rootFlags, opts Options) (*app.Config, error) {
	cfg, err := app.LoadConfig(rf.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(opts.Getenv)
	if rf.outRoot != "" {
		cfg.OutRoot = rf.outRoot
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(rf *rootFlags, opts Options) logging.Logger {
	if !rf.verbose {
		return logging.Nop{}
	}
	return logging.NewWriterLogger("uatu", opts.Stderr)
}

func openRegistry(cfg *app.Config, logger logging.Logger) (*registry.Registry, error) {
	if err := os.MkdirAll(cfg.OutRoot, 0o755); err != nil {
		return nil, fmt.Errorf("create out root: %w", err)
	}
	db, err := registry.OpenDB(cfg.RegistryDBPath())
	if err != nil {
		return nil, err
	}
	reg, err := registry.NewRegistry(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return reg, nil
}

func newAuditCommand(rf *rootFlags, opts Options) *cobra.Command {
	var (
		spec    app.RunSpec
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "audit <path-or-address>",
		Short: "Run the full pipeline on a source tree or a verified contract address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf, opts)
			if err != nil {
				return err
			}
			logger := newLogger(rf, opts)
			reg, err := openRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			var orchOpts []app.Option
			if opts.Deps != nil {
				orchOpts = append(orchOpts, app.WithDeps(*opts.Deps))
			}
			orch := app.NewOrchestrator(cfg, reg, logger, orchOpts...)
			defer orch.Close()

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			spec.Input = args[0]
			res, runErr := orch.Run(ctx, spec)
			if res == nil {
				return runErr
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(res); err != nil {
					return err
				}
			} else {
				printResult(cmd.OutOrStdout(), res)
			}
			return runErr
		},
	}
	f := cmd.Flags()
	f.StringVarP(&spec.Ecosystem, "ecosystem", "e", "", "evm or stellar (default from config)")
	f.StringVar(&spec.RunID, "run-id", "", "run id (default: random uuid)")
	f.StringVar(&spec.BaselinePath, "baseline", "", "risk.json of a previous run to diff against")
	f.StringVar(&spec.WeightsPath, "weights", "", "JSON or TOML risk weight overrides")
	f.StringVar(&spec.StaticMode, "static", "", "static analyzer mode: auto, host or stub")
	f.StringVar(&spec.LLMMode, "llm", "", "model provider: auto, openai, anthropic or off")
	f.BoolVar(&asJSON, "json", false, "print the run result as JSON")
	f.DurationVar(&timeout, "timeout", 0, "abort the run after this long")
	return cmd
}

func printResult(w io.Writer, res *app.RunResult) {
	fmt.Fprintf(w, "run:     %s\n", res.RunID)
	fmt.Fprintf(w, "status:  %s\n", res.Status)
	fmt.Fprintf(w, "out:     %s\n", res.OutDir)
	if res.Summary != nil {
		fmt.Fprintf(w, "risk:    %.1f (%s)\n", res.Summary.Overall, res.Summary.Grade)
		if res.Summary.DeltaOverall != 0 {
			fmt.Fprintf(w, "delta:   %+.1f\n", res.Summary.DeltaOverall)
		}
		for _, fn := range res.Summary.TopFunctions {
			fmt.Fprintf(w, "  %-40s %5.1f\n", fn.Key, fn.Score)
		}
	}
	if res.Error != "" {
		fmt.Fprintf(w, "error:   %s\n", res.Error)
	}
}

func newServeCommand(rf *rootFlags, opts Options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API, event websocket and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf, opts)
			if err != nil {
				return err
			}
			logger := logging.NewWriterLogger("server", opts.Stderr)
			srv, err := server.NewServer(server.Config{ListenAddr: addr, AppConfig: cfg, Logger: logger, Deps: opts.Deps})
			if err != nil {
				return err
			}
			defer srv.Close()

			hs := srv.HTTPServer()
			errCh := make(chan error, 1)
			go func() { errCh <- hs.ListenAndServe() }()
			logger.Info("listening", logging.Field{Key: "addr", Value: hs.Addr})

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), 10*time.Second)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	return cmd
}

func newRunsCommand(rf *rootFlags, opts Options) *cobra.Command {
	var (
		target string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rf, opts)
			if err != nil {
				return err
			}
			reg, err := openRegistry(cfg, newLogger(rf, opts))
			if err != nil {
				return err
			}
			defer reg.Close()

			runs, err := reg.ListRuns(cmd.Context(), target, limit)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tSCORE\tGRADE\tCREATED\tTARGET")
			for _, r := range runs {
				created := time.Unix(0, r.CreatedAt).UTC().Format(time.RFC3339)
				fmt.Fprintf(tw, "%s\t%s\t%.1f\t%s\t%s\t%s\n", r.ID, r.Status, r.Overall, r.Grade, created, r.Target)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "only runs for this path or address")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "uatu", Version)
		},
	}
}
