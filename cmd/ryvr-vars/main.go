// Command ryvr-vars previews workflow variable templates against recorded
// step outputs.
//
// Usage:
//
//	ryvr-vars [--data steps.json] [--log-level debug] <command> [flags]
//
// Commands:
//
//	render   Substitute {{...}} tokens in a template
//	resolve  Resolve a single path and print its value as JSON
//	expand   Expand an indexed path into one token per array element
//	steps    List the step IDs in the data file
//	refs     List the step IDs a template references
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/datastore"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/expressions"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/logging"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	if err := newRootCmd(loadConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app is the state shared by subcommands, built once flags are parsed.
type app struct {
	cfg      Config
	logger   *slog.Logger
	store    *datastore.Store
	metrics  *metrics.Metrics
	renderer *expressions.Renderer
}

// context returns a context carrying the run ID for log correlation.
func (a *app) context(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return logging.WithRunID(ctx, a.store.RunID())
}

func newRootCmd(cfg Config) *cobra.Command {
	a := &app{}
	var schemaFlags []string

	root := &cobra.Command{
		Use:           "ryvr-vars",
		Short:         "Render and inspect workflow variable templates",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := parseSchemaFlags(schemaFlags)
			if err != nil {
				return err
			}
			return a.init(cfg, cmd.ErrOrStderr(), schemas)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.DataFile, "data", cfg.DataFile, "JSON or YAML file mapping step IDs to outputs")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	flags.StringVar(&cfg.ListSeparator, "list-sep", cfg.ListSeparator, "Separator for list output")
	flags.StringArrayVar(&schemaFlags, "schema", nil, "Validate a step's output: step=schema.json (repeatable)")

	root.AddCommand(
		newRenderCmd(a),
		newResolveCmd(a),
		newExpandCmd(a),
		newStepsCmd(a),
		newRefsCmd(),
	)
	return root
}

func (a *app) init(cfg Config, logOut io.Writer, schemas map[string]string) error {
	store, err := loadStore(cfg.DataFile, schemas)
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.store = store
	a.logger = logging.New(logOut, cfg.LogLevel)
	a.metrics = metrics.New(prometheus.NewRegistry())
	a.renderer = expressions.NewRenderer(
		expressions.WithLogger(a.logger),
		expressions.WithMetrics(a.metrics),
		expressions.WithOptions(cfg.rendererOptions()),
	)
	return nil
}
