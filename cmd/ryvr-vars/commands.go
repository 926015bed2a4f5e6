package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/schuttebj/ryvr-frontend-sub001/internal/expressions"
	"github.com/schuttebj/ryvr-frontend-sub001/internal/metrics"
	"github.com/schuttebj/ryvr-frontend-sub001/pkg/schema"
)

// --- render ---

func newRenderCmd(a *app) *cobra.Command {
	var file string
	var stats bool

	cmd := &cobra.Command{
		Use:   "render [template]",
		Short: "Substitute {{...}} tokens in a template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := templateText(cmd, args, file)
			if err != nil {
				return err
			}

			out := a.renderer.Render(a.context(cmd), text, a.store.Snapshot())
			fmt.Fprint(cmd.OutOrStdout(), out)
			if !strings.HasSuffix(out, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}

			if stats {
				fmt.Fprintf(cmd.ErrOrStderr(), "substituted=%.0f fallback=%.0f verbatim=%.0f parse_error=%.0f\n",
					a.metrics.TokenCount(metrics.OutcomeSubstituted),
					a.metrics.TokenCount(metrics.OutcomeFallback),
					a.metrics.TokenCount(metrics.OutcomeVerbatim),
					a.metrics.TokenCount(metrics.OutcomeParseError))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Read the template from a file (- for stdin)")
	cmd.Flags().BoolVar(&stats, "stats", false, "Print token outcome counts to stderr")
	return cmd
}

// templateText returns the template from the argument, --file, or stdin.
func templateText(cmd *cobra.Command, args []string, file string) (string, error) {
	switch {
	case len(args) == 1 && file != "":
		return "", fmt.Errorf("pass a template argument or --file, not both")
	case len(args) == 1:
		return args[0], nil
	case file == "-":
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(raw), nil
	case file != "":
		raw, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read template: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("a template argument or --file is required")
	}
}

// --- resolve ---

func newResolveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <path>",
		Short: "Resolve a path and print its value as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := expressions.ResolveText(a.store.Snapshot(), args[0])
			if err != nil {
				return err
			}
			if set.IsEmpty() {
				return schema.NewErrorf(schema.ErrCodeNotFound, "nothing found at %s", args[0])
			}

			raw, err := json.Marshal(set.Value())
			if err != nil {
				return fmt.Errorf("encode value: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(raw))
			return nil
		},
	}
}

// --- expand ---

func newExpandCmd(a *app) *cobra.Command {
	var count int
	var sep string
	var render bool

	cmd := &cobra.Command{
		Use:   "expand <path>",
		Short: "Expand an indexed path into one token per array element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := expressions.ParsePath(args[0])
			if err != nil {
				return err
			}

			snap := a.store.Snapshot()
			spec, ok := expressions.DetectArrayIteration([]expressions.Path{path}, snap)
			if !ok {
				return schema.NewErrorf(schema.ErrCodeValidation,
					"%s does not index into a non-empty array", args[0])
			}
			if count > 0 {
				spec.SetCount(count)
			}

			if render {
				fmt.Fprintln(cmd.OutOrStdout(), a.renderer.RenderIteration(a.context(cmd), spec, snap))
				return nil
			}
			if !cmd.Flags().Changed("sep") {
				sep = a.renderer.Options().IterationSeparator
			}
			fmt.Fprintln(cmd.OutOrStdout(), expressions.JoinExpressions(expressions.ExpandArrayIteration(spec), sep))
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 0, "Number of elements to expand (clamped to the array length)")
	cmd.Flags().StringVar(&sep, "sep", "", "Separator between generated tokens")
	cmd.Flags().BoolVar(&render, "render", false, "Render the expanded tokens instead of printing them")
	return cmd
}

// --- steps ---

func newStepsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "steps",
		Short: "List the step IDs in the data file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range a.store.Steps() {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}

// --- refs ---

func newRefsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refs <template>",
		Short: "List the step IDs a template references",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range expressions.ReferencedSteps(args[0]) {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}
}
