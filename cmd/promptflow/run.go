package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/promptflow/runner"
	"github.com/songzhibin97/promptflow/types"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		inputsFile string
		inputPairs []string
		query      string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run TEMPLATE",
		Short: "Run a template once and print the result map as JSON",
		Example: `  promptflow run outline.yaml --input topic=databases
  promptflow run outline.yaml --inputs inputs.yaml --query "focus on indexes"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl, err := types.LoadTemplateFile(args[0])
			if err != nil {
				return err
			}
			initial, err := loadInputs(inputsFile, inputPairs)
			if err != nil {
				return err
			}

			st, err := a.buildStack()
			if err != nil {
				return err
			}
			defer st.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := st.runner.RegisterTemplate(ctx, tmpl); err != nil {
				return err
			}
			run, err := st.runner.Start(ctx, runner.RunRequest{
				TemplateID:    tmpl.ID,
				InitialInputs: initial,
				QueryPrompt:   query,
			})
			if err != nil {
				return err
			}

			progress := cmd.ErrOrStderr()
			for ev := range run.Events() {
				if quiet || ev.Status != types.StatusGenerating {
					continue
				}
				if c, ok := ev.Data.(types.Content); ok {
					fmt.Fprint(progress, c.Content)
				}
			}
			if !quiet {
				fmt.Fprintln(progress)
			}

			results, err := run.Wait()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}

	cmd.Flags().StringVar(&inputsFile, "inputs", "", "YAML or JSON file with the initial inputs")
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "initial input as key=value; dotted keys nest (doc.title=x)")
	cmd.Flags().StringVarP(&query, "query", "q", "", "query prompt of the run")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "do not print generated text while the run progresses")
	return cmd
}

// loadInputs merges the inputs file with key=value pairs; pairs win.
func loadInputs(path string, pairs []string) (map[string]any, error) {
	inputs := make(map[string]any)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs: %w", err)
		}
		if inputs, err = types.DecodeInputs(data); err != nil {
			return nil, err
		}
	}

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, want key=value", pair)
		}
		if err := setPath(inputs, strings.Split(key, "."), value); err != nil {
			return nil, fmt.Errorf("invalid input %q: %w", pair, err)
		}
	}
	return inputs, nil
}

func setPath(m map[string]any, path []string, value any) error {
	for _, seg := range path[:len(path)-1] {
		next, ok := m[seg]
		if !ok {
			child := make(map[string]any)
			m[seg] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("%q is not an object", seg)
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}
