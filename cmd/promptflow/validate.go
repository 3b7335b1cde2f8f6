package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/promptflow/types"
	"github.com/songzhibin97/promptflow/workflow"
)

type validateReport struct {
	Template string                   `yaml:"template"`
	Nodes    int                      `yaml:"nodes"`
	Warnings []string                 `yaml:"warnings,omitempty"`
	Inputs   []workflow.InputContract `yaml:"inputs"`
}

func newValidateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate TEMPLATE...",
		Short: "Check templates and print the input contract of every step",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()

			var errs []error
			for _, path := range args {
				tmpl, err := types.LoadTemplateFile(path)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				warnings, err := workflow.Validate(tmpl)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				prog, err := workflow.Compile(tmpl)
				if err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", path, err))
					continue
				}
				for _, w := range warnings {
					a.logger.Warn("template warning", "file", path, "warning", w)
				}
				if err := enc.Encode(validateReport{
					Template: path,
					Nodes:    len(tmpl.Nodes),
					Warnings: warnings,
					Inputs:   prog.Contracts(),
				}); err != nil {
					return err
				}
			}
			return errors.Join(errs...)
		},
	}
}
