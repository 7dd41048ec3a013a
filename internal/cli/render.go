package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/substitute"
)

func newRenderCmd(e *env) *cobra.Command {
	var templatePath string
	var strict bool

	cmd := &cobra.Command{
		Use:   "render CONFIG_JSON",
		Short: "Render the config module for a config file without building",
		Long:  "Render the config module for a config file (or - for stdin) and print it. Unresolved paths are reported on stderr.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			job := &model.BuildJob{ConfigSnapshot: raw}
			cfg, err := job.Config()
			if err != nil {
				return err
			}
			if err := model.ValidateConfig(cfg); err != nil {
				return err
			}

			if templatePath == "" {
				if c, err := e.config(); err == nil {
					templatePath = c.Build.ConfigTemplate
				}
			}
			engine, err := substitute.NewEngine(templatePath, "index.js")
			if err != nil {
				return err
			}

			out := e.output(cmd)
			rendered, report := engine.Render(cfg)
			out.Raw(rendered)

			if report.Partial() {
				if len(report.Unresolved) > 0 {
					out.Info("unresolved config paths: " + strings.Join(report.Unresolved, ", "))
				}
				if len(report.Leftover) > 0 {
					out.Info("leftover placeholders: " + strings.Join(report.Leftover, ", "))
				}
				if strict {
					return report.Err()
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&templatePath, "template", "", "Config template file (default: build.config_template or the embedded template)")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when substitution is partial")
	return cmd
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %s not found", path)
	}
	return data, err
}
