// Package cli implements ezbuild, the operator tool for the builder: it
// manages the template cache, renders configs offline and repairs builds.
package cli

import (
	"context"
	"sync"

	"github.com/spf13/cobra"

	"github.com/eztheme/builder/internal/app"
	"github.com/eztheme/builder/internal/config"
	"github.com/eztheme/builder/internal/telemetry"
)

// env lazily loads configuration and wires the app for commands that need it
type env struct {
	jsonMode bool
	logLevel string

	once sync.Once
	cfg  *config.Config
	err  error
	app  *app.App
}

func (e *env) config() (*config.Config, error) {
	e.once.Do(func() {
		e.cfg, e.err = config.Load()
	})
	return e.cfg, e.err
}

func (e *env) open(ctx context.Context) (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	level := cfg.Server.LogLevel
	if e.logLevel != "" {
		level = e.logLevel
	}
	logger := telemetry.SetupLogger(level, "text")
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *env) close() {
	if e.app != nil {
		e.app.Close()
	}
}

func (e *env) output(cmd *cobra.Command) *Output {
	return NewOutput(e.jsonMode, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// NewRootCmd builds the ezbuild command tree
func NewRootCmd(version string) *cobra.Command {
	e := &env{}

	root := &cobra.Command{
		Use:           "ezbuild",
		Short:         "Operate the EZ-Theme builder",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&e.jsonMode, "json", false, "Output in JSON format")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "Override server.log_level")

	root.AddCommand(
		newTemplateCmd(e),
		newRenderCmd(e),
		newBuildCmd(e),
		newCreditsCmd(e),
		newTokenCmd(e),
	)
	return root
}
