package cli

import (
	"time"

	"github.com/spf13/cobra"
)

func newTemplateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage the template cache",
	}
	cmd.AddCommand(newTemplateStatusCmd(e), newTemplateRefreshCmd(e))
	return cmd
}

func newTemplateStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show which repository and ref the cache was prepared from",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			marker, err := a.Template.Status()
			if err != nil {
				return err
			}
			e.output(cmd).Print(
				[]string{"REPOSITORY", "REF", "PREPARED"},
				[][]string{{marker.Repository, marker.Ref, marker.PreparedAt.Format(time.RFC3339)}},
				marker,
			)
			return nil
		},
	}
}

func newTemplateRefreshCmd(e *env) *cobra.Command {
	var ifStale bool

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Clone, install and warm the template, then swap it in",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			out := e.output(cmd)

			start := time.Now()
			if ifStale {
				err = a.Template.Ensure(cmd.Context())
			} else {
				err = a.Template.Refresh(cmd.Context())
			}
			if err != nil {
				return err
			}
			out.Info("template ready in " + time.Since(start).Round(time.Second).String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&ifStale, "if-stale", false, "Only repopulate when the cache is missing or prepared from another ref")
	return cmd
}
