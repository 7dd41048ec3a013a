package cli

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/eztheme/builder/internal/app"
	"github.com/eztheme/builder/internal/model"
	"github.com/eztheme/builder/internal/pipeline"
	"github.com/eztheme/builder/internal/service"
)

func newBuildCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Inspect and repair build jobs",
	}
	cmd.AddCommand(
		newBuildListCmd(e),
		newBuildShowCmd(e),
		newBuildRetryCmd(e),
		newBuildRecoverCmd(e),
	)
	return cmd
}

var buildHeaders = []string{"ID", "OWNER", "STATUS", "ATTEMPTS", "CREATED", "ERROR"}

func buildRow(job *model.BuildJob) []string {
	return []string{
		job.ID,
		job.Owner,
		string(job.Status),
		strconv.Itoa(job.Attempts),
		job.CreatedAt.Format(time.RFC3339),
		firstLine(job.Error, 60),
	}
}

func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

func newBuildListCmd(e *env) *cobra.Command {
	var status string
	var owner string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List builds by status or owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (status == "") == (owner == "") {
				return fmt.Errorf("exactly one of --status or --owner is required")
			}
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			var jobs []*model.BuildJob
			if status != "" {
				s := model.BuildStatus(status)
				if !s.Valid() {
					return fmt.Errorf("unknown status %q", status)
				}
				jobs, err = a.Store.ListByStatus(cmd.Context(), s)
			} else {
				jobs, _, err = a.Store.List(cmd.Context(), owner, 1, limit)
			}
			if err != nil {
				return err
			}

			rows := make([][]string, len(jobs))
			for i, job := range jobs {
				rows[i] = buildRow(job)
			}
			e.output(cmd).Print(buildHeaders, rows, jobs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().StringVar(&owner, "owner", "", "List one owner's builds, newest first")
	cmd.Flags().IntVar(&limit, "limit", service.DefaultPageLimit, "Maximum number of results with --owner")
	return cmd
}

func newBuildShowCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "show BUILD_ID",
		Short: "Show one build",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			job, err := a.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			job.Asset = nil
			e.output(cmd).JSON(job)
			return nil
		},
	}
}

func newBuildRetryCmd(e *env) *cobra.Command {
	var enqueue bool

	cmd := &cobra.Command{
		Use:   "retry BUILD_ID",
		Short: "Rebuild a job from its stored config without charging the owner",
		Long:  "Rebuild a job from its stored config. By default the build runs in this process; --enqueue hands it to the workers instead.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			out := e.output(cmd)
			id := args[0]

			if enqueue {
				// a pending build whose task was lost is queued again as is
				if _, err := a.Controller.Reset(cmd.Context(), id); err != nil && !errors.Is(err, pipeline.ErrJobQueued) {
					return err
				}
				task, err := service.NewBuildTask(id)
				if err != nil {
					return err
				}
				info, err := a.Queue.Enqueue(task, service.TaskOptions(app.TaskTimeout(a.Config))...)
				if err != nil {
					return err
				}
				out.Info("queued as task " + info.ID)
				return nil
			}

			runErr := a.Controller.Retry(cmd.Context(), id)
			job, err := a.Store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			out.Print(buildHeaders, [][]string{buildRow(job)}, job)
			return runErr
		},
	}
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue the build for the workers instead of running it here")
	return cmd
}

func newBuildRecoverCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fail builds left processing by a worker that died",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := e.open(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			n, err := a.Controller.Recover(cmd.Context())
			if err != nil {
				return err
			}
			e.output(cmd).Info(fmt.Sprintf("recovered %d build(s)", n))
			return nil
		},
	}
}
