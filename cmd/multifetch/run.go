package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/ryabkov82/multifetch/internal/acquire"
	"github.com/ryabkov82/multifetch/internal/job"
	"github.com/ryabkov82/multifetch/internal/logger"
	"github.com/ryabkov82/multifetch/internal/plan"
)

// definitionFlags select and extend a project definition
type definitionFlags struct {
	root         string
	csvPath      string
	csvDelimiter string
	csvEncoding  string
}

func (f *definitionFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.root, "root", "", "Root directory for the project folder (overrides the definition)")
	cmd.Flags().StringVar(&f.csvPath, "windows-csv", "", "Append time windows from a CSV sheet")
	cmd.Flags().StringVar(&f.csvDelimiter, "csv-delimiter", "", "CSV delimiter: , ; or tab (detected when empty)")
	cmd.Flags().StringVar(&f.csvEncoding, "csv-encoding", "utf-8", "CSV encoding: utf-8 or windows-1251")
}

// load reads the definition, appends CSV windows and plans the batch
func (f *definitionFlags) load(path string) (plan.Definition, []job.FetchJob, error) {
	def, err := plan.LoadDefinition(path)
	if err != nil {
		return def, nil, err
	}
	if f.root != "" {
		def.Root = f.root
	}
	if f.csvPath != "" {
		file, err := os.Open(f.csvPath)
		if err != nil {
			return def, nil, errors.Wrapf(err, "open %s", f.csvPath)
		}
		defer file.Close()
		windows, err := plan.LoadWindowsCSV(file, plan.CSVOptions{Delimiter: f.csvDelimiter, Encoding: f.csvEncoding})
		if err != nil {
			return def, nil, errors.Wrapf(err, "windows from %s", f.csvPath)
		}
		def.Windows = append(def.Windows, windows...)
	}
	jobs, err := plan.PlanDefinition(def)
	if err != nil {
		return def, nil, err
	}
	return def, jobs, nil
}

func newRunCmd(a *app) *cobra.Command {
	var (
		defFlags definitionFlags
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "run DEFINITION",
		Short: "Fetch every window of a project definition",
		Long: `Plan the project definition, create the project folder and fetch each
window in order. A failing window is reported and the batch continues.
Ctrl-C stops the batch before the next window starts.

The command exits non-zero when any window failed or the batch was stopped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, jobs, err := defFlags.load(args[0])
			if err != nil {
				return err
			}

			project, err := plan.NormalizeProject(def.Project)
			if err != nil {
				return err
			}
			root := def.Root
			if root == "" {
				root = "."
			}
			dest, err := acquire.Prepare(root, project)
			if err != nil {
				return err
			}

			log := logger.ComponentLogger("run")
			opts := a.cfg.ExecutorOptions(logger.ComponentLogger("executor"), nil)
			opts.Timings = acquire.NewTimings()
			executor := acquire.NewExecutor(a.cfg.NewSource(logger.ComponentLogger("source")), acquire.NewFileSink(), opts)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			p := &progress{w: out, total: len(jobs), quiet: quiet}
			started := time.Now()
			summary, runErr := executor.Run(ctx, jobs, dest, p.onEvent)

			log.Infow("Batch timings", logger.FieldProject, project, logger.FieldDuration, time.Since(started).Milliseconds(), "timings", opts.Timings.String())
			if err := renderSummary(out, summary); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if summary.Failed > 0 {
				return errors.Newf("%d of %d jobs failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	defFlags.register(cmd)
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print saved and failed windows")
	cmd.Flags().String("source", "", "Waveform source: waveserver or fdsn")
	cmd.Flags().Duration("timeout", 0, "Per-fetch timeout")
	cmd.Flags().Float64("rate-limit", 0, "Maximum fetches per second (0 = unlimited)")
	cmd.Flags().Int("workers", 1, "Windows fetched at once")
	return cmd
}

func newPlanCmd() *cobra.Command {
	var defFlags definitionFlags

	cmd := &cobra.Command{
		Use:   "plan DEFINITION",
		Short: "Validate a project definition and list the planned jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, jobs, err := defFlags.load(args[0])
			if err != nil {
				return err
			}
			return renderJobs(cmd.OutOrStdout(), jobs)
		},
	}
	defFlags.register(cmd)
	return cmd
}
