package fsck

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/cli"
	"git.handmade.network/hmn/heapkeeper/src/config"
	"git.handmade.network/hmn/heapkeeper/src/jobs"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"github.com/spf13/cobra"
)

var errUnclean = errors.New("store has consistency problems")

func init() {
	var (
		format string
		every  time.Duration
		watch  bool
	)
	fsckCommand := &cobra.Command{
		Use:   "fsck",
		Short: "Check the store for consistency problems",
		Long: `Runs every consistency check once and prints a report, exiting with an
error if any check failed. With --watch it keeps running, checking every
fsck.interval from the config file (or --every), and logs failed checks
instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cli.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			s, pool, err := cli.OpenStore(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			interval := every
			if watch && interval == 0 {
				interval = config.Config.Fsck.Interval
			}
			if interval > 0 {
				job := RunPeriodically(ctx, s, interval)
				<-ctx.Done()
				logging.ExtractLogger(ctx).Info().Msg("shutting down checker")
				if unfinished := (jobs.Jobs{job}).CancelAndWait(10 * time.Second); len(unfinished) > 0 {
					return oops.New(nil, "jobs did not finish: %v", unfinished)
				}
				return nil
			}

			report, err := Run(ctx, s)
			if err != nil {
				return err
			}
			if err := WriteReport(os.Stdout, report, format); err != nil {
				return err
			}
			if !report.Clean {
				return errUnclean
			}
			return nil
		},
	}
	fsckCommand.Flags().StringVar(&format, "format", "text", "Report format: text or yaml")
	fsckCommand.Flags().DurationVar(&every, "every", 0, "Keep checking at this interval")
	fsckCommand.Flags().BoolVar(&watch, "watch", false, "Keep checking at the configured interval")
	cli.RootCommand.AddCommand(fsckCommand)
}

func WriteReport(w io.Writer, r *Report, format string) error {
	switch format {
	case "text":
		return r.WriteText(w)
	case "yaml":
		return r.WriteYAML(w)
	}
	return oops.New(oops.ErrValidation, "unknown report format %q", format)
}
