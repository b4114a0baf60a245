package fsck

import (
	"context"
	"fmt"
	"io"
	"time"

	"git.handmade.network/hmn/heapkeeper/src/jobs"
	"git.handmade.network/hmn/heapkeeper/src/logging"
	"git.handmade.network/hmn/heapkeeper/src/oops"
	"git.handmade.network/hmn/heapkeeper/src/store"
	"gopkg.in/yaml.v3"
)

func (r *Report) WriteText(w io.Writer) error {
	for i, check := range r.Checks {
		status := "ok"
		if !check.OK() {
			status = fmt.Sprintf("%d problem(s)", len(check.Problems))
		}
		if _, err := fmt.Fprintf(w, "Check %d: %s: %s\n", i+1, check.Name, status); err != nil {
			return err
		}
		for _, p := range check.Problems {
			if _, err := fmt.Fprintf(w, "  - %s\n", p.Description); err != nil {
				return err
			}
		}
	}

	summary := "Store checked, no errors found."
	if !r.Clean {
		summary = fmt.Sprintf("Store checked, %d of %d checks failed.", len(r.Failures()), len(r.Checks))
	}
	_, err := fmt.Fprintln(w, summary)
	return err
}

func (r *Report) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return oops.New(err, "failed to encode report")
	}
	return enc.Close()
}

/*
Checks the store every interval until the job is canceled, logging a warning
for each failed check. The first check runs right away.
*/
func RunPeriodically(parent context.Context, s store.Store, interval time.Duration) *jobs.Job {
	return jobs.Go(parent, "fsck", func(ctx context.Context) {
		logger := logging.ExtractLogger(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			report, err := Run(ctx, s)
			switch {
			case err != nil:
				logger.Error().Err(err).Msg("consistency check could not run")
			case report.Clean:
				logger.Info().Msg("consistency check found no problems")
			default:
				for _, failed := range report.Failures() {
					logger.Warn().
						Str("check", failed.Name).
						Int("problems", len(failed.Problems)).
						Msg("consistency check failed")
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	})
}
