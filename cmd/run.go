package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/aggregator"
	"github.com/sells-group/diamond-finder/internal/resilience"
	"github.com/sells-group/diamond-finder/internal/source"
)

var (
	runSources  []string
	runInterval time.Duration
	runShow     int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured sources and store the merged, scored candidates",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("run"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg, err := source.FromConfig(cfg.Sources)
		if err != nil {
			return err
		}
		sources, err := reg.Select(runSources)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			return eris.New("run: no enabled sources configured")
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, err := initEngine()
		if err != nil {
			return err
		}

		agg := aggregator.New(engine, st, st, aggregator.Options{
			Concurrency:           cfg.Aggregator.Concurrency,
			Retry:                 resilience.FromRetryConfig(cfg.Aggregator.PersistRetries, cfg.Aggregator.PersistBackoffMs),
			NearDuplicateDistance: cfg.Aggregator.NearDuplicateDistance,
			Breakers: resilience.NewBreakers(resilience.FromCircuitConfig(
				cfg.Aggregator.SourceFailureThreshold, cfg.Aggregator.SourceResetSecs)),
			Registerer: prometheus.DefaultRegisterer,
		})

		return runLoop(ctx, runInterval, func(ctx context.Context) error {
			result, err := agg.Run(ctx, sources)
			if err != nil {
				return err
			}
			formatRunResult(os.Stdout, result, runShow)
			return nil
		})
	},
}

// runLoop calls fn once, or every interval until ctx ends when interval > 0.
// A cancelled context ends the loop without error.
func runLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		if ctx.Err() != nil && interval > 0 {
			return nil
		}
		return err
	}
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("run: stopping", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func formatRunResult(out io.Writer, r *aggregator.RunResult, show int) {
	_, _ = fmt.Fprintf(out, "Run %s: %d candidates in %s\n",
		truncateID(r.RunID), len(r.Candidates), r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SOURCE\tSTATUS\tRAW\t80+\t90+\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "------\t------\t---\t---\t---\t--------\t-----")
	for _, s := range r.Sources {
		errMsg := ""
		if s.Err != nil {
			errMsg = truncate(s.Err.Error(), 60)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Name, s.Status, s.Raw, s.Outcome.Hits80, s.Outcome.Hits90,
			s.Duration.Round(time.Millisecond), errMsg)
	}
	_ = w.Flush()

	if r.PersistErrors > 0 || r.TrackErrors > 0 {
		_, _ = fmt.Fprintf(out, "Write failures: %d candidates, %d source records\n", r.PersistErrors, r.TrackErrors)
	}
	for _, nd := range r.NearDuplicates {
		_, _ = fmt.Fprintf(out, "Possible duplicate: %s\n", nd)
	}

	if show > 0 && len(r.Candidates) > 0 {
		_, _ = fmt.Fprintln(out)
		top := r.Candidates
		if len(top) > show {
			top = top[:show]
		}
		formatCandidates(out, top)
	}
}

func init() {
	runCmd.Flags().StringSliceVar(&runSources, "source", nil, "run only these sources (repeatable)")
	runCmd.Flags().DurationVar(&runInterval, "interval", 0, "repeat the run on this interval until interrupted")
	runCmd.Flags().IntVar(&runShow, "show", 10, "number of top candidates to print after each run")
	rootCmd.AddCommand(runCmd)
}
