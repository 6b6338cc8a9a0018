package main

import (
	"context"
	"fmt"
	"math"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/scorer"
	"github.com/sells-group/diamond-finder/internal/store"
)

// rescoreTolerance is the smallest score change written back.
const rescoreTolerance = 0.1

var (
	rescoreDryRun         bool
	rescoreAllowDowngrade bool
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Recompute every stored score with the current scoring tables",
	Long:  "Raises the stored score and breakdown of candidates whose recomputed score is more than 0.1 higher. Lower scores are reported and left alone unless --allow-downgrade is set.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		engine, err := initEngine()
		if err != nil {
			return err
		}

		res, err := rescoreAll(ctx, st, engine, rescoreOptions{
			dryRun:         rescoreDryRun,
			allowDowngrade: rescoreAllowDowngrade,
		})
		if err != nil {
			return err
		}
		verb := "updated"
		if rescoreDryRun {
			verb = "would update"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checked %d candidates, %s %d, kept %d higher stored scores\n",
			res.checked, verb, res.changed, res.kept)
		return nil
	},
}

type rescoreOptions struct {
	dryRun         bool
	allowDowngrade bool
}

type rescoreResult struct {
	checked int
	changed int
	// kept counts candidates whose recomputed score was lower and was not written.
	kept int
}

func rescoreAll(ctx context.Context, st store.CandidateStore, engine *scorer.Engine, opts rescoreOptions) (rescoreResult, error) {
	var res rescoreResult

	cands, err := st.All(ctx)
	if err != nil {
		return res, eris.Wrap(err, "rescore: load candidates")
	}

	for _, c := range cands {
		res.checked++
		score, bd := engine.Score(c)
		if math.Abs(score-c.Score) <= rescoreTolerance {
			continue
		}
		if score < c.Score && !opts.allowDowngrade {
			res.kept++
			continue
		}
		zap.L().Debug("rescore: score changed",
			zap.String("id", c.ID()),
			zap.Float64("old", c.Score),
			zap.Float64("new", score),
		)
		res.changed++
		if opts.dryRun {
			continue
		}
		if err := st.SetScore(ctx, c.ID(), score, bd); err != nil {
			return res, eris.Wrapf(err, "rescore: %s", c.ID())
		}
	}
	return res, nil
}

func init() {
	rescoreCmd.Flags().BoolVar(&rescoreDryRun, "dry-run", false, "report changes without writing them")
	rescoreCmd.Flags().BoolVar(&rescoreAllowDowngrade, "allow-downgrade", false, "also write recomputed scores lower than the stored ones")
	rootCmd.AddCommand(rescoreCmd)
}
