package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/diamond-finder/internal/model"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the best available candidates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		ctx := cmd.Context()

		limit, _ := cmd.Flags().GetInt("limit")
		minScore, _ := cmd.Flags().GetFloat64("min-score")
		if !cmd.Flags().Changed("limit") {
			limit = cfg.Report.Limit
		}
		if !cmd.Flags().Changed("min-score") {
			minScore = cfg.Report.MinScore
		}
		if limit < 1 {
			return eris.Errorf("top: limit must be positive, got %d", limit)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		cands, err := st.Top(ctx, limit, minScore)
		if err != nil {
			return eris.Wrap(err, "top")
		}
		if len(cands) == 0 {
			fmt.Fprintf(os.Stderr, "No candidates scoring %.1f or more.\n", minScore)
			return nil
		}
		formatCandidates(os.Stdout, cands)
		return nil
	},
}

var recentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show candidates discovered in the last N days",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("report"); err != nil {
			return err
		}
		ctx := cmd.Context()

		days, _ := cmd.Flags().GetInt("days")
		if !cmd.Flags().Changed("days") {
			days = cfg.Report.RecentDays
		}
		if days < 1 {
			return eris.Errorf("recent: days must be positive, got %d", days)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since := model.DayCutoff(time.Now(), days)
		cands, err := st.Recent(ctx, since)
		if err != nil {
			return eris.Wrap(err, "recent")
		}
		if len(cands) == 0 {
			fmt.Fprintf(os.Stderr, "No candidates discovered since %s.\n", since.Format("2006-01-02"))
			return nil
		}
		formatCandidates(os.Stdout, cands)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-source performance ranked by effectiveness",
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

		perfs, err := st.ListPerformance(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		n, err := st.Count(ctx)
		if err != nil {
			return eris.Wrap(err, "stats")
		}

		if len(perfs) == 0 {
			fmt.Fprintln(os.Stderr, "No source has run yet.")
			return nil
		}
		model.RankByEffectiveness(perfs)
		fmt.Printf("%d candidates stored\n\n", n)
		formatStats(os.Stdout, perfs)
		return nil
	},
}

func init() {
	topCmd.Flags().Int("limit", 10, "maximum candidates to show (default from report.limit)")
	topCmd.Flags().Float64("min-score", 80, "minimum score (default from report.min_score)")
	recentCmd.Flags().Int("days", 1, "days back to include, counting today (default from report.recent_days)")

	rootCmd.AddCommand(topCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(statsCmd)
}
