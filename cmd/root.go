package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sells-group/diamond-finder/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "diamond-finder",
	Short: "Find exceptional apartments across many listing sources",
	Long: `Runs discovery sources, merges their candidates by address and unit, scores each
unit on quality-of-life evidence, and keeps the best-known record per unit.

Settings come from ./config.yaml, then .env, then DIAMOND_* environment variables
(DIAMOND_STORE_DATABASE_URL, DIAMOND_LOG_LEVEL, ...). --log-level and --log-format
override the log section for a single invocation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyLogFlags(cmd.Flags(), &c.Log)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store_driver", cfg.Store.Driver),
			zap.Int("sources", len(cfg.Sources)),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

// applyLogFlags copies explicitly set logging flags over the loaded config.
func applyLogFlags(flags *pflag.FlagSet, lc *config.LogConfig) {
	if f := flags.Lookup("log-level"); f != nil && f.Changed {
		lc.Level = f.Value.String()
	}
	if f := flags.Lookup("log-format"); f != nil && f.Changed {
		lc.Format = f.Value.String()
	}
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: json or console")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
