package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Enable or disable a source",
	Long:  "Inactive sources are skipped by run until enabled again. Their counters are kept.",
}

var strategyEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Mark a source active",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStrategyActive(cmd, args[0], true)
	},
}

var strategyDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Mark a source inactive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setStrategyActive(cmd, args[0], false)
	},
}

func setStrategyActive(cmd *cobra.Command, name string, active bool) error {
	if err := cfg.Validate("report"); err != nil {
		return err
	}
	ctx := cmd.Context()

	st, err := initStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	if err := st.SetActive(ctx, name, active); err != nil {
		return eris.Wrapf(err, "strategy: set %s active=%t", name, active)
	}
	zap.L().Info("strategy updated", zap.String("source", name), zap.Bool("active", active))

	state := "enabled"
	if !active {
		state = "disabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", name, state)
	return nil
}

func init() {
	strategyCmd.AddCommand(strategyEnableCmd)
	strategyCmd.AddCommand(strategyDisableCmd)
	rootCmd.AddCommand(strategyCmd)
}
