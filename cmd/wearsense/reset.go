package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/session"
)

var resetCmd = &cobra.Command{
	Use:   "reset <device>",
	Short: "Power down sensors, or reset the board to factory defaults",
	Long: `Without flags, stop every sensor and pause logging; loggers and
their data stay on the board.

With --factory, remove every logger, erase logged data and automation,
reset the board and disconnect.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var resetFactory bool

func init() {
	resetCmd.Flags().BoolVar(&resetFactory, "factory", false, "Erase loggers, data and automation, then reset")
}

func runReset(cmd *cobra.Command, args []string) error {
	return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
		out := cmd.OutOrStdout()
		if !resetFactory {
			if err := sess.PowerDownSensors(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "Sensors powered down")
			return nil
		}
		if err := sess.ResetToFactoryDefaults(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Board reset to factory defaults")
		return nil
	})
}
