package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/session"
)

var ledColors = []string{"red", "green", "blue"}

var ledCmd = &cobra.Command{
	Use:   "led <device>",
	Short: "Flash or turn off the LED",
	Args:  cobra.ExactArgs(1),
	RunE:  runLED,
}

var buzzCmd = &cobra.Command{
	Use:   "buzz <device>",
	Short: "Pulse the buzzer or vibration motor",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuzz,
}

var renameCmd = &cobra.Command{
	Use:   "rename <device> <name>",
	Short: "Change the name a board advertises",
	Args:  cobra.ExactArgs(2),
	RunE:  runRename,
}

var (
	ledColor  string
	ledRepeat int
	ledOff    bool

	buzzDuration time.Duration
	buzzMotor    bool
	buzzStrength float64
)

func init() {
	ledCmd.Flags().StringVarP(&ledColor, "color", "c", "green", "LED color (red, green, blue)")
	ledCmd.Flags().IntVarP(&ledRepeat, "repeat", "r", 3, "Number of flashes")
	ledCmd.Flags().BoolVar(&ledOff, "off", false, "Turn the LED off")

	buzzCmd.Flags().DurationVarP(&buzzDuration, "duration", "d", 500*time.Millisecond, "Pulse length")
	buzzCmd.Flags().BoolVar(&buzzMotor, "motor", false, "Use the vibration motor instead of the buzzer")
	buzzCmd.Flags().Float64Var(&buzzStrength, "strength", 100, "Motor strength in percent")

	rootCmd.AddCommand(renameCmd)
}

func runLED(cmd *cobra.Command, args []string) error {
	c := board.Command{Kind: board.CommandLEDOff}
	if !ledOff {
		if !slices.Contains(ledColors, ledColor) {
			return fmt.Errorf("invalid color '%s': must be one of %v", ledColor, ledColors)
		}
		if ledRepeat < 1 {
			return fmt.Errorf("--repeat must be at least 1")
		}
		c = board.Command{Kind: board.CommandLEDFlash, Color: ledColor, Repeat: ledRepeat}
	}
	return sendCommand(cmd, args[0], c)
}

func runBuzz(cmd *cobra.Command, args []string) error {
	if buzzDuration <= 0 {
		return fmt.Errorf("--duration must be positive")
	}
	c := board.Command{Kind: board.CommandBuzzer, Duration: buzzDuration}
	if buzzMotor {
		if buzzStrength <= 0 || buzzStrength > 100 {
			return fmt.Errorf("--strength must be in (0, 100]")
		}
		c = board.Command{Kind: board.CommandHaptic, Duration: buzzDuration, Strength: buzzStrength}
	}
	return sendCommand(cmd, args[0], c)
}

func runRename(cmd *cobra.Command, args []string) error {
	if args[1] == "" || len(args[1]) > 26 {
		return fmt.Errorf("name must be 1 to 26 characters")
	}
	return sendCommand(cmd, args[0], board.Command{Kind: board.CommandRename, Name: args[1]})
}

func sendCommand(cmd *cobra.Command, ref string, c board.Command) error {
	return onSession(cmd, ref, func(ctx context.Context, sess *session.Session) error {
		if err := sess.Command(ctx, c); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "OK")
		return nil
	})
}
