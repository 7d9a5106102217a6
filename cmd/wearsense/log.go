package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/session"
	"github.com/srg/wearsense/pkg/signal"
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Manage on-board loggers",
	Long: `Record signals to the board's flash memory while disconnected.

Loggers survive disconnects; use 'download' to retrieve what they recorded.`,
}

var logStartCmd = &cobra.Command{
	Use:   "start <device> <signal>",
	Short: "Start logging a signal to flash",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogStart,
}

var logStopCmd = &cobra.Command{
	Use:   "stop <device> <key>",
	Short: "Stop a logger, leaving its data on the board",
	Args:  cobra.ExactArgs(2),
	RunE:  runLogStop,
}

var logListCmd = &cobra.Command{
	Use:   "list <device>",
	Short: "List loggers active on the board",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogList,
}

var logPauseCmd = &cobra.Command{
	Use:   "pause <device>",
	Short: "Pause recording without removing loggers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
			if err := sess.PauseLogging(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logging paused")
			return nil
		})
	},
}

var logResumeCmd = &cobra.Command{
	Use:   "resume <device>",
	Short: "Resume recording of every logger",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
			if err := sess.ResumeLogging(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logging resumed")
			return nil
		})
	},
}

var logSignal signalFlags

func init() {
	logSignal.register(logStartCmd.Flags())
	logCmd.AddCommand(logStartCmd, logStopCmd, logListCmd, logPauseCmd, logResumeCmd)
}

// onSession connects to ref and runs fn against the session.
func onSession(cmd *cobra.Command, ref string, fn func(ctx context.Context, sess *session.Session) error) error {
	return onSessionWithApp(cmd, ref, func(ctx context.Context, _ *app, sess *session.Session) error {
		return fn(ctx, sess)
	})
}

func runLogStart(cmd *cobra.Command, args []string) error {
	kind, err := parseSignal(args[1], signal.ModeLog)
	if err != nil {
		return err
	}
	return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
		h, err := sess.StartLogging(ctx, signal.Log(kind, logSignal.params()))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logging %s as '%s' (logger %d)\n", h.Descriptor, h.Key, h.ID)
		return nil
	})
}

func runLogStop(cmd *cobra.Command, args []string) error {
	return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
		if err := sess.StopLogging(ctx, args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stopped logger '%s'\n", args[1])
		return nil
	})
}

func runLogList(cmd *cobra.Command, args []string) error {
	return onSession(cmd, args[0], func(ctx context.Context, sess *session.Session) error {
		keys, err := sess.ListActiveLoggers(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(keys) == 0 {
			fmt.Fprintln(out, "No active loggers")
			return nil
		}
		for _, k := range keys {
			fmt.Fprintln(out, k)
		}
		return nil
	})
}
