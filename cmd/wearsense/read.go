package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/signal"
)

var readCmd = &cobra.Command{
	Use:   "read <device> <signal>",
	Short: "Read a signal once or poll it",
	Long: `Read the current value of a signal.

With --watch the signal is polled at the given interval until --count
samples were printed or Ctrl+C.

Examples:
  wearsense read sim-1 battery
  wearsense read Chest temperature --watch 1s --count 10`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readWatch  time.Duration
	readCount  int
	readFormat string
)

func init() {
	readCmd.Flags().DurationVarP(&readWatch, "watch", "w", 0, "Poll at this interval instead of reading once")
	readCmd.Flags().IntVarP(&readCount, "count", "n", 0, "Stop polling after this many samples (0 until Ctrl+C)")
	readCmd.Flags().StringVarP(&readFormat, "format", "f", "text", "Output format (text, json)")
}

func runRead(cmd *cobra.Command, args []string) error {
	mode := signal.ModeReadOnce
	if readWatch > 0 {
		mode = signal.ModePoll
	}
	kind, err := parseSignal(args[1], mode)
	if err != nil {
		return err
	}
	w, err := newSampleWriter(cmd.OutOrStdout(), readFormat, kind.String())
	if err != nil {
		return err
	}
	if readCount < 0 {
		return fmt.Errorf("--count must not be negative")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		sess, err := a.connect(ctx, args[0])
		if err != nil {
			return err
		}

		if readWatch == 0 {
			sample, err := sess.ReadOnce(ctx, signal.Read(kind))
			if err != nil {
				return err
			}
			return w.write(sample)
		}

		sub, err := sess.Poll(ctx, signal.Poll(kind, signal.Params{}), readWatch)
		if err != nil {
			return err
		}
		defer sub.Close()

		printed := 0
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case s, ok := <-sub.C():
				if !ok {
					return streamEnded(sub.Err())
				}
				if err := w.write(s); err != nil {
					return err
				}
				printed++
				if readCount > 0 && printed >= readCount {
					return nil
				}
			}
		}
	})
}
