package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/signal"
	"github.com/srg/wearsense/pkg/stream"
)

var streamCmd = &cobra.Command{
	Use:   "stream <device> <signal>",
	Short: "Stream a sensor signal",
	Long: `Stream live samples of a signal until the duration passes or Ctrl+C.

Examples:
  wearsense stream sim-1 acceleration --rate 50 --range 4
  wearsense stream Chest quaternion --fusion ndof --format json`,
	Args: cobra.ExactArgs(2),
	RunE: runStream,
}

var (
	streamDuration time.Duration
	streamFormat   string
	streamBatch    time.Duration
	streamBuffer   uint32
	streamSignal   signalFlags
)

func init() {
	streamCmd.Flags().DurationVarP(&streamDuration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
	streamCmd.Flags().StringVarP(&streamFormat, "format", "f", "text", "Output format (text, json)")
	streamCmd.Flags().DurationVar(&streamBatch, "batch", 100*time.Millisecond, "How often buffered samples are printed")
	streamCmd.Flags().Uint32Var(&streamBuffer, "buffer", 4096, "Samples kept between prints; older ones are dropped")
	streamSignal.register(streamCmd.Flags())
}

func runStream(cmd *cobra.Command, args []string) error {
	kind, err := parseSignal(args[1], signal.ModeStream)
	if err != nil {
		return err
	}
	w, err := newSampleWriter(cmd.OutOrStdout(), streamFormat, kind.String())
	if err != nil {
		return err
	}
	if streamBatch <= 0 {
		return fmt.Errorf("--batch must be positive")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		sess, err := a.connect(ctx, args[0])
		if err != nil {
			return err
		}
		if streamDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, streamDuration)
			defer cancel()
		}

		sub, err := sess.Stream(ctx, signal.Stream(kind, streamSignal.params()))
		if err != nil {
			return err
		}
		defer sub.Close()

		collector, err := stream.NewCollector(sub, streamBuffer, func(err error) {
			a.logger.WithError(err).Error("Sample collection failed")
		})
		if err != nil {
			return err
		}
		if err := collector.Start(); err != nil {
			return err
		}

		flush := func() error {
			samples, err := collector.Drain()
			for _, s := range samples {
				if werr := w.write(s); werr != nil {
					return werr
				}
			}
			return err
		}

		ticker := time.NewTicker(streamBatch)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := flush(); err != nil {
					return err
				}
			case <-collector.Done():
				// subscription ended under us
				if err := flush(); err != nil {
					return err
				}
				return streamEnded(sub.Err())
			case <-ctx.Done():
				if err := collector.Stop(time.Second); err != nil {
					a.logger.WithError(err).Warn("Collector stop timed out")
				}
				if err := flush(); err != nil {
					return err
				}
				logDropped(a, sub.Dropped(), collector.Metrics())
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return nil
				}
				return ctx.Err()
			}
		}
	})
}

// streamEnded maps the reason a subscription closed to a command result.
func streamEnded(err error) error {
	switch {
	case err == nil, errors.Is(err, stream.ErrStopped):
		return nil
	case errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, err)
}

func logDropped(a *app, dropped int64, m stream.CollectorMetrics) {
	if dropped == 0 && m.Overwritten == 0 {
		return
	}
	a.logger.WithField("subscription_dropped", dropped).
		WithField("collector_overwritten", m.Overwritten).
		WithField("collected", m.Collected).
		Warn("Samples were dropped; consider a smaller --batch or a larger --buffer")
}
