package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/wearsense/internal/gattboard"
	"github.com/srg/wearsense/internal/groutine"
	"github.com/srg/wearsense/internal/simboard"
	"github.com/srg/wearsense/internal/transport/goble"
	"github.com/srg/wearsense/pkg/board"
	"github.com/srg/wearsense/pkg/config"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/known"
	"github.com/srg/wearsense/pkg/scanner"
	"github.com/srg/wearsense/pkg/session"
)

const simulatedSignalPeriod = 20 * time.Millisecond

// app is what one command invocation runs against.
type app struct {
	cfg         *config.Config
	logger      *logrus.Logger
	known       *known.Store
	scanner     *scanner.Scanner
	scanTimeout time.Duration
	// stderr takes progress output so stdout holds only results.
	stderr io.Writer

	closers []func()
}

// appFactory builds the app for a command; tests replace it to run
// commands against their own simulated boards.
var appFactory = newApp

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return nil, err
	}

	store, err := known.NewStore(known.NewFileStore(cfg.KnownDevicesPath), logger)
	if err != nil {
		return nil, err
	}
	opts := session.Options{
		StreamBuffer:  cfg.StreamBuffer,
		Notifications: cfg.DownloadNotifications,
		Strict:        cfg.StrictDecode,
		Known:         store,
	}

	a := &app{cfg: cfg, logger: logger, known: store, scanTimeout: cfg.ScanTimeout, stderr: cmd.ErrOrStderr()}
	if d, _ := cmd.Flags().GetDuration("scan-timeout"); d > 0 {
		a.scanTimeout = d
	}

	if simulate, _ := cmd.Flags().GetBool("simulate"); simulate {
		boards := demoBoards()
		ctx, cancel := context.WithCancel(context.Background())
		for _, b := range boards {
			groutine.Go(ctx, "simboard:"+b.LocalID, func(ctx context.Context) {
				b.Generate(ctx, simulatedSignalPeriod)
			})
		}
		a.closers = append(a.closers, cancel)
		a.scanner = scanner.New(simboard.NewTransport(boards...), func() board.Driver {
			return simboard.NewDriver()
		}, opts, logger)
	} else {
		tr := goble.New(goble.Options{
			ConnectTimeout:  cfg.ConnectTimeout,
			WritesPerSecond: cfg.WritesPerSecond,
		}, logger)
		a.scanner = scanner.New(tr, func() board.Driver { return gattboard.New(logger) }, opts, logger)
	}
	a.closers = append(a.closers, a.scanner.Close)
	return a, nil
}

// demoBoards are the boards --simulate advertises.
func demoBoards() []*simboard.Board {
	chest := simboard.New("sim-1", "Chest")

	wrist := simboard.New("sim-2", "Wrist")
	info := wrist.Info()
	info.MAC = "D4:1C:0A:33:8E:71"
	info.Model = device.ModelMetaMotionRL
	info.ModelNumber = "5"
	info.Serial = "5F11E2"
	wrist.WithInfo(info)
	wrist.WithModules(device.NewModules(
		device.ModuleAccelerometer, device.ModuleGyroscope, device.ModuleSwitch,
		device.ModuleLED, device.ModuleHaptic, device.ModuleSettings, device.ModuleLogging,
	))
	wrist.RSSI = -68
	return []*simboard.Board{chest, wrist}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// resolveID maps a known MAC or remembered name to the board's local id.
// Anything else is taken as a local id.
func (a *app) resolveID(ref string) string {
	if m, ok := a.known.LookupMAC(strings.ToUpper(ref)); ok && len(m.LocalIDs) > 0 {
		return m.LocalIDs[0]
	}
	for _, m := range a.known.Devices() {
		if m.Name != "" && strings.EqualFold(m.Name, ref) && len(m.LocalIDs) > 0 {
			return m.LocalIDs[0]
		}
	}
	return ref
}

// find scans until localID advertises or the scan timeout passes.
func (a *app) find(ctx context.Context, localID string) error {
	if _, ok := a.scanner.Device(localID); ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.scanTimeout)
	defer cancel()

	groutine.Go(ctx, "find:"+localID, func(ctx context.Context) {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, ok := a.scanner.Device(localID); ok {
					cancel()
					return
				}
			}
		}
	})

	a.logger.WithField("id", localID).Debug("Looking for device")
	if _, err := a.scanner.Scan(ctx, &scanner.ScanOptions{AllowList: []string{localID}}, nil); err != nil {
		return err
	}
	if _, ok := a.scanner.Device(localID); !ok {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, localID)
	}
	return nil
}

// connect finds the board named by ref and returns its connected session.
// The identity read on connect is merged into the known-devices store.
func (a *app) connect(ctx context.Context, ref string) (*session.Session, error) {
	localID := a.resolveID(ref)
	if err := a.find(ctx, localID); err != nil {
		return nil, err
	}
	sess, err := a.scanner.Session(localID)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, a.cfg.ConnectTimeout)
	defer cancel()
	progress := NewProgressPrinter(a.stderr, "Connecting to "+localID, "connecting", "connected")
	progress.Start()
	if err := sess.Connect(cctx); err != nil {
		progress.Stop()
		return nil, fmt.Errorf("connect %s: %w", localID, err)
	}
	progress.Callback()("connected")
	if _, err := sess.Refresh(); err != nil {
		a.logger.WithError(err).WithField("id", localID).Warn("Failed to remember device")
	}
	return sess, nil
}

// withApp builds the app, runs fn with a context cancelled by Ctrl+C and
// releases everything afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	a, err := appFactory(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	return fn(ctx, a)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
