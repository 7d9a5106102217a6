package main

import (
	"bytes"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/wearsense/internal/testutils"
	"github.com/srg/wearsense/pkg/config"
)

// CommandTestSuite runs commands against the simulated boards of
// testutils.SimulatedBoardSuite. All cmd/wearsense suites embed it.
type CommandTestSuite struct {
	testutils.SimulatedBoardSuite

	originalFactory func(*cobra.Command) (*app, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.SimulatedBoardSuite.SetupTest()

	s.originalFactory = appFactory
	appFactory = func(cmd *cobra.Command) (*app, error) {
		cfg := config.DefaultConfig()
		cfg.ScanTimeout = time.Second
		cfg.ConnectTimeout = 2 * time.Second
		cfg.DownloadTimeout = 5 * time.Second
		// the suite owns the scanner; nothing to close per command
		a := &app{
			cfg:         cfg,
			logger:      s.Logger,
			known:       s.Known,
			scanner:     s.Scanner,
			scanTimeout: cfg.ScanTimeout,
			stderr:      cmd.ErrOrStderr(),
		}
		if d, _ := cmd.Flags().GetDuration("scan-timeout"); d > 0 {
			a.scanTimeout = d
		}
		return a, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	appFactory = s.originalFactory
	s.SimulatedBoardSuite.TearDownTest()
}

// ExecuteCommand runs the root command with args, returns output and error.
// Flags start from their defaults on every call.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	resetFlags(rootCmd)
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	return buf.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default,
// so values set by one test do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
