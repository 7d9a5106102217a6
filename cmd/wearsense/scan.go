package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/scanner"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for sensor boards",
	Long: `Scan for and display sensor boards in the vicinity.

Boards seen before are shown with the MAC address, model and name
remembered from earlier connections.`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanWatch     bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 5*time.Second, "Scan duration (0 for indefinite with --watch)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show boards with these local ids")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide boards with these local ids")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print boards as they are discovered")
}

// scanEntry is one row of scan output.
type scanEntry struct {
	LocalID string `json:"local_id"`
	Name    string `json:"name"`
	RSSI    int    `json:"rssi"`
	MAC     string `json:"mac,omitempty"`
	Model   string `json:"model,omitempty"`
	Known   bool   `json:"known"`
}

func runScan(cmd *cobra.Command, _ []string) error {
	if !slices.Contains([]string{"table", "json"}, scanFormat) {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	if scanDuration == 0 && !scanWatch {
		return fmt.Errorf("--duration 0 requires --watch")
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		opts := &scanner.ScanOptions{
			Duration:     scanDuration,
			ServiceUUIDs: scanServices,
			AllowList:    scanAllowList,
			BlockList:    scanBlockList,
		}
		out := cmd.OutOrStdout()
		if scanWatch {
			return runWatchScan(ctx, a, opts, out)
		}

		progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for boards", "Scanning", scanDuration, "Processing results")
		progress.Start()
		ids, err := a.scanner.Scan(ctx, opts, progress.Callback())
		progress.Stop()
		if err != nil {
			return err
		}

		entries := make([]scanEntry, 0, len(ids))
		for _, id := range ids {
			if d, ok := a.scanner.Device(id.LocalID); ok {
				entries = append(entries, a.scanEntry(id, d.RSSI()))
			}
		}
		if scanFormat == "json" {
			return writeJSON(out, entries)
		}
		return displayScanTable(out, entries)
	})
}

// runWatchScan prints boards as they appear until the scan ends or Ctrl+C.
func runWatchScan(ctx context.Context, a *app, opts *scanner.ScanOptions, out io.Writer) error {
	scanErr := make(chan error, 1)
	go func() {
		_, err := a.scanner.Scan(ctx, opts, nil)
		scanErr <- err
	}()

	enc := json.NewEncoder(out)
	for {
		select {
		case err := <-scanErr:
			return err
		case ev := <-a.scanner.Events():
			if ev.Type != scanner.EventNew {
				continue
			}
			e := a.scanEntry(ev.Identity, ev.RSSI)
			if scanFormat == "json" {
				if err := enc.Encode(e); err != nil {
					return err
				}
				continue
			}
			fmt.Fprintf(out, "%s\t%s\t%d dBm\t%s\n", e.LocalID, e.Name, e.RSSI, orDash(e.MAC))
		}
	}
}

func (a *app) scanEntry(id device.Identity, rssi int) scanEntry {
	e := scanEntry{LocalID: id.LocalID, Name: id.Name, RSSI: rssi}
	if id.HasMAC() {
		e.MAC = id.MAC
		e.Model = id.Model.String()
	}
	if m, ok := a.known.Lookup(id.LocalID); ok {
		e.Known = true
		if m.HasMAC() {
			e.MAC = m.MAC
		}
		if m.Model != device.ModelUnknown {
			e.Model = m.Model.String()
		}
		if m.Name != "" {
			e.Name = m.Name
		}
	}
	return e
}

func displayScanTable(out io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No boards discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, heading(out, "ID\tNAME\tRSSI\tMAC\tMODEL"))
	for _, e := range entries {
		name := e.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\t%s\n", e.LocalID, name, e.RSSI, orDash(e.MAC), orDash(e.Model))
	}
	return w.Flush()
}

// heading is bold on a terminal and plain otherwise.
func heading(out io.Writer, s string) string {
	c := color.New(color.Bold)
	if isTerminal(out) {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprint(s)
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
