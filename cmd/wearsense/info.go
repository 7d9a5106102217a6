package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/device"
	"github.com/srg/wearsense/pkg/record"
	"github.com/srg/wearsense/pkg/session"
	"github.com/srg/wearsense/pkg/signal"
)

var infoCmd = &cobra.Command{
	Use:   "info <device>",
	Short: "Show board identity, modules and battery state",
	Long: `Connect to a board and show what it reports about itself.

<device> is a local id from 'scan', a remembered MAC address or a
remembered name.`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

var infoFormat string

func init() {
	infoCmd.Flags().StringVarP(&infoFormat, "format", "f", "text", "Output format (text, json)")
}

type infoReport struct {
	LocalID  string   `json:"local_id"`
	Name     string   `json:"name"`
	MAC      string   `json:"mac"`
	Model    string   `json:"model"`
	Serial   string   `json:"serial,omitempty"`
	Firmware string   `json:"firmware,omitempty"`
	Modules  []string `json:"modules"`
	RSSI     *int     `json:"rssi,omitempty"`
	Battery  *uint8   `json:"battery_percent,omitempty"`
	Voltage  *uint16  `json:"battery_mv,omitempty"`
	Loggers  []string `json:"loggers"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	if infoFormat != "text" && infoFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [text json]", infoFormat)
	}

	return withApp(cmd, func(ctx context.Context, a *app) error {
		sess, err := a.connect(ctx, args[0])
		if err != nil {
			return err
		}
		report, err := collectInfo(ctx, a, sess)
		if err != nil {
			return err
		}
		if infoFormat == "json" {
			return writeJSON(cmd.OutOrStdout(), report)
		}
		printInfo(cmd.OutOrStdout(), report)
		return nil
	})
}

// collectInfo gathers the report; optional parts the board cannot provide
// are left out rather than failing the command.
func collectInfo(ctx context.Context, a *app, sess *session.Session) (infoReport, error) {
	id := sess.Identity()
	m, err := sess.Refresh()
	if err != nil {
		return infoReport{}, err
	}

	r := infoReport{
		LocalID:  id.LocalID,
		Name:     id.Name,
		MAC:      m.MAC,
		Model:    id.Model.String(),
		Serial:   id.Serial,
		Firmware: m.Firmware,
		Loggers:  []string{},
	}
	for _, mod := range sess.Modules().Sorted() {
		r.Modules = append(r.Modules, string(mod))
	}

	if rssi, err := sess.RSSI(ctx); err == nil {
		r.RSSI = &rssi
	} else {
		a.logger.WithError(err).Debug("RSSI unavailable")
	}

	sample, err := sess.ReadOnce(ctx, signal.Read(signal.KindBattery))
	switch {
	case err == nil:
		if b, ok := sample.Value.(record.BatteryState); ok {
			r.Battery, r.Voltage = &b.Charge, &b.Voltage
		}
	case errors.Is(err, device.ErrCapability):
		a.logger.WithError(err).Debug("Battery unavailable")
	default:
		return infoReport{}, err
	}

	loggers, err := sess.ListActiveLoggers(ctx)
	switch {
	case err == nil:
		r.Loggers = append(r.Loggers, loggers...)
	case errors.Is(err, device.ErrCapability):
	default:
		return infoReport{}, err
	}
	return r, nil
}

func printInfo(out io.Writer, r infoReport) {
	fmt.Fprintln(out, heading(out, fmt.Sprintf("%s (%s)", orDash(r.Name), r.LocalID)))
	fmt.Fprintf(out, "  MAC:      %s\n", r.MAC)
	fmt.Fprintf(out, "  Model:    %s\n", r.Model)
	fmt.Fprintf(out, "  Serial:   %s\n", orDash(r.Serial))
	fmt.Fprintf(out, "  Firmware: %s\n", orDash(r.Firmware))
	if r.RSSI != nil {
		fmt.Fprintf(out, "  RSSI:     %d dBm\n", *r.RSSI)
	}
	if r.Battery != nil {
		fmt.Fprintf(out, "  Battery:  %d%% (%d mV)\n", *r.Battery, *r.Voltage)
	}
	fmt.Fprintf(out, "  Modules:  %s\n", orDash(strings.Join(r.Modules, ", ")))
	fmt.Fprintf(out, "  Loggers:  %s\n", orDash(strings.Join(r.Loggers, ", ")))
}
