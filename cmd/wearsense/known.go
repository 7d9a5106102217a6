package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/known"
)

var knownCmd = &cobra.Command{
	Use:   "known",
	Short: "Manage remembered boards and groups",
	Long: `Boards are remembered by MAC address the first time a command connects
to them. Remembered boards can be addressed by name in every command.`,
}

var knownListCmd = &cobra.Command{
	Use:   "list",
	Short: "List remembered boards",
	Args:  cobra.NoArgs,
	RunE:  runKnownList,
}

var knownForgetCmd = &cobra.Command{
	Use:   "forget <board>",
	Short: "Forget a board and drop it from every group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnown(cmd, func(a *app) error {
			mac, err := a.knownMAC(args[0])
			if err != nil {
				return err
			}
			if err := a.known.Forget(mac); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", mac)
			return nil
		})
	},
}

var knownRenameCmd = &cobra.Command{
	Use:   "rename <board> <name>",
	Short: "Set the name a board is remembered by",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnown(cmd, func(a *app) error {
			mac, err := a.knownMAC(args[0])
			if err != nil {
				return err
			}
			return a.known.Rename(mac, args[1])
		})
	},
}

var knownGroupCmd = &cobra.Command{
	Use:   "group",
	Short: "Manage groups of remembered boards",
}

var knownGroupCreateCmd = &cobra.Command{
	Use:   "create <name> <board>...",
	Short: "Create a group",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnown(cmd, func(a *app) error {
			macs := make([]string, 0, len(args)-1)
			for _, ref := range args[1:] {
				mac, err := a.knownMAC(ref)
				if err != nil {
					return err
				}
				macs = append(macs, mac)
			}
			g, err := a.known.CreateGroup(args[0], macs...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created group %s (%s)\n", g.Name, g.ID)
			return nil
		})
	},
}

var knownGroupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withKnown(cmd, func(a *app) error {
			return displayGroups(cmd.OutOrStdout(), a.known.Groups())
		})
	},
}

var knownGroupDeleteCmd = &cobra.Command{
	Use:   "delete <group>",
	Short: "Delete a group by id or name",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withKnown(cmd, func(a *app) error {
			g, err := a.knownGroup(args[0])
			if err != nil {
				return err
			}
			return a.known.DeleteGroup(g.ID)
		})
	},
}

var knownFormat string

func init() {
	knownListCmd.Flags().StringVarP(&knownFormat, "format", "f", "table", "Output format (table, json)")

	knownGroupCmd.AddCommand(knownGroupCreateCmd, knownGroupListCmd, knownGroupDeleteCmd)
	knownCmd.AddCommand(knownListCmd, knownForgetCmd, knownRenameCmd, knownGroupCmd)
}

// withKnown runs fn for commands that only touch the known-devices store.
func withKnown(cmd *cobra.Command, fn func(a *app) error) error {
	return withApp(cmd, func(_ context.Context, a *app) error { return fn(a) })
}

// knownMAC resolves a MAC, remembered name or local id to the record key.
func (a *app) knownMAC(ref string) (string, error) {
	if m, ok := a.known.LookupMAC(ref); ok {
		return m.MAC, nil
	}
	if m, ok := a.known.LookupMAC(strings.ToUpper(ref)); ok {
		return m.MAC, nil
	}
	if m, ok := a.known.Lookup(ref); ok {
		return m.MAC, nil
	}
	for _, m := range a.known.Devices() {
		if m.Name != "" && strings.EqualFold(m.Name, ref) {
			return m.MAC, nil
		}
	}
	return "", fmt.Errorf("%w: %s", known.ErrUnknownDevice, ref)
}

func (a *app) knownGroup(ref string) (known.Group, error) {
	if id, err := uuid.Parse(ref); err == nil {
		if g, ok := a.known.Group(id); ok {
			return g, nil
		}
	}
	for _, g := range a.known.Groups() {
		if strings.EqualFold(g.Name, ref) {
			return g, nil
		}
	}
	return known.Group{}, fmt.Errorf("%w: %s", known.ErrUnknownGroup, ref)
}

func runKnownList(cmd *cobra.Command, _ []string) error {
	if knownFormat != "table" && knownFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", knownFormat)
	}
	return withKnown(cmd, func(a *app) error {
		devices := a.known.Devices()
		out := cmd.OutOrStdout()
		if knownFormat == "json" {
			if devices == nil {
				devices = []known.Metadata{}
			}
			return writeJSON(out, devices)
		}
		if len(devices) == 0 {
			fmt.Fprintln(out, "No remembered boards")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, heading(out, "MAC\tNAME\tMODEL\tSERIAL\tFIRMWARE\tLOCAL IDS"))
		for _, m := range devices {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", m.MAC, orDash(m.Name), m.Model,
				orDash(m.Serial), orDash(m.Firmware), orDash(strings.Join(m.LocalIDs, ",")))
		}
		return w.Flush()
	})
}

func displayGroups(out io.Writer, groups []known.Group) error {
	if len(groups) == 0 {
		fmt.Fprintln(out, "No groups")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, heading(out, "ID\tNAME\tBOARDS"))
	for _, g := range groups {
		fmt.Fprintf(w, "%s\t%s\t%s\n", g.ID, g.Name, orDash(strings.Join(g.MACs, ",")))
	}
	return w.Flush()
}
