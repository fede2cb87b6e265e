// Copyright 2026 The VDO Authors
// This file is part of the vdo library.
//
// The vdo library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The vdo library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the vdo library. If not, see <http://www.gnu.org/licenses/>.

// vdoadmin is a one-shot wrapper around internal/device's admin
// interface (spec.md §6): each invocation opens a device directory,
// performs exactly one admin operation, and closes it again. There is
// no resident daemon here -- spec.md's Non-goals exclude the real
// device-mapper/sysfs glue a host would use to keep a device open across
// invocations, so this tool models the admin surface itself rather than
// that plumbing.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/dm-vdo/vdo/internal/device"
	"github.com/dm-vdo/vdo/internal/vdo"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:     "data-dir",
		Aliases:  []string{"d"},
		Usage:    "device data directory (block map, journal, lock file)",
		Required: true,
	}
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file; defaults are used for anything unset",
	}
	knownDevicesFlag = &cli.StringFlag{
		Name:  "known-devices-db",
		Usage: "path to the leveldb store of data directories this host has opened before",
		Value: defaultKnownDevicesPath(),
	}
)

func defaultKnownDevicesPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".vdoadmin", "known-devices")
}

func main() {
	app := &cli.App{
		Name:  "vdoadmin",
		Usage: "administer a vdo device's admin interface: suspend, resume, grow, toggle features, report stats",
		Flags: []cli.Flag{knownDevicesFlag},
		Commands: []*cli.Command{
			suspendCommand,
			resumeCommand,
			growLogicalCommand,
			growPhysicalCommand,
			setCompressionCommand,
			setDedupeCommand,
			statsCommand,
			listCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// withDevice opens the device named by --data-dir/--config, records it
// in the known-devices store, runs fn, and always closes the device
// afterward even if fn fails.
func withDevice(c *cli.Context, fn func(d *device.Device) error) error {
	dataDir := c.String(dataDirFlag.Name)
	cfg := vdo.DefaultConfig()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		cfg, err = vdo.LoadConfig(path)
		if err != nil {
			return err
		}
	}

	if kd, err := openKnownDevices(c.String(knownDevicesFlag.Name)); err == nil {
		_ = kd.touch(dataDir)
		_ = kd.Close()
	}

	d, err := device.Open(dataDir, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	return fn(d)
}

var suspendCommand = &cli.Command{
	Name:  "suspend",
	Usage: "quiesce the device: drain in-flight requests, flush the packer, close durable collaborators",
	Flags: []cli.Flag{dataDirFlag, configFlag,
		&cli.BoolFlag{Name: "save", Usage: "hint that the caller intends a durable save point (accepted for interface symmetry)"},
		&cli.DurationFlag{Name: "timeout", Value: 30 * time.Second, Usage: "how long to wait for in-flight requests to drain"},
	},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(d *device.Device) error {
			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()
			if err := d.Suspend(ctx, c.Bool("save")); err != nil {
				return err
			}
			fmt.Println(color.GreenString("device suspended"))
			return nil
		})
	},
}

var resumeCommand = &cli.Command{
	Name:  "resume",
	Usage: "reopen a suspended device's durable collaborators and resume normal operation",
	Flags: []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(d *device.Device) error {
			if err := d.Resume(); err != nil {
				return err
			}
			fmt.Println(color.GreenString("device resumed"))
			return nil
		})
	},
}

var growLogicalCommand = &cli.Command{
	Name:      "grow-logical",
	Usage:     "increase the logical address space of a suspended device",
	ArgsUsage: "<new-logical-blocks>",
	Flags:     []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		n, err := parseBlockCountArg(c)
		if err != nil {
			return err
		}
		return withDevice(c, func(d *device.Device) error {
			if err := d.GrowLogical(n); err != nil {
				return err
			}
			fmt.Println(color.GreenString("logical address space grown to %d blocks", n))
			return nil
		})
	},
}

var growPhysicalCommand = &cli.Command{
	Name:      "grow-physical",
	Usage:     "increase the physical extent of a suspended device",
	ArgsUsage: "<new-physical-blocks>",
	Flags:     []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		n, err := parseBlockCountArg(c)
		if err != nil {
			return err
		}
		return withDevice(c, func(d *device.Device) error {
			if err := d.GrowPhysical(n); err != nil {
				return err
			}
			fmt.Println(color.GreenString("physical extent grown to %d blocks", n))
			return nil
		})
	},
}

func parseBlockCountArg(c *cli.Context) (uint64, error) {
	arg := c.Args().First()
	if arg == "" {
		return 0, fmt.Errorf("missing required block-count argument")
	}
	var n uint64
	if _, err := fmt.Sscanf(arg, "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid block count %q: %w", arg, err)
	}
	return n, nil
}

var setCompressionCommand = &cli.Command{
	Name:      "set-compression",
	Usage:     "enable or disable compression eligibility for new writes",
	ArgsUsage: "<on|off>",
	Flags:     []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		enabled, err := parseOnOffArg(c)
		if err != nil {
			return err
		}
		return withDevice(c, func(d *device.Device) error {
			d.SetCompression(enabled)
			fmt.Println(color.GreenString("compression %s", onOffString(enabled)))
			return nil
		})
	},
}

var setDedupeCommand = &cli.Command{
	Name:      "set-dedupe",
	Usage:     "enable or disable dedupe-oracle consultation for new writes",
	ArgsUsage: "<on|off>",
	Flags:     []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		enabled, err := parseOnOffArg(c)
		if err != nil {
			return err
		}
		return withDevice(c, func(d *device.Device) error {
			d.SetDedupe(enabled)
			fmt.Println(color.GreenString("dedupe %s", onOffString(enabled)))
			return nil
		})
	},
}

func parseOnOffArg(c *cli.Context) (bool, error) {
	switch arg := c.Args().First(); arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected \"on\" or \"off\", got %q", arg)
	}
}

func onOffString(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

var statsCommand = &cli.Command{
	Name:  "stats",
	Usage: "print the device's allocation, dedupe/compression and per-zone queue-depth snapshot",
	Flags: []cli.Flag{dataDirFlag, configFlag},
	Action: func(c *cli.Context) error {
		return withDevice(c, func(d *device.Device) error {
			printStats(d.Stats())
			return nil
		})
	},
}

func printStats(s device.Stats) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.SetAutoWrapText(false)
	rows := [][]string{
		{"device id", s.DeviceID},
		{"state", s.State},
		{"physical blocks total", fmt.Sprint(s.PhysicalBlocksTotal)},
		{"physical blocks used", fmt.Sprint(s.PhysicalBlocksUsed)},
		{"physical blocks free", fmt.Sprint(s.PhysicalBlocksFree)},
		{"compression", onOffString(s.CompressionEnabled)},
		{"dedupe", onOffString(s.DedupeEnabled)},
		{"in-flight requests", fmt.Sprint(s.InFlightRequests)},
		{"packer zone queue depth", fmt.Sprint(s.PackerZoneDepth)},
		{"journal zone queue depth", fmt.Sprint(s.JournalZoneDepth)},
		{"logical zone queue depths", fmt.Sprint(s.LogicalZoneDepths)},
		{"physical zone queue depths", fmt.Sprint(s.PhysicalZoneDepths)},
		{"hash zone queue depths", fmt.Sprint(s.HashZoneDepths)},
	}
	table.AppendBulk(rows)
	table.Render()
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list data directories this host's vdoadmin has opened before",
	Action: func(c *cli.Context) error {
		kd, err := openKnownDevices(c.String(knownDevicesFlag.Name))
		if err != nil {
			return err
		}
		defer kd.Close()

		entries, err := kd.list()
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("no known devices")
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"data directory", "last opened"})
		for dir, ts := range entries {
			table.Append([]string{dir, ts})
		}
		table.Render()
		return nil
	},
}
