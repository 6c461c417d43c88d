package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/gosuri/uilive"
	"github.com/spf13/cobra"

	"diskimager/drive"
)

func newDeviceCmd(a *app) *cobra.Command {
	deviceCmd := &cobra.Command{
		Use:   "device",
		Short: "Device related utilities (safe, read-only)",
	}
	deviceCmd.AddCommand(newDeviceListCmd(a), newDeviceInfoCmd(a), newDeviceWatchCmd(a))
	return deviceCmd
}

func newDeviceListCmd(a *app) *cobra.Command {
	var all, asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List removable drives (read-only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, lister, err := a.newAccess()
			if err != nil {
				return err
			}
			infos, err := lister.List()
			if err != nil {
				return err
			}
			if !all {
				infos = drive.Removable(infos)
			}
			out := cmd.OutOrStdout()
			if asJSON {
				if infos == nil {
					infos = []drive.Info{}
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			fmt.Fprintf(out, "OS: %s\n", runtime.GOOS)
			fmt.Fprintln(out, "This is a SAFE, read-only listing.")
			fmt.Fprintln(out)
			printDeviceTable(out, infos)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include fixed (non-removable) disks")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the listing as JSON")
	return cmd
}

func printDeviceTable(w io.Writer, infos []drive.Info) {
	fmt.Fprintf(w, "  %-18s  %-10s  %-24s  %-8s  %s\n", "Path", "Media", "Model", "Size", "Mounted at")
	if len(infos) == 0 {
		fmt.Fprintln(w, "  <none detected>")
		return
	}
	for _, d := range infos {
		media := d.MediaType
		if !d.Removable {
			media += " (fixed)"
		}
		fmt.Fprintf(w, "  %-18s  %-10s  %-24s  %-8s  %s\n",
			d.Path, media, d.Model, human(d.Size), strings.Join(d.Mounts, ", "))
	}
}

func newDeviceInfoCmd(a *app) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the drive behind a mount point or device (read-only)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(path) == "" {
				return fmt.Errorf("--path is required")
			}
			access, _, err := a.newAccess()
			if err != nil {
				return err
			}
			phys, err := access.PhysicalPath(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Path info")
			fmt.Fprintf(out, "  Input:   %s\n", path)
			fmt.Fprintf(out, "  Whole:   %s\n", phys)
			size, err := access.Size(phys)
			if err != nil {
				a.log.Warn("device size", "device", phys, "err", err)
				return nil
			}
			fmt.Fprintf(out, "  Size:    %s (%d bytes)\n", human(size), size)
			if typ := drive.MediaTypeBySize(size); typ != "" {
				fmt.Fprintf(out, "  Media:   %s\n", typ)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "mount point (e.g. /media/usb), drive letter (E:) or device path (e.g. /dev/sdb)")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}

func newDeviceWatchCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Show drives as they are plugged in and removed, until Ctrl-C",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, lister, err := a.newAccess()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			err = watchDevices(ctx, lister, interval, all, cmd.OutOrStdout(), a)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "poll interval")
	cmd.Flags().BoolVar(&all, "all", false, "include fixed (non-removable) disks")
	return cmd
}

// watchDevices keeps a live table of present drives on out and logs each
// arrival and removal above it.
func watchDevices(ctx context.Context, l drive.Lister, interval time.Duration, all bool, out io.Writer, a *app) error {
	live := uilive.New()
	live.Out = out
	live.Start()
	defer live.Stop()

	present := map[string]drive.Info{}
	return drive.NewWatcher(l, interval, a.log).Run(ctx, func(ev drive.Event) {
		if !all && !ev.Info.Removable {
			return
		}
		switch ev.Kind {
		case drive.Arrived:
			present[ev.Info.Path] = ev.Info
		case drive.Removed:
			delete(present, ev.Info.Path)
		}
		fmt.Fprintf(live.Bypass(), "%s %-8s %s %s\n",
			time.Now().Format("15:04:05"), ev.Kind, ev.Info.Path, human(ev.Info.Size))

		infos := make([]drive.Info, 0, len(present))
		for _, in := range present {
			infos = append(infos, in)
		}
		sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
		var b strings.Builder
		printDeviceTable(&b, infos)
		fmt.Fprint(live, b.String())
		_ = live.Flush()
	})
}
